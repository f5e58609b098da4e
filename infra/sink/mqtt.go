package sink

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/pfriedland/distributed-der/core/model"
	coresink "github.com/pfriedland/distributed-der/core/sink"
	"github.com/pfriedland/distributed-der/infra/logger"
)

// MQTTConfig defines the connection parameters for the telemetry bridge.
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTSink bridges history writes onto an MQTT broker so external
// consumers can follow the fleet without touching the control plane.
type MQTTSink struct {
	cli    pahoClient
	prefix string
	qos    byte
	log    logger.Logger
}

// NewMQTTSink connects to the broker. A failed connect is returned to the
// caller; use the Nop sink when the bridge is optional.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "der"
	}
	log := logger.New("mqtt-sink")

	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(paho.Client) {
		log.Infof("MQTT connected")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &MQTTSink{cli: c, prefix: cfg.TopicPrefix, qos: cfg.QoS, log: log}, nil
}

// WriteTelemetry publishes the snapshot to <prefix>/telemetry/<asset_id>.
func (s *MQTTSink) WriteTelemetry(t model.Telemetry) {
	s.publish(fmt.Sprintf("%s/telemetry/%s", s.prefix, t.AssetID), t)
}

// WriteDispatch publishes the record to <prefix>/dispatch.
func (s *MQTTSink) WriteDispatch(d model.DispatchRecord) {
	s.publish(s.prefix+"/dispatch", d)
}

// WriteSessionEvent publishes the event to <prefix>/sessions.
func (s *MQTTSink) WriteSessionEvent(e coresink.SessionEvent) {
	s.publish(s.prefix+"/sessions", e)
}

func (s *MQTTSink) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("marshal %s: %v", topic, err)
		return
	}
	token := s.cli.Publish(topic, s.qos, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.log.Errorf("publish %s: %v", topic, token.Error())
		}
	}()
}

// Close gracefully disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.cli != nil && s.cli.IsConnected() {
		s.cli.Disconnect(250)
	}
}
