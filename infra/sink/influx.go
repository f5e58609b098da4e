// Package sink provides the concrete history backends: InfluxDB for
// time-series persistence, MQTT for external consumers and an async
// wrapper that keeps slow backends off the hot path.
package sink

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/pfriedland/distributed-der/core/model"
	coresink "github.com/pfriedland/distributed-der/core/sink"
	"github.com/pfriedland/distributed-der/infra/logger"
)

// InfluxConfig holds the connection parameters for the history bucket.
type InfluxConfig struct {
	URL    string `json:"url" yaml:"url"`
	Token  string `json:"token" yaml:"token"`
	Org    string `json:"org" yaml:"org"`
	Bucket string `json:"bucket" yaml:"bucket"`
}

// InfluxSink writes telemetry, dispatch and session history to InfluxDB
// using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a Nop
// sink when the health check fails, so a missing history backend never
// blocks startup.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coresink.Sink {
	s := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := s.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			s.log.Errorf("influx health check error: %v", err)
		} else {
			s.log.Errorf("influx health status: %s", health.Status)
		}
		s.client.Close()
		return coresink.Nop{}
	}
	return s
}

// WriteTelemetry persists one asset snapshot.
func (s *InfluxSink) WriteTelemetry(t model.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("asset_telemetry").
		AddTag("asset_id", t.AssetID).
		AddTag("site_id", t.SiteID).
		AddTag("status", t.Status).
		AddField("soc_mwh", round3(t.SoCMWh)).
		AddField("soc_pct", round3(t.SoCPct)).
		AddField("current_mw", round3(t.CurrentMW)).
		AddField("setpoint_mw", round3(t.SetpointMW)).
		SetTime(t.Timestamp)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		s.log.Errorf("write telemetry: %v", err)
	}
}

// WriteDispatch persists one dispatch record including its allocations.
func (s *InfluxSink) WriteDispatch(d model.DispatchRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispatch_event").
		AddTag("dispatch_id", d.ID).
		AddTag("target", d.Target).
		AddTag("status", string(d.Status)).
		AddField("requested_mw", round3(d.RequestedMW)).
		AddField("residual_mw", round3(d.ResidualMW)).
		AddField("allocations", len(d.Allocations)).
		SetTime(d.CreatedAt)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		s.log.Errorf("write dispatch: %v", err)
		return
	}
	for _, a := range d.Allocations {
		ap := write.NewPointWithMeasurement("dispatch_allocation").
			AddTag("dispatch_id", d.ID).
			AddTag("asset_id", a.AssetID).
			AddTag("delivered", strconv.FormatBool(a.Delivered)).
			AddTag("clamped", strconv.FormatBool(a.Clamped)).
			AddField("raw_mw", round3(a.RawMW)).
			AddField("allocated_mw", round3(a.MW)).
			SetTime(d.CreatedAt)
		if err := s.writeAPI.WritePoint(ctx, ap); err != nil {
			s.log.Errorf("write allocation: %v", err)
			return
		}
	}
}

// WriteSessionEvent persists a connect or disconnect.
func (s *InfluxSink) WriteSessionEvent(e coresink.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("session_event").
		AddTag("session_id", e.SessionID).
		AddTag("asset_id", e.AssetID).
		AddTag("connected", strconv.FormatBool(e.Connected)).
		AddField("peer", e.Peer).
		SetTime(e.Timestamp)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		s.log.Errorf("write session event: %v", err)
	}
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
