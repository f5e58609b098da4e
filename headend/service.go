package headend

import (
	"context"
	"net/http"
	"time"

	"github.com/pfriedland/distributed-der/config"
	"github.com/pfriedland/distributed-der/core/dispatch"
	"github.com/pfriedland/distributed-der/core/events"
	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/core/protocol"
	"github.com/pfriedland/distributed-der/core/registry"
	coresink "github.com/pfriedland/distributed-der/core/sink"
	"github.com/pfriedland/distributed-der/core/telemetrystore"
	"github.com/pfriedland/distributed-der/infra/logger"
	infrasink "github.com/pfriedland/distributed-der/infra/sink"
	"github.com/pfriedland/distributed-der/infra/ws"
	"github.com/pfriedland/distributed-der/internal/eventbus"
)

// Service is the assembled control plane: registry, resolver, telemetry
// cache, transport and history sinks behind one lifecycle.
type Service struct {
	Registry *registry.Registry
	Resolver *dispatch.Resolver
	Cache    telemetrystore.Store
	Bus      *eventbus.Bus
	Server   *ws.Server
	Events   *EventLog

	ingest *Ingest
	sink   coresink.Sink
	async  *infrasink.Async
	log    logger.Logger
}

// NewService wires the control plane from configuration.
func NewService(cfg *config.Config) (*Service, error) {
	log := logger.New("headend")

	reg := registry.New(cfg.Fleet.Assets, cfg.Fleet.Sites)
	cache := telemetrystore.NewMemoryStore()
	bus := eventbus.New()
	eventLog := NewEventLog(bus, defaultEventWindow, logger.New("events"))

	history := buildSink(cfg, log)
	async := infrasink.NewAsync(history, cfg.Sink.Buffer)

	ingest := NewIngest(reg, cache, async, bus, log)
	server := ws.NewServer(ingest, log)
	ingest.BindSenders(func(sessionID string) (registry.Sender, string, bool) {
		conn, ok := server.Conn(sessionID)
		if !ok {
			return nil, "", false
		}
		return &sessionSender{conn: conn}, conn.Peer(), true
	})

	resolver := dispatch.NewResolver(reg, async, logger.New("dispatch"))

	return &Service{
		Registry: reg,
		Resolver: resolver,
		Cache:    cache,
		Bus:      bus,
		Server:   server,
		Events:   eventLog,
		ingest:   ingest,
		sink:     history,
		async:    async,
		log:      log,
	}, nil
}

// Dispatch resolves one operator request and reports the outcome on the
// event bus.
func (s *Service) Dispatch(req model.DispatchRequest) model.DispatchRecord {
	rec := s.Resolver.Dispatch(req)
	s.Bus.Publish(events.DispatchEvent{Record: rec})
	return rec
}

// Run serves the agent link and API endpoints until ctx is cancelled.
func (s *Service) Run(ctx context.Context, addr string, api http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/agents/link", s.Server)
	if api != nil {
		mux.Handle("/api/", api)
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("server shutdown: %v", err)
		}
	}()

	s.log.Infof("headend listening on %s", addr)
	err := srv.ListenAndServe()
	s.Close()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close terminates live sessions, flushes the async sink and stops the
// event bus. Termination runs first so the disconnect events still reach
// history and the event log.
func (s *Service) Close() {
	s.ingest.Shutdown()
	s.async.Close()
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	s.Bus.Close()
	s.Events.Close()
}

func buildSink(cfg *config.Config, log logger.Logger) coresink.Sink {
	var sinks []coresink.Sink
	if cfg.Sink.Influx.URL != "" {
		sinks = append(sinks, infrasink.NewInfluxSinkWithFallback(cfg.Sink.Influx))
	}
	if cfg.Sink.MQTT.Broker != "" {
		bridge, err := infrasink.NewMQTTSink(cfg.Sink.MQTT)
		if err != nil {
			log.Errorf("mqtt bridge unavailable: %v", err)
		} else {
			sinks = append(sinks, bridge)
		}
	}
	switch len(sinks) {
	case 0:
		return coresink.Nop{}
	case 1:
		return sinks[0]
	default:
		return coresink.NewMulti(sinks...)
	}
}

// sessionSender adapts a transport connection to the registry's Sender.
type sessionSender struct {
	conn *ws.Conn
}

func (s *sessionSender) ID() string { return s.conn.SessionID() }

func (s *sessionSender) Send(sp protocol.Setpoint) error {
	return s.conn.Send(protocol.Envelope{Type: protocol.TypeSetpoint, Setpoint: &sp})
}
