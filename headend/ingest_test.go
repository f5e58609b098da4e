package headend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfriedland/distributed-der/core/events"
	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/core/protocol"
	"github.com/pfriedland/distributed-der/core/registry"
	"github.com/pfriedland/distributed-der/core/sink"
	"github.com/pfriedland/distributed-der/core/telemetrystore"
	"github.com/pfriedland/distributed-der/infra/logger"
	"github.com/pfriedland/distributed-der/internal/eventbus"
)

type stubSender struct {
	id string
}

func (s *stubSender) ID() string { return s.id }

func (s *stubSender) Send(protocol.Setpoint) error { return nil }

type sessionSink struct {
	sink.Nop
	mu     sync.Mutex
	events []sink.SessionEvent
}

func (s *sessionSink) WriteSessionEvent(e sink.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sessionSink) all() []sink.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.SessionEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newTestIngest(t *testing.T) (*Ingest, *registry.Registry, telemetrystore.Store, *sessionSink) {
	t.Helper()
	reg := registry.New(
		[]model.Asset{
			{ID: "bess-a", SiteID: "site-1", CapacityMWh: 120, MaxMW: 60, MinMW: -60, Efficiency: 0.92, RampMWPerMin: 1000},
			{ID: "bess-b", SiteID: "site-1", CapacityMWh: 40, MaxMW: 60, MinMW: -60, Efficiency: 0.92, RampMWPerMin: 1000},
		},
		[]model.Site{{ID: "site-1"}},
	)
	cache := telemetrystore.NewMemoryStore()
	ss := &sessionSink{}
	in := NewIngest(reg, cache, ss, eventbus.New(), logger.NopLogger{})
	in.BindSenders(func(sessionID string) (registry.Sender, string, bool) {
		return &stubSender{id: sessionID}, "127.0.0.1:1", true
	})
	return in, reg, cache, ss
}

func register(t *testing.T, in *Ingest, sessionID string, reg protocol.Register) {
	t.Helper()
	env := protocol.Envelope{Type: protocol.TypeRegister, Register: &reg}
	require.NoError(t, in.HandleMessage(context.Background(), sessionID, env))
}

func TestIngestRegisterInstallsBindings(t *testing.T) {
	in, reg, _, ss := newTestIngest(t)

	register(t, in, "sess-1", protocol.Register{
		GatewayID: "gw-1",
		Assets: []protocol.AssetDescriptor{
			{AssetID: "bess-a"}, {AssetID: "bess-b"},
		},
	})

	assert.Equal(t, 2, reg.ConnectedCount())
	events := ss.all()
	require.Len(t, events, 2)
	assert.True(t, events[0].Connected)
}

func TestIngestRejectsTelemetryBeforeRegister(t *testing.T) {
	in, _, _, _ := newTestIngest(t)

	env := protocol.Envelope{Type: protocol.TypeTelemetry, Telemetry: &model.Telemetry{AssetID: "bess-a"}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
}

func TestIngestRejectsDuplicateRegister(t *testing.T) {
	in, _, _, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	env := protocol.Envelope{Type: protocol.TypeRegister, Register: &protocol.Register{PrimaryAssetID: "bess-a"}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
}

func TestIngestRejectsUnknownAssetRegister(t *testing.T) {
	in, reg, _, _ := newTestIngest(t)

	env := protocol.Envelope{Type: protocol.TypeRegister, Register: &protocol.Register{PrimaryAssetID: "bess-x"}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
	assert.Zero(t, reg.ConnectedCount())
}

func TestIngestTelemetryUpdatesCache(t *testing.T) {
	in, reg, cache, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	env := protocol.Envelope{Type: protocol.TypeTelemetry, Telemetry: &model.Telemetry{
		AssetID:   "bess-a",
		Timestamp: time.Now(),
		SoCMWh:    60,
		CurrentMW: 10,
	}}
	require.NoError(t, in.HandleMessage(context.Background(), "sess-1", env))

	got, ok := cache.Get("bess-a")
	require.True(t, ok)
	assert.InDelta(t, 60, got.SoCMWh, 1e-9)
	assert.Equal(t, "site-1", got.SiteID)
	assert.Equal(t, 1, reg.ConnectedCount())
}

func TestIngestLegacyTelemetryDefaultsToSoleAsset(t *testing.T) {
	in, _, cache, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	env := protocol.Envelope{Type: protocol.TypeTelemetry, Telemetry: &model.Telemetry{SoCMWh: 42}}
	require.NoError(t, in.HandleMessage(context.Background(), "sess-1", env))

	got, ok := cache.Get("bess-a")
	require.True(t, ok)
	assert.InDelta(t, 42, got.SoCMWh, 1e-9)
}

func TestIngestBareTelemetryOnMultiAssetSessionFails(t *testing.T) {
	in, _, _, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{Assets: []protocol.AssetDescriptor{
		{AssetID: "bess-a"}, {AssetID: "bess-b"},
	}})

	env := protocol.Envelope{Type: protocol.TypeTelemetry, Telemetry: &model.Telemetry{SoCMWh: 42}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
}

func TestIngestRejectsTelemetryForUndeclaredAsset(t *testing.T) {
	in, _, _, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	env := protocol.Envelope{Type: protocol.TypeTelemetry, Telemetry: &model.Telemetry{AssetID: "bess-b"}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
}

func TestIngestRejectsInboundSetpoint(t *testing.T) {
	in, _, _, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	env := protocol.Envelope{Type: protocol.TypeSetpoint, Setpoint: &protocol.Setpoint{AssetID: "bess-a", PowerMW: 5}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
}

func TestIngestCloseReleasesBindingsOnce(t *testing.T) {
	in, reg, _, ss := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	in.HandleClose("sess-1")
	assert.Zero(t, reg.ConnectedCount())

	events := ss.all()
	require.Len(t, events, 2)
	assert.False(t, events[1].Connected)

	// Repeated close reports nothing new.
	in.HandleClose("sess-1")
	assert.Len(t, ss.all(), 2)
}

func TestIngestCloseLeavesSupersededBindings(t *testing.T) {
	in, reg, _, _ := newTestIngest(t)
	register(t, in, "sess-old", protocol.Register{PrimaryAssetID: "bess-a"})
	register(t, in, "sess-new", protocol.Register{PrimaryAssetID: "bess-a"})

	// The old session's close must not tear down the new binding.
	in.HandleClose("sess-old")
	b, err := reg.Resolve("bess-a")
	require.NoError(t, err)
	assert.Equal(t, "sess-new", b.SessionID)
}

func TestIngestAssetEventReachesBus(t *testing.T) {
	in, _, _, _ := newTestIngest(t)
	sub := in.bus.Subscribe()
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})
	<-sub // connected session event

	env := protocol.Envelope{Type: protocol.TypeEvent, Event: &protocol.AssetEvent{
		Kind:      "MIN_SOC_REACHED",
		SoCMWh:    0,
		Timestamp: time.Now(),
	}}
	require.NoError(t, in.HandleMessage(context.Background(), "sess-1", env))

	got, ok := (<-sub).(events.SoCBoundEvent)
	require.True(t, ok)
	assert.Equal(t, "bess-a", got.AssetID)
	assert.Equal(t, "site-1", got.SiteID)
	assert.Equal(t, "MIN_SOC_REACHED", got.Kind)
}

func TestIngestRejectsEventBeforeRegister(t *testing.T) {
	in, _, _, _ := newTestIngest(t)

	env := protocol.Envelope{Type: protocol.TypeEvent, Event: &protocol.AssetEvent{AssetID: "bess-a", Kind: "MIN_SOC_REACHED"}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
}

func TestIngestRejectsEventForUndeclaredAsset(t *testing.T) {
	in, _, _, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	env := protocol.Envelope{Type: protocol.TypeEvent, Event: &protocol.AssetEvent{AssetID: "bess-b", Kind: "MAX_SOC_REACHED"}}
	err := in.HandleMessage(context.Background(), "sess-1", env)
	assert.Error(t, err)
}

func TestIngestShutdownTerminatesSessions(t *testing.T) {
	in, reg, _, ss := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})
	register(t, in, "sess-2", protocol.Register{PrimaryAssetID: "bess-b"})

	in.Shutdown()
	assert.Zero(t, reg.ConnectedCount())

	events := ss.all()
	require.Len(t, events, 4)
	assert.False(t, events[2].Connected)
	assert.False(t, events[3].Connected)

	// Transport closes arriving after shutdown find the sessions
	// terminated and report nothing new.
	in.HandleClose("sess-1")
	in.HandleClose("sess-2")
	assert.Len(t, ss.all(), 4)
}

func TestIngestHeartbeatRefreshesLiveness(t *testing.T) {
	in, reg, _, _ := newTestIngest(t)
	register(t, in, "sess-1", protocol.Register{PrimaryAssetID: "bess-a"})

	later := time.Now().Add(time.Minute)
	in.now = func() time.Time { return later }
	env := protocol.Envelope{Type: protocol.TypeHeartbeat, Heartbeat: &protocol.Heartbeat{Timestamp: later}}
	require.NoError(t, in.HandleMessage(context.Background(), "sess-1", env))

	rows := reg.List()
	require.NotEmpty(t, rows)
	assert.Equal(t, later, rows[0].LastSeen)
}
