// Package headend wires the stream transport, session registry, dispatch
// resolver and history sinks into the control-plane process.
package headend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pfriedland/distributed-der/core/logger"
	"github.com/pfriedland/distributed-der/core/protocol"
	"github.com/pfriedland/distributed-der/core/registry"
	"github.com/pfriedland/distributed-der/core/sink"
	"github.com/pfriedland/distributed-der/core/telemetrystore"
	"github.com/pfriedland/distributed-der/core/events"
	"github.com/pfriedland/distributed-der/internal/eventbus"
)

// SenderLookup resolves the write end of a live session by id. The
// transport provides it after both sides are constructed.
type SenderLookup func(sessionID string) (registry.Sender, string, bool)

type session struct {
	state  protocol.SessionState
	assets []string
	reg    protocol.Register
	peer   string
}

// Ingest consumes inbound stream messages. One instance serves every
// session; per-session state lives in the sessions map and is removed on
// close.
type Ingest struct {
	reg     *registry.Registry
	cache   telemetrystore.Store
	sink    sink.Sink
	bus     *eventbus.Bus
	log     logger.Logger
	senders SenderLookup
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewIngest builds the message consumer. Call BindSenders before serving.
func NewIngest(reg *registry.Registry, cache telemetrystore.Store, s sink.Sink, bus *eventbus.Bus, log logger.Logger) *Ingest {
	if s == nil {
		s = sink.Nop{}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Ingest{
		reg:      reg,
		cache:    cache,
		sink:     s,
		bus:      bus,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// BindSenders installs the transport's session lookup. The transport is
// built after the ingest, so this runs as a second wiring step.
func (in *Ingest) BindSenders(l SenderLookup) { in.senders = l }

// HandleMessage applies one inbound envelope. Returning an error
// terminates the session.
func (in *Ingest) HandleMessage(_ context.Context, sessionID string, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRegister:
		return in.handleRegister(sessionID, *env.Register)
	case protocol.TypeTelemetry:
		return in.handleTelemetry(sessionID, env)
	case protocol.TypeHeartbeat:
		return in.handleHeartbeat(sessionID)
	case protocol.TypeEvent:
		return in.handleEvent(sessionID, *env.Event)
	default:
		// Setpoints flow headend -> agent only.
		return fmt.Errorf("unexpected %s from agent", env.Type)
	}
}

func (in *Ingest) handleRegister(sessionID string, reg protocol.Register) error {
	assetIDs := reg.AssetIDs()
	if len(assetIDs) == 0 {
		return fmt.Errorf("register declared no assets")
	}

	in.mu.Lock()
	if _, exists := in.sessions[sessionID]; exists {
		in.mu.Unlock()
		return fmt.Errorf("duplicate register on session %s", sessionID)
	}
	in.mu.Unlock()

	sender, peer, ok := in.senders(sessionID)
	if !ok {
		return fmt.Errorf("session %s vanished during register", sessionID)
	}

	now := in.now()
	if err := in.reg.Register(sessionID, sender, peer, assetIDs, now); err != nil {
		return fmt.Errorf("register rejected: %w", err)
	}

	sess := &session{state: protocol.StateConnecting, assets: assetIDs, reg: reg, peer: peer}
	if err := sess.transition(protocol.StateRegistered); err != nil {
		return err
	}
	in.mu.Lock()
	in.sessions[sessionID] = sess
	in.mu.Unlock()

	for _, id := range assetIDs {
		asset, _ := in.reg.Asset(id)
		ev := sink.SessionEvent{SessionID: sessionID, AssetID: id, Peer: peer, Connected: true, Timestamp: now}
		in.sink.WriteSessionEvent(ev)
		in.bus.Publish(events.SessionEvent{
			SessionID: sessionID,
			AssetID:   id,
			SiteID:    asset.SiteID,
			Peer:      peer,
			Connected: true,
			Timestamp: now,
		})
	}
	in.log.Infof("session %s registered assets=%v gateway=%s", sessionID, assetIDs, reg.GatewayID)
	return nil
}

func (in *Ingest) handleTelemetry(sessionID string, env protocol.Envelope) error {
	in.mu.Lock()
	sess, ok := in.sessions[sessionID]
	in.mu.Unlock()
	if !ok {
		return fmt.Errorf("telemetry before register")
	}
	if sess.state == protocol.StateRegistered {
		if err := sess.transition(protocol.StateStreaming); err != nil {
			return err
		}
	}

	t := *env.Telemetry
	if t.AssetID == "" {
		id, err := sess.reg.LegacyAssetID()
		if err != nil {
			return err
		}
		t.AssetID = id
	}
	if !sess.serves(t.AssetID) {
		return fmt.Errorf("telemetry for undeclared asset %s", t.AssetID)
	}
	if t.SiteID == "" {
		if asset, err := in.reg.Asset(t.AssetID); err == nil {
			t.SiteID = asset.SiteID
		}
	}

	in.cache.Set(t)
	in.sink.WriteTelemetry(t)
	in.reg.Touch(sessionID, in.now())
	return nil
}

func (in *Ingest) handleEvent(sessionID string, ev protocol.AssetEvent) error {
	in.mu.Lock()
	sess, ok := in.sessions[sessionID]
	in.mu.Unlock()
	if !ok {
		return fmt.Errorf("event before register")
	}

	if ev.AssetID == "" {
		id, err := sess.reg.LegacyAssetID()
		if err != nil {
			return err
		}
		ev.AssetID = id
	}
	if !sess.serves(ev.AssetID) {
		return fmt.Errorf("event for undeclared asset %s", ev.AssetID)
	}
	if ev.SiteID == "" {
		if asset, err := in.reg.Asset(ev.AssetID); err == nil {
			ev.SiteID = asset.SiteID
		}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = in.now()
	}

	in.bus.Publish(events.SoCBoundEvent{
		AssetID:   ev.AssetID,
		SiteID:    ev.SiteID,
		Kind:      ev.Kind,
		SoCMWh:    ev.SoCMWh,
		Timestamp: ts,
	})
	in.reg.Touch(sessionID, in.now())
	return nil
}

func (in *Ingest) handleHeartbeat(sessionID string) error {
	in.mu.Lock()
	_, ok := in.sessions[sessionID]
	in.mu.Unlock()
	if !ok {
		return fmt.Errorf("heartbeat before register")
	}
	in.reg.Touch(sessionID, in.now())
	return nil
}

// HandleClose releases the session's bindings. The transport may report a
// close more than once; everything here is idempotent.
func (in *Ingest) HandleClose(sessionID string) {
	in.mu.Lock()
	sess, ok := in.sessions[sessionID]
	delete(in.sessions, sessionID)
	in.mu.Unlock()
	if !ok {
		return
	}
	if sess.state == protocol.StateTerminated {
		// Shutdown already released the bindings.
		return
	}
	_ = sess.transition(protocol.StateDisconnected)
	in.release(sessionID, sess.peer)
}

// Shutdown terminates every live session. It runs on deliberate service
// stop, before the sinks flush, so the disconnect events still reach
// history. Transport closes arriving afterwards find the session
// terminated and do nothing.
func (in *Ingest) Shutdown() {
	in.mu.Lock()
	var ids []string
	peers := make(map[string]string)
	for id, sess := range in.sessions {
		if err := sess.transition(protocol.StateTerminated); err != nil {
			continue
		}
		ids = append(ids, id)
		peers[id] = sess.peer
	}
	in.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		in.release(id, peers[id])
	}
}

func (in *Ingest) release(sessionID, peer string) {
	now := in.now()
	released := in.reg.Unregister(sessionID)
	for _, id := range released {
		asset, _ := in.reg.Asset(id)
		ev := sink.SessionEvent{SessionID: sessionID, AssetID: id, Peer: peer, Connected: false, Timestamp: now}
		in.sink.WriteSessionEvent(ev)
		in.bus.Publish(events.SessionEvent{
			SessionID: sessionID,
			AssetID:   id,
			SiteID:    asset.SiteID,
			Peer:      peer,
			Connected: false,
			Timestamp: now,
		})
	}
	in.log.Infof("session %s closed, released=%v", sessionID, released)
}

func (s *session) transition(to protocol.SessionState) error {
	next, err := protocol.Transition(s.state, to)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *session) serves(assetID string) bool {
	for _, id := range s.assets {
		if id == assetID {
			return true
		}
	}
	return false
}
