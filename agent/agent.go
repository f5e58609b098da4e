// Package agent is the field-side process: it simulates its assets,
// streams telemetry to the headend and applies received setpoints.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pfriedland/distributed-der/config"
	"github.com/pfriedland/distributed-der/core/events"
	"github.com/pfriedland/distributed-der/core/logger"
	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/core/protocol"
	"github.com/pfriedland/distributed-der/core/sim"
	"github.com/pfriedland/distributed-der/infra/ws"
	"github.com/pfriedland/distributed-der/internal/eventbus"
)

// Agent runs the runtimes of every asset behind one gateway and owns the
// single stream session to the headend.
type Agent struct {
	cfg      config.AgentConfig
	runtimes []*sim.Runtime // declaration order, telemetry follows it
	byID     map[string]*sim.Runtime
	register protocol.Register
	log      logger.Logger
	bus      *eventbus.Bus
	now      func() time.Time

	mu   sync.Mutex
	conn *ws.Conn
}

// New builds an agent for the assets named in cfg.AssetIDs. fleet supplies
// the static configuration; every served asset must be present.
func New(cfg config.AgentConfig, fleet []model.Asset, bus *eventbus.Bus, log logger.Logger) (*Agent, error) {
	if len(cfg.AssetIDs) == 0 {
		return nil, fmt.Errorf("agent serves no assets")
	}
	byConfigID := make(map[string]model.Asset, len(fleet))
	for _, a := range fleet {
		byConfigID[a.ID] = a
	}

	a := &Agent{
		cfg:  cfg,
		byID: make(map[string]*sim.Runtime, len(cfg.AssetIDs)),
		log:  log,
		bus:  bus,
		now:  time.Now,
	}
	if a.bus == nil {
		a.bus = eventbus.New()
	}

	reg := protocol.Register{GatewayID: cfg.GatewayID, SiteID: cfg.SiteID}
	for _, id := range cfg.AssetIDs {
		asset, ok := byConfigID[id]
		if !ok {
			return nil, fmt.Errorf("asset %s not in fleet configuration", id)
		}
		rt := sim.NewRuntime(asset, asset.CapacityMWh*cfg.InitialSoCPct/100)
		a.runtimes = append(a.runtimes, rt)
		a.byID[id] = rt
		reg.Assets = append(reg.Assets, protocol.AssetDescriptor{
			AssetID: asset.ID,
			Name:    asset.Name,
			SiteID:  asset.SiteID,
		})
	}
	if len(cfg.AssetIDs) == 1 {
		// Single-asset gateways announce themselves the legacy way too.
		reg.PrimaryAssetID = cfg.AssetIDs[0]
	}
	a.register = reg
	return a, nil
}

// Bus exposes the agent's local event bus.
func (a *Agent) Bus() *eventbus.Bus { return a.bus }

// Run ticks the runtimes and keeps the headend link alive until ctx is
// cancelled. Simulation continues across disconnects; telemetry is only
// sent while a session is up.
func (a *Agent) Run(ctx context.Context) error {
	client := ws.NewClient(a.cfg.HeadendURL, a, a.log, a.onConnect)
	go func() { _ = client.Run(ctx) }()

	sub := a.bus.Subscribe()
	defer a.bus.Unsubscribe(sub)
	go a.forwardEvents(sub)

	dt := time.Duration(a.cfg.TickIntervalS) * time.Second
	ticker := time.NewTicker(dt)
	defer ticker.Stop()
	heartbeat := time.NewTicker(time.Duration(a.cfg.HeartbeatS) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.tickAll(dt, now)
		case <-heartbeat.C:
			a.sendHeartbeat()
		}
	}
}

// HandleMessage processes inbound frames. Only setpoints flow toward the
// agent; anything else is a protocol violation that drops the session.
func (a *Agent) HandleMessage(_ context.Context, _ string, env protocol.Envelope) error {
	if env.Type != protocol.TypeSetpoint {
		return fmt.Errorf("unexpected %s from headend", env.Type)
	}
	return a.applySetpoint(*env.Setpoint)
}

// HandleClose forgets the dead session. The dialer redials on its own.
func (a *Agent) HandleClose(string) {
	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()
	a.log.Warnf("headend link lost")
}

func (a *Agent) onConnect(conn *ws.Conn) error {
	if err := conn.Send(protocol.Envelope{Type: protocol.TypeRegister, Register: &a.register}); err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return nil
}

func (a *Agent) applySetpoint(sp protocol.Setpoint) error {
	assetID := sp.AssetID
	if assetID == "" && sp.SiteID == "" {
		id, err := a.register.LegacyAssetID()
		if err != nil {
			return err
		}
		assetID = id
	}

	target, err := model.ResolveTarget(assetID, sp.SiteID)
	if err != nil {
		return err
	}

	if target.Kind() == model.TargetSite {
		// Normally the headend fans out per asset; a site-level frame is
		// applied to every served asset at that site.
		for _, rt := range a.runtimes {
			if rt.Asset().SiteID == target.ID() {
				applied := rt.ApplySetpoint(sp.PowerMW)
				a.log.Infof("setpoint asset_id=%s mw=%.3f dispatch=%s", rt.Asset().ID, applied, sp.DispatchID)
			}
		}
		return nil
	}

	rt, ok := a.byID[target.ID()]
	if !ok {
		return fmt.Errorf("setpoint for unserved asset %s", target.ID())
	}
	applied := rt.ApplySetpoint(sp.PowerMW)
	a.log.Infof("setpoint asset_id=%s mw=%.3f dispatch=%s", target.ID(), applied, sp.DispatchID)
	return nil
}

func (a *Agent) tickAll(dt time.Duration, now time.Time) {
	for _, rt := range a.runtimes {
		snap, bound, crossed := rt.Tick(dt, now)
		if crossed {
			kind := "MIN_SOC_REACHED"
			if bound == sim.SoCAtMax {
				kind = "MAX_SOC_REACHED"
			}
			a.log.Warnf("soc boundary asset_id=%s kind=%s soc_mwh=%.3f", snap.AssetID, kind, snap.SoCMWh)
			a.bus.Publish(events.SoCBoundEvent{
				AssetID:   snap.AssetID,
				SiteID:    snap.SiteID,
				Kind:      kind,
				SoCMWh:    snap.SoCMWh,
				Timestamp: now,
			})
		}
		a.send(protocol.Envelope{Type: protocol.TypeTelemetry, Telemetry: &snap})
	}
}

// forwardEvents relays boundary crossings from the local bus to the
// headend so the control plane sees them without re-deriving state of
// charge. It exits when the subscription closes.
func (a *Agent) forwardEvents(sub <-chan eventbus.Event) {
	for ev := range sub {
		b, ok := ev.(events.SoCBoundEvent)
		if !ok {
			continue
		}
		a.send(protocol.Envelope{Type: protocol.TypeEvent, Event: &protocol.AssetEvent{
			AssetID:   b.AssetID,
			SiteID:    b.SiteID,
			Kind:      b.Kind,
			SoCMWh:    b.SoCMWh,
			Timestamp: b.Timestamp,
		}})
	}
}

func (a *Agent) sendHeartbeat() {
	a.send(protocol.Envelope{Type: protocol.TypeHeartbeat, Heartbeat: &protocol.Heartbeat{Timestamp: a.now()}})
}

func (a *Agent) send(env protocol.Envelope) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(env); err != nil {
		a.log.Warnf("send %s failed: %v", env.Type, err)
	}
}

// Runtime returns the runtime serving assetID, if any. Used by tests and
// local tooling.
func (a *Agent) Runtime(assetID string) (*sim.Runtime, bool) {
	rt, ok := a.byID[assetID]
	return rt, ok
}
