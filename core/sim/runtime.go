package sim

import (
	"sync"
	"time"

	"github.com/pfriedland/distributed-der/core/model"
)

// SoCBound marks which state-of-charge boundary an asset sits at.
type SoCBound int

const (
	SoCInRange SoCBound = iota
	SoCAtMin
	SoCAtMax
)

const socBoundEps = 1e-6

// Runtime owns the mutable simulation state of a single asset. Setpoints
// arrive from the session receive loop while ticks come from the agent
// ticker, so access is serialized with a mutex. Setpoint application only
// stores the target; the ramped move happens on the next tick.
type Runtime struct {
	asset model.Asset

	mu    sync.Mutex
	state model.AssetState
	bound SoCBound
}

// NewRuntime creates a runtime starting at the given state of charge with
// zero power.
func NewRuntime(asset model.Asset, initialSoCMWh float64) *Runtime {
	if initialSoCMWh < 0 {
		initialSoCMWh = 0
	}
	if initialSoCMWh > asset.CapacityMWh {
		initialSoCMWh = asset.CapacityMWh
	}
	return &Runtime{
		asset: asset,
		state: model.AssetState{SoCMWh: initialSoCMWh},
	}
}

// Asset returns the static configuration.
func (r *Runtime) Asset() model.Asset { return r.asset }

// State returns a copy of the current simulation state.
func (r *Runtime) State() model.AssetState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ApplySetpoint stores a new power target, clamped to the asset limits.
// It returns the clamped value. The current power is untouched: setpoints
// never take effect instantaneously.
func (r *Runtime) ApplySetpoint(mw float64) float64 {
	clamped := r.asset.ClampPower(mw)
	r.mu.Lock()
	r.state.SetpointMW = clamped
	r.mu.Unlock()
	return clamped
}

// Tick advances the asset by dt and returns the post-step telemetry along
// with the SoC boundary crossed by this step, if any. The boundary is
// reported only on transitions so callers can emit one event per crossing.
func (r *Runtime) Tick(dt time.Duration, now time.Time) (model.Telemetry, SoCBound, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, snap := Tick(r.asset, r.state, dt, now)
	r.state = next

	bound := SoCInRange
	if next.SoCMWh <= socBoundEps {
		bound = SoCAtMin
	} else if next.SoCMWh >= r.asset.CapacityMWh-socBoundEps {
		bound = SoCAtMax
	}
	crossed := bound != r.bound && bound != SoCInRange
	r.bound = bound
	return snap, bound, crossed
}
