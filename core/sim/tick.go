// Package sim advances the physical state of battery assets. The tick
// transition is a pure function so headend and agents stay aligned on the
// same model.
package sim

import (
	"time"

	"github.com/pfriedland/distributed-der/core/model"
)

// Tick advances one asset state by dt and returns the next state together
// with a telemetry snapshot taken after the step. dt <= 0 leaves the state
// unchanged and only snapshots it.
//
// Positive power is discharge (SoC decreases), negative power is charge.
func Tick(asset model.Asset, state model.AssetState, dt time.Duration, now time.Time) (model.AssetState, model.Telemetry) {
	dtSecs := dt.Seconds()
	if dtSecs > 0 {
		// Ramp toward the setpoint, limited by the asset ramp rate.
		maxStep := asset.RampMWPerMin * dtSecs / 60
		delta := state.SetpointMW - state.CurrentMW
		if delta > maxStep {
			delta = maxStep
		} else if delta < -maxStep {
			delta = -maxStep
		}
		state.CurrentMW = asset.ClampPower(state.CurrentMW + delta)

		// Linear SoC model: discharging draws extra energy from the cells,
		// charging loses some of the delivered energy.
		energyMWh := state.CurrentMW * dtSecs / 3600
		if state.CurrentMW > 0 {
			state.SoCMWh -= energyMWh / asset.Efficiency
		} else if state.CurrentMW < 0 {
			state.SoCMWh -= energyMWh * asset.Efficiency
		}
		if state.SoCMWh < 0 {
			state.SoCMWh = 0
		}
		if state.SoCMWh > asset.CapacityMWh {
			state.SoCMWh = asset.CapacityMWh
		}
	}

	return state, Snapshot(asset, state, now)
}

// Snapshot builds a telemetry record for the given state without advancing
// it.
func Snapshot(asset model.Asset, state model.AssetState, now time.Time) model.Telemetry {
	socPct := 0.0
	if asset.CapacityMWh > 0 {
		socPct = state.SoCMWh / asset.CapacityMWh * 100
		if socPct < 0 {
			socPct = 0
		}
		if socPct > 100 {
			socPct = 100
		}
	}
	return model.Telemetry{
		AssetID:     asset.ID,
		SiteID:      asset.SiteID,
		Timestamp:   now,
		SoCMWh:      state.SoCMWh,
		SoCPct:      socPct,
		CapacityMWh: asset.CapacityMWh,
		CurrentMW:   state.CurrentMW,
		SetpointMW:  state.SetpointMW,
		Limits:      model.PowerLimits{MaxMW: asset.MaxMW, MinMW: asset.MinMW},
		Status:      state.Status().String(),
	}
}
