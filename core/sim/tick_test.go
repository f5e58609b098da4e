package sim

import (
	"math"
	"testing"
	"time"

	"github.com/pfriedland/distributed-der/core/model"
)

var testAsset = model.Asset{
	ID: "a1", SiteID: "s1", Name: "BESS-1",
	CapacityMWh: 120, MaxMW: 60, MinMW: -60,
	Efficiency: 0.92, RampMWPerMin: 1000,
}

func TestTickRampNotLimiting(t *testing.T) {
	// capacity=120, max=60, min=-60, ramp=1000/min, eff=0.92, soc=60,
	// setpoint=10, dt=4s: power reaches 10, soc drops by 10*4/3600/0.92.
	state := model.AssetState{SoCMWh: 60, SetpointMW: 10}
	now := time.Now()

	next, snap := Tick(testAsset, state, 4*time.Second, now)

	if math.Abs(next.CurrentMW-10) > 1e-9 {
		t.Fatalf("current power: got %v want 10", next.CurrentMW)
	}
	wantDrop := 10.0 * 4 / 3600 / 0.92
	if math.Abs((60-next.SoCMWh)-wantDrop) > 1e-9 {
		t.Fatalf("soc drop: got %v want %v", 60-next.SoCMWh, wantDrop)
	}
	if snap.Status != "discharging" {
		t.Fatalf("status: got %s", snap.Status)
	}
	if snap.Timestamp != now {
		t.Fatalf("timestamp not propagated")
	}
}

func TestTickRampLimited(t *testing.T) {
	asset := testAsset
	asset.RampMWPerMin = 30 // 0.5 MW/s
	state := model.AssetState{SoCMWh: 60, SetpointMW: 50}

	next, _ := Tick(asset, state, 4*time.Second, time.Now())

	// 30/60*4 = 2 MW maximum step.
	if math.Abs(next.CurrentMW-2) > 1e-9 {
		t.Fatalf("ramp limit: got %v want 2", next.CurrentMW)
	}
}

func TestTickChargeGainsWithEfficiency(t *testing.T) {
	state := model.AssetState{SoCMWh: 60, CurrentMW: -10, SetpointMW: -10}

	next, snap := Tick(testAsset, state, 4*time.Second, time.Now())

	wantGain := 10.0 * 4 / 3600 * 0.92
	if math.Abs((next.SoCMWh-60)-wantGain) > 1e-9 {
		t.Fatalf("soc gain: got %v want %v", next.SoCMWh-60, wantGain)
	}
	if snap.Status != "charging" {
		t.Fatalf("status: got %s", snap.Status)
	}
}

func TestTickZeroDtIsNoop(t *testing.T) {
	state := model.AssetState{SoCMWh: 60, CurrentMW: 5, SetpointMW: 50}

	next, snap := Tick(testAsset, state, 0, time.Now())

	if next != state {
		t.Fatalf("state changed on dt=0: %+v", next)
	}
	if snap.CurrentMW != 5 {
		t.Fatalf("snapshot should reflect unchanged state")
	}
}

func TestTickInvariantsHoldOverManyTicks(t *testing.T) {
	asset := testAsset
	asset.RampMWPerMin = 120
	state := model.AssetState{SoCMWh: 1}
	setpoints := []float64{60, -60, 30, -5, 0, 60, 60, -60}
	dt := 4 * time.Second
	maxStep := asset.RampMWPerMin * dt.Seconds() / 60

	now := time.Now()
	for i := 0; i < 500; i++ {
		state.SetpointMW = asset.ClampPower(setpoints[i%len(setpoints)])
		prev := state.CurrentMW
		state, _ = Tick(asset, state, dt, now)
		if state.SoCMWh < 0 || state.SoCMWh > asset.CapacityMWh {
			t.Fatalf("tick %d: soc out of bounds: %v", i, state.SoCMWh)
		}
		if state.CurrentMW < asset.MinMW || state.CurrentMW > asset.MaxMW {
			t.Fatalf("tick %d: power out of bounds: %v", i, state.CurrentMW)
		}
		if math.Abs(state.CurrentMW-prev) > maxStep+1e-9 {
			t.Fatalf("tick %d: ramp violated: |%v - %v| > %v", i, state.CurrentMW, prev, maxStep)
		}
		now = now.Add(dt)
	}
}

func TestRuntimeSetpointDeferredToNextTick(t *testing.T) {
	rt := NewRuntime(testAsset, 60)

	applied := rt.ApplySetpoint(100) // above max
	if applied != testAsset.MaxMW {
		t.Fatalf("setpoint clamp: got %v want %v", applied, testAsset.MaxMW)
	}
	if st := rt.State(); st.CurrentMW != 0 {
		t.Fatalf("setpoint must not move power instantly, got %v", st.CurrentMW)
	}

	snap, _, _ := rt.Tick(4*time.Second, time.Now())
	if snap.CurrentMW <= 0 {
		t.Fatalf("power should move toward setpoint after tick, got %v", snap.CurrentMW)
	}
}

func TestRuntimeSoCBoundCrossing(t *testing.T) {
	asset := testAsset
	asset.CapacityMWh = 0.01
	rt := NewRuntime(asset, 0.01)
	rt.ApplySetpoint(60)

	var crossings int
	for i := 0; i < 100; i++ {
		_, bound, crossed := rt.Tick(4*time.Second, time.Now())
		if crossed {
			crossings++
			if bound != SoCAtMin {
				t.Fatalf("expected min bound, got %v", bound)
			}
		}
	}
	if crossings != 1 {
		t.Fatalf("boundary crossing should fire once, got %d", crossings)
	}
}
