package model

// StatusThresholdMW separates idle from charging/discharging when deriving
// the asset status from its current power.
const StatusThresholdMW = 0.1

// Status describes the derived operating state of an asset.
type Status int

const (
	StatusIdle Status = iota
	StatusCharging
	StatusDischarging
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCharging:
		return "charging"
	case StatusDischarging:
		return "discharging"
	default:
		return "idle"
	}
}

// DeriveStatus maps a signed power value to a Status. Positive power is
// discharge, negative is charge.
func DeriveStatus(currentMW float64) Status {
	switch {
	case currentMW > StatusThresholdMW:
		return StatusDischarging
	case currentMW < -StatusThresholdMW:
		return StatusCharging
	default:
		return StatusIdle
	}
}

// AssetState is the mutable simulation state of one asset. It is owned
// exclusively by the runtime that simulates the asset; everyone else sees
// copies through telemetry snapshots.
type AssetState struct {
	SoCMWh     float64 `json:"soc_mwh"`
	CurrentMW  float64 `json:"current_mw"`
	SetpointMW float64 `json:"setpoint_mw"`
}

// Status derives the operating status from the current power.
func (s AssetState) Status() Status {
	return DeriveStatus(s.CurrentMW)
}
