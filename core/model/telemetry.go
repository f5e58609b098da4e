package model

import "time"

// PowerLimits carries an asset's dispatchable range alongside telemetry so
// consumers do not need the static configuration to interpret a snapshot.
type PowerLimits struct {
	MaxMW float64 `json:"max_mw"`
	MinMW float64 `json:"min_mw"`
}

// Telemetry is one per-tick snapshot of an asset's state. Snapshots are
// superseded, never merged: the latest-value cache keeps only the most
// recent one per asset id.
type Telemetry struct {
	AssetID     string      `json:"asset_id"`
	SiteID      string      `json:"site_id"`
	Timestamp   time.Time   `json:"timestamp"`
	SoCMWh      float64     `json:"soc_mwh"`
	SoCPct      float64     `json:"soc_pct"`
	CapacityMWh float64     `json:"capacity_mwh"`
	CurrentMW   float64     `json:"current_mw"`
	SetpointMW  float64     `json:"setpoint_mw"`
	Limits      PowerLimits `json:"limits"`
	Status      string      `json:"status"`
}
