package model

import "fmt"

// Asset is the static configuration of one battery energy-storage asset.
// Assets are immutable after load and referenced by ID everywhere else.
type Asset struct {
	ID           string  `json:"id"`
	SiteID       string  `json:"site_id"`
	Name         string  `json:"name"`
	CapacityMWh  float64 `json:"capacity_mwh"`
	MaxMW        float64 `json:"max_mw"`
	MinMW        float64 `json:"min_mw"` // signed, min <= 0 <= max
	Efficiency   float64 `json:"efficiency"`
	RampMWPerMin float64 `json:"ramp_mw_per_min"`
}

// Site groups assets for site-level dispatch.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Validate checks that the asset configuration is sound. Violations are
// fatal at load time so the tick loop never has to re-check them.
func (a Asset) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	if a.SiteID == "" {
		return fmt.Errorf("asset %s: site_id is required", a.ID)
	}
	if a.CapacityMWh < 0 {
		return fmt.Errorf("asset %s: capacity must not be negative", a.ID)
	}
	if a.MinMW > 0 || a.MaxMW < 0 {
		return fmt.Errorf("asset %s: power limits must satisfy min <= 0 <= max", a.ID)
	}
	if a.Efficiency <= 0 || a.Efficiency > 1 {
		return fmt.Errorf("asset %s: efficiency must be in (0,1]", a.ID)
	}
	if a.RampMWPerMin <= 0 {
		return fmt.Errorf("asset %s: ramp rate must be positive", a.ID)
	}
	return nil
}

// ClampPower bounds the given power to the asset's dispatchable range.
func (a Asset) ClampPower(mw float64) float64 {
	if mw < a.MinMW {
		return a.MinMW
	}
	if mw > a.MaxMW {
		return a.MaxMW
	}
	return mw
}
