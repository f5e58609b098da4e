// Package events defines the typed events published on the internal bus.
package events

import (
	"time"

	"github.com/pfriedland/distributed-der/core/model"
)

// SessionEvent reports an agent session binding or releasing an asset.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	AssetID   string    `json:"asset_id"`
	SiteID    string    `json:"site_id,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// DispatchEvent reports a resolved dispatch request.
type DispatchEvent struct {
	Record model.DispatchRecord `json:"record"`
}

// SoCBoundEvent fires once when an asset reaches a state-of-charge
// boundary. Kind is "MIN_SOC_REACHED" or "MAX_SOC_REACHED".
type SoCBoundEvent struct {
	AssetID   string    `json:"asset_id"`
	SiteID    string    `json:"site_id,omitempty"`
	Kind      string    `json:"kind"`
	SoCMWh    float64   `json:"soc_mwh"`
	Timestamp time.Time `json:"timestamp"`
}

// Record flattens one bus event for the operator API. Exactly one of the
// payload pointers is set, matching Kind.
type Record struct {
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Session   *SessionEvent  `json:"session,omitempty"`
	Dispatch  *DispatchEvent `json:"dispatch,omitempty"`
	SoCBound  *SoCBoundEvent `json:"soc_bound,omitempty"`
}
