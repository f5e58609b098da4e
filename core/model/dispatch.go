package model

import (
	"fmt"
	"time"
)

// TargetKind discriminates the dispatch target union.
type TargetKind int

const (
	TargetAsset TargetKind = iota
	TargetSite
)

// DispatchTarget identifies either a single asset or a whole site.
// It is a tagged union: construct it with AssetTarget or SiteTarget so the
// asset-wins precedence rule lives in ResolveTarget instead of scattered
// nil checks.
type DispatchTarget struct {
	kind TargetKind
	id   string
}

// AssetTarget returns a target addressing one asset.
func AssetTarget(assetID string) DispatchTarget {
	return DispatchTarget{kind: TargetAsset, id: assetID}
}

// SiteTarget returns a target addressing every asset at a site.
func SiteTarget(siteID string) DispatchTarget {
	return DispatchTarget{kind: TargetSite, id: siteID}
}

// Kind returns the discriminator.
func (t DispatchTarget) Kind() TargetKind { return t.kind }

// ID returns the asset or site identifier depending on Kind.
func (t DispatchTarget) ID() string { return t.id }

// IsZero reports whether the target is unset.
func (t DispatchTarget) IsZero() bool { return t.id == "" }

// String renders the target for logs and persisted records.
func (t DispatchTarget) String() string {
	if t.kind == TargetSite {
		return "site:" + t.id
	}
	return "asset:" + t.id
}

// ResolveTarget builds a DispatchTarget from wire-level optional fields.
// When both identifiers are present the asset always wins; this function is
// the single place that rule is enforced, on the resolver and on the agent
// alike.
func ResolveTarget(assetID, siteID string) (DispatchTarget, error) {
	switch {
	case assetID != "":
		return AssetTarget(assetID), nil
	case siteID != "":
		return SiteTarget(siteID), nil
	default:
		return DispatchTarget{}, fmt.Errorf("dispatch target requires asset_id or site_id")
	}
}

// DispatchRequest is an operator command before resolution.
type DispatchRequest struct {
	Target   DispatchTarget
	PowerMW  float64 // signed: positive discharge, negative charge
	Duration time.Duration
}

// DispatchStatus is the recorded outcome of a dispatch request.
type DispatchStatus string

const (
	DispatchAccepted DispatchStatus = "accepted"
	DispatchRejected DispatchStatus = "rejected"
	// DispatchPending marks best-effort non-delivery: the request was valid
	// and recorded, but at least one target had no live session. There is no
	// durable queue; a later reconnect does not retroactively deliver it.
	DispatchPending DispatchStatus = "pending"
)

// Allocation is one per-asset share of a resolved dispatch.
type Allocation struct {
	AssetID   string  `json:"asset_id"`
	RawMW     float64 `json:"raw_mw"`
	MW        float64 `json:"mw"`
	Clamped   bool    `json:"clamped"`
	Delivered bool    `json:"delivered"`
}

// DispatchRecord is the persisted, observable outcome of a dispatch
// request. Immutable once recorded.
type DispatchRecord struct {
	ID          string         `json:"id"`
	Target      string         `json:"target"`
	RequestedMW float64        `json:"requested_mw"`
	Status      DispatchStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Allocations []Allocation   `json:"allocations,omitempty"`
	ResidualMW  float64        `json:"residual_mw"`
	CreatedAt   time.Time      `json:"created_at"`
}
