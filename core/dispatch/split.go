package dispatch

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/pfriedland/distributed-der/core/model"
)

const clampEps = 1e-6

// SplitResult is the outcome of a site-level allocation.
type SplitResult struct {
	Allocations []model.Allocation
	// ResidualMW is requested power minus the sum of clamped allocations.
	// It is reported, never silently redistributed: whether to drop,
	// reallocate or alert on a clamped residual is an operator decision.
	ResidualMW float64
	Clamped    bool
}

// SplitSite computes the capacity-weighted allocation of a site-level
// power request. Assets must already be sorted by id so identical input
// always yields the identical allocation vector. Each share is clamped to
// the asset's dispatchable range; the residual introduced by clamping is
// returned, not reabsorbed.
func SplitSite(assets []model.Asset, requestedMW float64) SplitResult {
	if len(assets) == 0 {
		return SplitResult{}
	}

	caps := make([]float64, len(assets))
	for i, a := range assets {
		caps[i] = a.CapacityMWh
	}
	capSum := floats.Sum(caps)

	weights := make([]float64, len(assets))
	if capSum <= clampEps {
		// Degenerate fleet: all-zero capacities split equally.
		for i := range weights {
			weights[i] = 1 / float64(len(assets))
		}
	} else {
		for i := range weights {
			weights[i] = caps[i] / capSum
		}
	}

	res := SplitResult{Allocations: make([]model.Allocation, len(assets))}
	clamped := make([]float64, len(assets))
	for i, a := range assets {
		raw := requestedMW * weights[i]
		mw := a.ClampPower(raw)
		wasClamped := math.Abs(raw-mw) > clampEps
		if wasClamped {
			res.Clamped = true
		}
		clamped[i] = mw
		res.Allocations[i] = model.Allocation{
			AssetID: a.ID,
			RawMW:   raw,
			MW:      mw,
			Clamped: wasClamped,
		}
	}
	res.ResidualMW = requestedMW - floats.Sum(clamped)
	if math.Abs(res.ResidualMW) <= clampEps {
		res.ResidualMW = 0
	}
	return res
}
