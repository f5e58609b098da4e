// Package dispatch resolves operator commands into per-asset setpoints and
// routes them to live sessions.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pfriedland/distributed-der/core/logger"
	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/core/protocol"
	"github.com/pfriedland/distributed-der/core/registry"
	"github.com/pfriedland/distributed-der/core/sink"
)

// ErrOutOfRange marks a per-asset dispatch whose power violates the asset
// limits. Per-asset dispatch is never clamped: out of range is a hard
// validation error.
var ErrOutOfRange = errors.New("power out of range")

// Resolver turns dispatch requests into setpoints. Every call returns a
// DispatchRecord with an explicit status, including rejections.
type Resolver struct {
	reg   *registry.Registry
	sink  sink.Sink
	log   logger.Logger
	now   func() time.Time
	newID func() string
}

// NewResolver creates a resolver over the registry. sink may be nil.
func NewResolver(reg *registry.Registry, s sink.Sink, log logger.Logger) *Resolver {
	if s == nil {
		s = sink.Nop{}
	}
	return &Resolver{
		reg:   reg,
		sink:  s,
		log:   log,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Dispatch resolves and applies one request. Routing failures never
// propagate as errors: they are encoded in the record status so the caller
// always gets an auditable outcome.
func (r *Resolver) Dispatch(req model.DispatchRequest) model.DispatchRecord {
	rec := model.DispatchRecord{
		ID:          r.newID(),
		Target:      req.Target.String(),
		RequestedMW: req.PowerMW,
		CreatedAt:   r.now(),
	}

	switch req.Target.Kind() {
	case model.TargetSite:
		r.dispatchSite(req, &rec)
		dispatchPower.WithLabelValues("site").Observe(abs(req.PowerMW))
	default:
		r.dispatchAsset(req, &rec)
		dispatchPower.WithLabelValues("asset").Observe(abs(req.PowerMW))
	}

	dispatchRequests.WithLabelValues(string(rec.Status)).Inc()
	r.sink.WriteDispatch(rec)
	return rec
}

func (r *Resolver) dispatchAsset(req model.DispatchRequest, rec *model.DispatchRecord) {
	asset, err := r.reg.Asset(req.Target.ID())
	if err != nil {
		rec.Status = model.DispatchRejected
		rec.Reason = err.Error()
		r.log.Errorf("dispatch rejected: %v", err)
		return
	}

	if req.PowerMW < asset.MinMW || req.PowerMW > asset.MaxMW {
		rec.Status = model.DispatchRejected
		rec.Reason = fmt.Sprintf("%v: %.3f MW outside [%.3f, %.3f] for asset %s",
			ErrOutOfRange, req.PowerMW, asset.MinMW, asset.MaxMW, asset.ID)
		r.log.Errorf("dispatch rejected asset_id=%s mw=%.3f min=%.3f max=%.3f",
			asset.ID, req.PowerMW, asset.MinMW, asset.MaxMW)
		return
	}

	alloc := model.Allocation{AssetID: asset.ID, RawMW: req.PowerMW, MW: req.PowerMW}
	alloc.Delivered = r.deliver(asset, req.PowerMW, req.Duration, rec.ID)
	rec.Allocations = []model.Allocation{alloc}
	if alloc.Delivered {
		rec.Status = model.DispatchAccepted
	} else {
		rec.Status = model.DispatchPending
		rec.Reason = registry.ErrNotConnected.Error()
	}
}

func (r *Resolver) dispatchSite(req model.DispatchRequest, rec *model.DispatchRecord) {
	assets, err := r.reg.ResolveSite(req.Target.ID())
	if err != nil {
		rec.Status = model.DispatchRejected
		rec.Reason = err.Error()
		r.log.Errorf("dispatch rejected: %v", err)
		return
	}

	split := SplitSite(assets, req.PowerMW)
	rec.Allocations = split.Allocations
	rec.ResidualMW = split.ResidualMW
	if split.Clamped {
		splitResidual.Set(split.ResidualMW)
		r.log.Warnf("site split clamped site_id=%s requested_mw=%.3f residual_mw=%.3f",
			req.Target.ID(), req.PowerMW, split.ResidualMW)
	}

	delivered := 0
	for i, alloc := range rec.Allocations {
		asset, aerr := r.reg.Asset(alloc.AssetID)
		if aerr != nil {
			continue
		}
		if r.deliver(asset, alloc.MW, req.Duration, rec.ID) {
			rec.Allocations[i].Delivered = true
			delivered++
		}
	}

	if delivered == len(rec.Allocations) {
		rec.Status = model.DispatchAccepted
	} else {
		rec.Status = model.DispatchPending
		rec.Reason = fmt.Sprintf("%d of %d allocations undelivered",
			len(rec.Allocations)-delivered, len(rec.Allocations))
	}
	r.log.Infof("site dispatch site_id=%s requested_mw=%.3f assets=%d delivered=%d residual_mw=%.3f",
		req.Target.ID(), req.PowerMW, len(rec.Allocations), delivered, rec.ResidualMW)
}

// deliver writes one setpoint onto the asset's live session. A missing or
// failing session leaves the allocation pending; there is no durable queue
// and a later reconnect does not retroactively deliver it.
func (r *Resolver) deliver(asset model.Asset, mw float64, duration time.Duration, dispatchID string) bool {
	b, err := r.reg.Resolve(asset.ID)
	if err != nil {
		setpointsPending.Inc()
		r.log.Warnf("setpoint pending asset_id=%s mw=%.3f: %v", asset.ID, mw, err)
		return false
	}
	sp := protocol.Setpoint{
		AssetID:    asset.ID,
		SiteID:     asset.SiteID,
		PowerMW:    mw,
		DispatchID: dispatchID,
	}
	if duration > 0 {
		sp.DurationS = uint64(duration / time.Second)
	}
	if err := b.Sender.Send(sp); err != nil {
		setpointsPending.Inc()
		r.log.Warnf("setpoint send failed asset_id=%s session=%s: %v", asset.ID, b.SessionID, err)
		return false
	}
	setpointsSent.Inc()
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
