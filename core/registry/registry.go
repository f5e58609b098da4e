// Package registry maps stable asset and site identifiers to live agent
// sessions. It owns routing only: session lifetime belongs to the
// transport layer, and a resolve result is advisory; the session may be
// gone by the time the caller writes to it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/core/protocol"
)

var (
	// ErrAssetUnknown means the asset id is not in the static configuration.
	ErrAssetUnknown = errors.New("asset unknown")
	// ErrSiteUnknown means the site id is not in the static configuration.
	ErrSiteUnknown = errors.New("site unknown")
	// ErrNoAssetsAtSite means the site exists but has no configured assets.
	ErrNoAssetsAtSite = errors.New("no assets at site")
	// ErrNotConnected means no live session currently claims the asset.
	ErrNotConnected = errors.New("not connected")
)

// Sender is the write end of a live session. Implementations must not
// block indefinitely; the registry never holds its lock across a Send.
type Sender interface {
	ID() string
	Send(protocol.Setpoint) error
}

// Binding is the resolve result for one asset id.
type Binding struct {
	SessionID string
	Sender    Sender
}

// SessionInfo is one observability row. List returns exactly one row per
// configured asset whether or not it is connected.
type SessionInfo struct {
	AssetID   string    `json:"asset_id"`
	SiteID    string    `json:"site_id"`
	Connected bool      `json:"connected"`
	SessionID string    `json:"session_id,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

type binding struct {
	sessionID  string
	sender     Sender
	peer       string
	generation uint64
	lastSeen   time.Time
}

// Registry is the process-wide session routing table. All mutations go
// through one mutex; reads return copies.
type Registry struct {
	assets    map[string]model.Asset
	sites     map[string]model.Site
	siteOrder map[string][]string // site id -> asset ids sorted ascending

	mu         sync.RWMutex
	bindings   map[string]binding // asset id -> live binding
	generation uint64
}

// New builds a registry over the static fleet configuration.
func New(assets []model.Asset, sites []model.Site) *Registry {
	r := &Registry{
		assets:    make(map[string]model.Asset, len(assets)),
		sites:     make(map[string]model.Site, len(sites)),
		siteOrder: make(map[string][]string),
		bindings:  make(map[string]binding),
	}
	for _, s := range sites {
		r.sites[s.ID] = s
	}
	for _, a := range assets {
		r.assets[a.ID] = a
		r.siteOrder[a.SiteID] = append(r.siteOrder[a.SiteID], a.ID)
	}
	for _, ids := range r.siteOrder {
		sort.Strings(ids)
	}
	return r
}

// Asset returns the static configuration for an asset id.
func (r *Registry) Asset(assetID string) (model.Asset, error) {
	a, ok := r.assets[assetID]
	if !ok {
		return model.Asset{}, fmt.Errorf("%w: %s", ErrAssetUnknown, assetID)
	}
	return a, nil
}

// Assets returns every configured asset sorted by id.
func (r *Registry) Assets() []model.Asset {
	out := make([]model.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register atomically installs asset -> session bindings for every id the
// session serves. A binding already held by another session is superseded,
// not rejected: reconnect races are resolved by generation, the newest
// registration wins, and the stale session is simply no longer routable.
func (r *Registry) Register(sessionID string, sender Sender, peer string, assetIDs []string, now time.Time) error {
	if len(assetIDs) == 0 {
		return fmt.Errorf("register with empty asset list")
	}
	for _, id := range assetIDs {
		if _, ok := r.assets[id]; !ok {
			return fmt.Errorf("%w: %s", ErrAssetUnknown, id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	gen := r.generation
	for _, id := range assetIDs {
		if prev, ok := r.bindings[id]; ok && prev.generation > gen {
			// A racing register beat us; keep the highest generation.
			continue
		}
		r.bindings[id] = binding{
			sessionID:  sessionID,
			sender:     sender,
			peer:       peer,
			generation: gen,
			lastSeen:   now,
		}
	}
	return nil
}

// Resolve returns the live binding for an asset. Success is advisory: a
// concurrent unregister may invalidate it, so callers handle "session
// gone" at write time.
func (r *Registry) Resolve(assetID string) (Binding, error) {
	if _, ok := r.assets[assetID]; !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrAssetUnknown, assetID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[assetID]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrNotConnected, assetID)
	}
	return Binding{SessionID: b.sessionID, Sender: b.sender}, nil
}

// ResolveSite returns the configured assets of a site sorted by asset id.
// The result comes from static configuration, not live registrations, so
// dispatch can reason about a site even with partial connectivity.
func (r *Registry) ResolveSite(siteID string) ([]model.Asset, error) {
	if _, ok := r.sites[siteID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSiteUnknown, siteID)
	}
	ids := r.siteOrder[siteID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAssetsAtSite, siteID)
	}
	out := make([]model.Asset, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.assets[id])
	}
	return out, nil
}

// Unregister removes every binding still owned by the session. Bindings
// already superseded by a newer registration are left alone, making the
// call safe to repeat and safe to race with reconnects. It returns the
// asset ids actually released.
func (r *Registry) Unregister(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []string
	for id, b := range r.bindings {
		if b.sessionID == sessionID {
			delete(r.bindings, id)
			released = append(released, id)
		}
	}
	sort.Strings(released)
	return released
}

// Touch refreshes last_seen for every binding of the session.
func (r *Registry) Touch(sessionID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.bindings {
		if b.sessionID == sessionID {
			b.lastSeen = now
			r.bindings[id] = b
		}
	}
}

// ConnectedCount returns the number of assets with a live binding.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// List returns one observability row per configured asset, sorted by
// asset id, with connection details filled in from the live bindings.
func (r *Registry) List() []SessionInfo {
	assets := r.Assets()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(assets))
	for _, a := range assets {
		info := SessionInfo{AssetID: a.ID, SiteID: a.SiteID}
		if b, ok := r.bindings[a.ID]; ok {
			info.Connected = true
			info.SessionID = b.sessionID
			info.Peer = b.peer
			info.LastSeen = b.lastSeen
		}
		out = append(out, info)
	}
	return out
}
