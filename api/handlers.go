// Package api exposes the operator HTTP surface: fleet inventory, session
// table, latest telemetry and dispatch injection.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pfriedland/distributed-der/core/events"
	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/core/registry"
	"github.com/pfriedland/distributed-der/core/telemetrystore"
)

// Dispatcher resolves operator dispatch requests.
type Dispatcher interface {
	Dispatch(model.DispatchRequest) model.DispatchRecord
}

// EventSource serves the retained window of control-plane events.
type EventSource interface {
	Recent() []events.Record
}

// DispatchBody is the POST /api/dispatch payload. Exactly one of asset_id
// and site_id is typically set; if both appear the asset wins.
type DispatchBody struct {
	AssetID   string  `json:"asset_id,omitempty"`
	SiteID    string  `json:"site_id,omitempty"`
	PowerMW   float64 `json:"power_mw"`
	DurationS uint64  `json:"duration_s,omitempty"`
}

// NewMux mounts the operator endpoints on a fresh ServeMux.
func NewMux(reg *registry.Registry, cache telemetrystore.Store, d Dispatcher, ev EventSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/assets", NewAssetsHandler(reg))
	mux.Handle("/api/sessions", NewSessionsHandler(reg))
	mux.Handle("/api/telemetry/", NewTelemetryHandler(cache))
	mux.Handle("/api/dispatch", NewDispatchHandler(d))
	mux.Handle("/api/events", NewEventsHandler(ev))
	return mux
}

// NewAssetsHandler exposes the static fleet inventory via GET /api/assets.
func NewAssetsHandler(reg *registry.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, reg.Assets())
	})
}

// NewSessionsHandler exposes one row per configured asset via GET
// /api/sessions, connected or not.
func NewSessionsHandler(reg *registry.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, reg.List())
	})
}

// NewTelemetryHandler exposes the latest snapshot of one asset via GET
// /api/telemetry/{asset_id}. Assets that never reported are 404.
func NewTelemetryHandler(cache telemetrystore.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		assetID := strings.TrimPrefix(r.URL.Path, "/api/telemetry/")
		if assetID == "" || strings.Contains(assetID, "/") {
			http.Error(w, "asset id required", http.StatusBadRequest)
			return
		}
		t, ok := cache.Get(assetID)
		if !ok {
			http.Error(w, "no telemetry for asset", http.StatusNotFound)
			return
		}
		writeJSON(w, t)
	})
}

// NewEventsHandler exposes recent session, dispatch and boundary events
// via GET /api/events, newest first.
func NewEventsHandler(ev EventSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		recent := ev.Recent()
		if recent == nil {
			recent = []events.Record{}
		}
		writeJSON(w, recent)
	})
}

// NewDispatchHandler accepts operator dispatch requests via POST
// /api/dispatch and returns the full record, rejections included.
func NewDispatchHandler(d Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body DispatchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		target, err := model.ResolveTarget(body.AssetID, body.SiteID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		rec := d.Dispatch(model.DispatchRequest{
			Target:   target,
			PowerMW:  body.PowerMW,
			Duration: time.Duration(body.DurationS) * time.Second,
		})
		status := http.StatusOK
		if rec.Status == model.DispatchRejected {
			status = http.StatusUnprocessableEntity
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(rec); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
