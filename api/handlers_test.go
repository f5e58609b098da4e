package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pfriedland/distributed-der/core/events"
	"github.com/pfriedland/distributed-der/core/model"
	"github.com/pfriedland/distributed-der/core/registry"
	"github.com/pfriedland/distributed-der/core/telemetrystore"
)

type fakeDispatcher struct {
	last model.DispatchRequest
	rec  model.DispatchRecord
}

func (f *fakeDispatcher) Dispatch(req model.DispatchRequest) model.DispatchRecord {
	f.last = req
	return f.rec
}

type fakeEvents struct {
	recs []events.Record
}

func (f *fakeEvents) Recent() []events.Record { return f.recs }

func testMux(d Dispatcher) (*http.ServeMux, *registry.Registry, *telemetrystore.MemoryStore) {
	return testMuxEvents(d, &fakeEvents{})
}

func testMuxEvents(d Dispatcher, ev EventSource) (*http.ServeMux, *registry.Registry, *telemetrystore.MemoryStore) {
	reg := registry.New(
		[]model.Asset{
			{ID: "bess-a", SiteID: "site-1", CapacityMWh: 120, MaxMW: 60, MinMW: -60, Efficiency: 0.92, RampMWPerMin: 1000},
		},
		[]model.Site{{ID: "site-1"}},
	)
	cache := telemetrystore.NewMemoryStore()
	return NewMux(reg, cache, d, ev), reg, cache
}

func TestAssetsHandler(t *testing.T) {
	mux, _, _ := testMux(&fakeDispatcher{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/assets", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out []model.Asset
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "bess-a" {
		t.Fatalf("unexpected output %#v", out)
	}
}

func TestSessionsHandlerListsDisconnectedAssets(t *testing.T) {
	mux, _, _ := testMux(&fakeDispatcher{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/sessions", nil))

	var out []registry.SessionInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Connected {
		t.Fatalf("unexpected output %#v", out)
	}
}

func TestTelemetryHandler(t *testing.T) {
	mux, _, cache := testMux(&fakeDispatcher{})
	cache.Set(model.Telemetry{AssetID: "bess-a", SoCMWh: 60, Timestamp: time.Now()})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/telemetry/bess-a", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out model.Telemetry
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SoCMWh != 60 {
		t.Fatalf("unexpected telemetry %#v", out)
	}
}

func TestTelemetryHandlerNotFound(t *testing.T) {
	mux, _, _ := testMux(&fakeDispatcher{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/telemetry/bess-a", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestDispatchHandlerAssetTarget(t *testing.T) {
	d := &fakeDispatcher{rec: model.DispatchRecord{ID: "d1", Status: model.DispatchAccepted}}
	mux, _, _ := testMux(d)

	body := strings.NewReader(`{"asset_id":"bess-a","power_mw":10,"duration_s":300}`)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/dispatch", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if d.last.Target.String() != "asset:bess-a" {
		t.Fatalf("unexpected target %s", d.last.Target)
	}
	if d.last.Duration != 5*time.Minute {
		t.Fatalf("unexpected duration %s", d.last.Duration)
	}
}

func TestDispatchHandlerAssetWinsOverSite(t *testing.T) {
	d := &fakeDispatcher{rec: model.DispatchRecord{Status: model.DispatchAccepted}}
	mux, _, _ := testMux(d)

	body := strings.NewReader(`{"asset_id":"bess-a","site_id":"site-1","power_mw":10}`)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/dispatch", body))

	if d.last.Target.String() != "asset:bess-a" {
		t.Fatalf("unexpected target %s", d.last.Target)
	}
}

func TestDispatchHandlerRequiresTarget(t *testing.T) {
	mux, _, _ := testMux(&fakeDispatcher{})

	body := strings.NewReader(`{"power_mw":10}`)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/dispatch", body))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestDispatchHandlerRejectionMapsTo422(t *testing.T) {
	d := &fakeDispatcher{rec: model.DispatchRecord{Status: model.DispatchRejected, Reason: "power out of range"}}
	mux, _, _ := testMux(d)

	body := strings.NewReader(`{"asset_id":"bess-a","power_mw":999}`)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/dispatch", body))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rr.Code)
	}
	var rec model.DispatchRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Status != model.DispatchRejected {
		t.Fatalf("unexpected record %#v", rec)
	}
}

func TestEventsHandler(t *testing.T) {
	ev := &fakeEvents{recs: []events.Record{
		{Kind: "soc_bound", Timestamp: time.Now(), SoCBound: &events.SoCBoundEvent{AssetID: "bess-a", Kind: "MIN_SOC_REACHED"}},
		{Kind: "session", Timestamp: time.Now(), Session: &events.SessionEvent{AssetID: "bess-a", Connected: true}},
	}}
	mux, _, _ := testMuxEvents(&fakeDispatcher{}, ev)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/events", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out []events.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Kind != "soc_bound" || out[0].SoCBound.AssetID != "bess-a" {
		t.Fatalf("unexpected output %#v", out)
	}
}

func TestEventsHandlerEmptyWindow(t *testing.T) {
	mux, _, _ := testMux(&fakeDispatcher{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/events", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestDispatchHandlerMethodNotAllowed(t *testing.T) {
	mux, _, _ := testMux(&fakeDispatcher{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/api/dispatch", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rr.Code)
	}
}
