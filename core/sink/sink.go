// Package sink defines the persistence interface the core calls for
// telemetry, dispatch and session history. Every write is fire-and-forget:
// implementations log failures, the hot path never sees them.
package sink

import (
	"time"

	"github.com/pfriedland/distributed-der/core/model"
)

// SessionEvent records one connect or disconnect of an asset binding.
type SessionEvent struct {
	SessionID string
	AssetID   string
	Peer      string
	Connected bool
	Timestamp time.Time
}

// Sink receives history writes from the core.
type Sink interface {
	WriteTelemetry(model.Telemetry)
	WriteDispatch(model.DispatchRecord)
	WriteSessionEvent(SessionEvent)
}

// Nop discards all writes.
type Nop struct{}

func (Nop) WriteTelemetry(model.Telemetry)     {}
func (Nop) WriteDispatch(model.DispatchRecord) {}
func (Nop) WriteSessionEvent(SessionEvent)     {}

// Multi duplicates writes to several sinks.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks into one.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) WriteTelemetry(t model.Telemetry) {
	for _, s := range m.sinks {
		s.WriteTelemetry(t)
	}
}

func (m *Multi) WriteDispatch(d model.DispatchRecord) {
	for _, s := range m.sinks {
		s.WriteDispatch(d)
	}
}

func (m *Multi) WriteSessionEvent(e SessionEvent) {
	for _, s := range m.sinks {
		s.WriteSessionEvent(e)
	}
}
