package headend

import (
	"sync"

	"github.com/pfriedland/distributed-der/core/events"
	"github.com/pfriedland/distributed-der/core/logger"
	"github.com/pfriedland/distributed-der/internal/eventbus"
)

const defaultEventWindow = 256

// EventLog consumes the control-plane bus and retains a bounded window
// of recent events for the operator API. It also writes each event to
// the service log, so boundary crossings surface even when nobody polls.
type EventLog struct {
	bus *eventbus.Bus
	sub <-chan eventbus.Event
	log logger.Logger

	mu  sync.Mutex
	buf []events.Record
	max int

	done chan struct{}
}

// NewEventLog subscribes to bus and starts consuming. max bounds the
// retained window; zero or negative picks the default.
func NewEventLog(bus *eventbus.Bus, max int, log logger.Logger) *EventLog {
	if max <= 0 {
		max = defaultEventWindow
	}
	l := &EventLog{
		bus:  bus,
		sub:  bus.Subscribe(),
		log:  log,
		max:  max,
		done: make(chan struct{}),
	}
	go l.consume()
	return l
}

func (l *EventLog) consume() {
	defer close(l.done)
	for ev := range l.sub {
		rec, ok := l.record(ev)
		if !ok {
			continue
		}
		l.mu.Lock()
		l.buf = append(l.buf, rec)
		if len(l.buf) > l.max {
			l.buf = l.buf[len(l.buf)-l.max:]
		}
		l.mu.Unlock()
	}
}

func (l *EventLog) record(ev eventbus.Event) (events.Record, bool) {
	switch e := ev.(type) {
	case events.SessionEvent:
		l.log.Infof("session event asset_id=%s connected=%t peer=%s", e.AssetID, e.Connected, e.Peer)
		return events.Record{Kind: "session", Timestamp: e.Timestamp, Session: &e}, true
	case events.SoCBoundEvent:
		l.log.Warnf("soc boundary asset_id=%s kind=%s soc_mwh=%.3f", e.AssetID, e.Kind, e.SoCMWh)
		return events.Record{Kind: "soc_bound", Timestamp: e.Timestamp, SoCBound: &e}, true
	case events.DispatchEvent:
		l.log.Infof("dispatch event id=%s target=%s status=%s", e.Record.ID, e.Record.Target, e.Record.Status)
		return events.Record{Kind: "dispatch", Timestamp: e.Record.CreatedAt, Dispatch: &e}, true
	default:
		return events.Record{}, false
	}
}

// Recent returns the retained window, newest first.
func (l *EventLog) Recent() []events.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Record, len(l.buf))
	for i, rec := range l.buf {
		out[len(l.buf)-1-i] = rec
	}
	return out
}

// Close detaches from the bus and waits for buffered events to land.
func (l *EventLog) Close() {
	l.bus.Unsubscribe(l.sub)
	<-l.done
}
