package sink

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pfriedland/distributed-der/core/model"
	coresink "github.com/pfriedland/distributed-der/core/sink"
	"github.com/pfriedland/distributed-der/infra/logger"
)

var sinkDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "der_sink_dropped_total",
		Help: "History writes dropped because the sink buffer was full.",
	},
	[]string{"kind"},
)

func init() {
	MustRegisterSinkMetrics(prometheus.DefaultRegisterer)
}

// MustRegisterSinkMetrics registers the sink collectors on reg. Already
// registered collectors are reused.
func MustRegisterSinkMetrics(reg prometheus.Registerer) {
	if err := reg.Register(sinkDropped); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			sinkDropped = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			panic(err)
		}
	}
}

type asyncItem struct {
	telemetry *model.Telemetry
	dispatch  *model.DispatchRecord
	session   *coresink.SessionEvent
}

// Async wraps a sink with a bounded buffer drained by a single worker.
// Writes never block: when the buffer is full the item is dropped and
// counted. Close flushes what was buffered and stops the worker.
type Async struct {
	next    coresink.Sink
	buf     chan asyncItem
	log     logger.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the drain worker. size is the buffer capacity.
func NewAsync(next coresink.Sink, size int) *Async {
	if size <= 0 {
		size = 1024
	}
	a := &Async{
		next: next,
		buf:  make(chan asyncItem, size),
		log:  logger.New("async-sink"),
		done: make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	for item := range a.buf {
		switch {
		case item.telemetry != nil:
			a.next.WriteTelemetry(*item.telemetry)
		case item.dispatch != nil:
			a.next.WriteDispatch(*item.dispatch)
		case item.session != nil:
			a.next.WriteSessionEvent(*item.session)
		}
	}
}

func (a *Async) enqueue(item asyncItem, kind string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.buf <- item:
	default:
		a.dropped.Add(1)
		sinkDropped.WithLabelValues(kind).Inc()
		a.log.Warnf("sink buffer full, dropping %s write", kind)
	}
}

func (a *Async) WriteTelemetry(t model.Telemetry) {
	a.enqueue(asyncItem{telemetry: &t}, "telemetry")
}

func (a *Async) WriteDispatch(d model.DispatchRecord) {
	a.enqueue(asyncItem{dispatch: &d}, "dispatch")
}

func (a *Async) WriteSessionEvent(e coresink.SessionEvent) {
	a.enqueue(asyncItem{session: &e}, "session")
}

// Dropped reports how many writes were discarded since start.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting writes and waits for the buffer to flush. Writes
// arriving after Close are silently discarded.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.buf)
	}
	a.mu.Unlock()
	<-a.done
}
