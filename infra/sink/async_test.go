package sink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pfriedland/distributed-der/core/model"
	coresink "github.com/pfriedland/distributed-der/core/sink"
)

type slowSink struct {
	coresink.Nop
	mu    sync.Mutex
	block chan struct{}
	seen  int
}

func (s *slowSink) WriteTelemetry(model.Telemetry) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.seen++
	s.mu.Unlock()
}

func (s *slowSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

func TestAsyncFlushesOnClose(t *testing.T) {
	next := &slowSink{}
	a := NewAsync(next, 16)

	for i := 0; i < 10; i++ {
		a.WriteTelemetry(model.Telemetry{AssetID: "bess-a"})
	}
	a.Close()

	assert.Equal(t, 10, next.count())
	assert.Zero(t, a.Dropped())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	next := &slowSink{block: make(chan struct{})}
	a := NewAsync(next, 2)

	// One write occupies the worker, the buffer holds two more. Anything
	// beyond that has to be dropped without blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.WriteTelemetry(model.Telemetry{AssetID: "bess-a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async sink blocked the writer")
	}

	close(next.block)
	a.Close()
	assert.Positive(t, a.Dropped())
	assert.Equal(t, int(10-a.Dropped()), next.count())
}
