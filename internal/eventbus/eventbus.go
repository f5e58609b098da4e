// Package eventbus fans control-plane events out to in-process
// subscribers: session bindings, dispatch outcomes, state-of-charge
// boundary crossings. Delivery is best-effort; a subscriber that stops
// draining loses events rather than stalling the publisher.
package eventbus

import "sync"

// Event is any value published on the bus. Subscribers type-switch on
// the concrete types from core/events.
type Event any

// subscriberBuffer bounds how far a subscriber may lag before events
// are dropped for it.
const subscriberBuffer = 8

// Bus is a non-blocking fan-out bus. Use New; the zero value has no
// subscriber set.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish delivers e to every subscriber whose buffer has room. It
// never blocks and is a no-op after Close.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its receive channel. The
// channel closes on Unsubscribe or Close; on a closed bus it comes back
// already closed.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe drops sub from the fan-out set and closes its channel.
// Unknown channels are ignored.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		if ch == sub {
			delete(b.subs, ch)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

// Close closes every subscriber channel and drops further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
