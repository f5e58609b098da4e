package protocol

import "fmt"

// SessionState tracks where one stream sits in its lifecycle.
//
// Connecting -> Registered -> Streaming -> Disconnected | Terminated
//
// Disconnected is transient: the owning agent redials with backoff and a
// fresh session re-enters Connecting. Terminated is deliberate shutdown and
// must release all registry bindings for the session exactly once.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateRegistered
	StateStreaming
	StateDisconnected
	StateTerminated
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var legalTransitions = map[SessionState][]SessionState{
	StateConnecting:   {StateRegistered, StateDisconnected, StateTerminated},
	StateRegistered:   {StateStreaming, StateDisconnected, StateTerminated},
	StateStreaming:    {StateDisconnected, StateTerminated},
	StateDisconnected: {StateTerminated},
	StateTerminated:   {},
}

// Transition validates and applies a state change. Terminal states reject
// everything; duplicate termination is reported so callers can keep
// teardown idempotent.
func Transition(from, to SessionState) (SessionState, error) {
	for _, next := range legalTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("illegal session transition %s -> %s", from, to)
}
