// Package chatclient is the client side of relay chat: connection
// lifecycle with backoff, heartbeat, and tracking of unacknowledged sends.
package chatclient

import "time"

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateError is entered after repeated failed attempts. Reconnects
	// continue in the background; Retry resets the backoff.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Backoff computes reconnect delays as min(Base * 2^attempt, Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
