// Package transport provides the client-side transports to the relay and
// the adapter that falls back from websocket to HTTP polling.
package transport

import (
	"context"
	"errors"
)

// Transport kinds reported by Conn.Kind and Link.Active.
const (
	KindWebSocket = "websocket"
	KindPolling   = "polling"
)

var (
	// ErrClosed is returned by sends on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownClient means the relay no longer knows the polling client id.
	ErrUnknownClient = errors.New("transport: unknown polling client")
)

// Conn is one open transport to the relay. Frames is closed when the
// transport ends.
type Conn interface {
	Kind() string
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Err() error
	Close() error
}

// Dialer opens a Conn. Dial must return once ctx is done.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
