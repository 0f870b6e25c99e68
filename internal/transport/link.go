package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// EventType is the kind of a Link event.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventClose
)

// Event is delivered on Link.Events. Data is set for EventMessage and Err
// for an EventClose caused by a failure.
type Event struct {
	Type      EventType
	Transport string
	Data      []byte
	Err       error
}

const defaultConnectTimeout = 3 * time.Second

// Link is one connection attempt. It tries the primary dialer first and,
// if that does not open within the connect timeout, switches to the
// fallback for the rest of the attempt. Sends made before the transport
// opens are queued and flushed in order.
type Link struct {
	primary  Dialer
	fallback Dialer
	timeout  time.Duration

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	queue  [][]byte
	closed bool
	opened sync.Once
}

// NewLink creates a link. fallback may be nil.
func NewLink(primary, fallback Dialer, connectTimeout time.Duration) *Link {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		primary:  primary,
		fallback: fallback,
		timeout:  connectTimeout,
		events:   make(chan Event, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Open starts connecting in the background. It is a no-op after the first
// call.
func (l *Link) Open(ctx context.Context) {
	l.opened.Do(func() {
		context.AfterFunc(ctx, l.cancel)
		go l.run()
	})
}

// Events is closed after the final EventClose.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Active returns the open transport kind, or "" while connecting.
func (l *Link) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ""
	}
	return l.conn.Kind()
}

// Send transmits a frame, or queues it until the transport opens.
func (l *Link) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.conn == nil {
		l.queue = append(l.queue, append([]byte(nil), frame...))
		return nil
	}
	return l.conn.Send(l.ctx, frame)
}

// Close ends the attempt. Queued frames are discarded.
func (l *Link) Close() error {
	// Cancel first so an in-flight send releases the lock.
	l.cancel()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.queue = nil
	l.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (l *Link) run() {
	defer close(l.events)
	defer l.cancel()
	log := pkglog.Component("transport")

	conn, err := l.dial()
	if err != nil {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		l.emit(Event{Type: EventClose, Err: err})
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		l.emit(Event{Type: EventClose, Transport: conn.Kind()})
		return
	}
	l.conn = conn
	var flushErr error
	for _, frame := range l.queue {
		if flushErr = conn.Send(l.ctx, frame); flushErr != nil {
			break
		}
	}
	l.queue = nil
	l.mu.Unlock()

	if flushErr != nil {
		log.Warn().Err(flushErr).Str(pkglog.FieldTransport, conn.Kind()).Msg("flush of queued frames failed")
	}
	log.Debug().Str(pkglog.FieldTransport, conn.Kind()).Msg("transport open")
	l.emit(Event{Type: EventOpen, Transport: conn.Kind()})

	for data := range conn.Frames() {
		if !l.emit(Event{Type: EventMessage, Transport: conn.Kind(), Data: data}) {
			conn.Close()
			return
		}
	}

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	conn.Close()
	l.emit(Event{Type: EventClose, Transport: conn.Kind(), Err: conn.Err()})
}

func (l *Link) dial() (Conn, error) {
	log := pkglog.Component("transport")

	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	conn, err := l.primary.Dial(ctx)
	cancel()
	if err == nil {
		return conn, nil
	}
	if l.fallback == nil || l.ctx.Err() != nil {
		return nil, err
	}

	log.Info().Err(err).Msg("real-time transport unavailable, falling back to polling")
	conn, ferr := l.fallback.Dial(l.ctx)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return conn, nil
}

// emit delivers ev unless the link was closed by its owner.
func (l *Link) emit(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.ctx.Done():
		select {
		case l.events <- ev:
			return true
		default:
			return false
		}
	}
}
