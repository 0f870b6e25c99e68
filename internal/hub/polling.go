package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

// PollingClient is a connection whose outbound frames wait in a mailbox
// until the client fetches them over HTTP.
type PollingClient struct {
	id      string
	hub     *Hub
	session *domain.Session

	inbound sync.Mutex

	mu       sync.Mutex
	queue    []json.RawMessage
	maxQueue int
	lastPoll time.Time
	notify   chan struct{}
	closed   bool
	dropped  int
}

// NewPollingClient creates a polling connection. Register it with the hub
// before handing its id to the caller.
func NewPollingClient(h *Hub, id string) *PollingClient {
	maxQueue := h.pollingConfig.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 500
	}
	return &PollingClient{
		id:       id,
		hub:      h,
		session:  domain.NewSession(id, domain.TransportPolling),
		maxQueue: maxQueue,
		lastPoll: time.Now(),
		notify:   make(chan struct{}, 1),
	}
}

func (p *PollingClient) ID() string                { return p.id }
func (p *PollingClient) Session() *domain.Session { return p.session }
func (p *PollingClient) Transport() string        { return domain.TransportPolling }

// Send appends a frame to the mailbox. When the mailbox is full the oldest
// frame is dropped.
func (p *PollingClient) Send(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClientGone
	}
	if len(p.queue) >= p.maxQueue {
		p.queue = p.queue[1:]
		p.dropped++
	}
	p.queue = append(p.queue, json.RawMessage(data))
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain returns and clears every queued frame in arrival order. Draining a
// closed client hands over its last frames and removes it from the hub.
func (p *PollingClient) Drain() []json.RawMessage {
	p.mu.Lock()
	p.lastPoll = time.Now()
	out := p.queue
	p.queue = nil
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.hub.release(p)
	}
	if out == nil {
		out = []json.RawMessage{}
	}
	return out
}

// Wait blocks until a frame is queued, maxWait elapses, or ctx is done,
// then drains the mailbox.
func (p *PollingClient) Wait(ctx context.Context, maxWait time.Duration) []json.RawMessage {
	if maxWait > 0 && p.Pending() == 0 && !p.Closed() {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		select {
		case <-p.notify:
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return p.Drain()
}

// Do runs fn while holding the client's inbound lock, so frames posted
// concurrently by the same client are handled one at a time.
func (p *PollingClient) Do(fn func()) {
	p.inbound.Lock()
	defer p.inbound.Unlock()
	fn()
}

// Pending returns the number of queued frames.
func (p *PollingClient) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Closed reports whether the client was closed. It may still hold frames
// for a final poll.
func (p *PollingClient) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Dropped returns how many frames were discarded because the mailbox was full.
func (p *PollingClient) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Touch records client activity without draining.
func (p *PollingClient) Touch() {
	p.mu.Lock()
	p.lastPoll = time.Now()
	p.mu.Unlock()
	p.session.UpdateActivity()
}

// Expired reports whether the client has not polled within ttl.
func (p *PollingClient) Expired(now time.Time, ttl time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastPoll) > ttl
}

// Close marks the client gone and disconnects it from the hub. Frames
// queued before Close, such as a removal notice, are kept for one more
// poll.
func (p *PollingClient) Close() error {
	if p.markClosed(false) {
		go p.hub.Disconnect(p)
	}
	return nil
}

func (p *PollingClient) markClosed(discard bool) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	if discard {
		p.queue = nil
	}
	p.mu.Unlock()

	// Wake a pending long poll so it returns what is left.
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}
