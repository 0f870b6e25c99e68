package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/metrics"
	"github.com/weiawesome/wes-io-live-relay/internal/registry"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

var (
	// ErrClientGone is returned when sending to a closed connection.
	ErrClientGone = errors.New("hub: client gone")
	// ErrSendBufferFull is returned when a websocket client cannot keep up.
	ErrSendBufferFull = errors.New("hub: send buffer full")
)

// Conn is a live client connection of either transport.
type Conn interface {
	registry.Endpoint
	Session() *domain.Session
	Transport() string
	// Close shuts the connection down. Disconnect handling runs once,
	// asynchronously, through the hub.
	Close() error
}

// DisconnectHandler is called exactly once per connection after it closes.
type DisconnectHandler func(Conn)

// Hub indexes every live connection and owns their teardown.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]Conn
	draining     map[string]*PollingClient // closed, with frames left for one last poll
	onDisconnect DisconnectHandler

	wsConfig      config.WebSocketConfig
	pollingConfig config.PollingConfig
}

// NewHub creates a new Hub.
func NewHub(ws config.WebSocketConfig, polling config.PollingConfig) *Hub {
	return &Hub{
		conns:         make(map[string]Conn),
		draining:      make(map[string]*PollingClient),
		wsConfig:      ws,
		pollingConfig: polling,
	}
}

// SetDisconnectHandler sets the handler called when a connection closes.
func (h *Hub) SetDisconnectHandler(fn DisconnectHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// Register adds a connection to the index.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	delete(h.draining, c.ID())
	h.mu.Unlock()

	metrics.Connections.WithLabelValues(c.Transport()).Inc()
	l := pkglog.L()
	l.Info().Str(pkglog.FieldConnID, c.ID()).Str(pkglog.FieldTransport, c.Transport()).Msg("client registered")
}

// Disconnect removes c from the index and runs the disconnect handler.
// Repeated calls for the same connection are no-ops.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	cur, ok := h.conns[c.ID()]
	if !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID())
	if pc, ok := c.(*PollingClient); ok && pc.Pending() > 0 {
		h.draining[c.ID()] = pc
	}
	handler := h.onDisconnect
	h.mu.Unlock()

	metrics.Connections.WithLabelValues(c.Transport()).Dec()

	if handler != nil {
		handler(c)
	}

	l := pkglog.L()
	l.Info().Str(pkglog.FieldConnID, c.ID()).Str(pkglog.FieldTransport, c.Transport()).Msg("client unregistered")
}

// Get returns the live connection with the given id.
func (h *Hub) Get(id string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Polling returns the polling client with the given id. A client closed
// with frames still queued stays reachable until it is drained once.
func (h *Hub) Polling(id string) (*PollingClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[id]; ok {
		pc, ok := c.(*PollingClient)
		return pc, ok
	}
	pc, ok := h.draining[id]
	return pc, ok
}

func (h *Hub) release(pc *PollingClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining[pc.ID()] == pc {
		delete(h.draining, pc.ID())
	}
}

// Count returns the number of live connections using transport, or all
// connections when transport is empty.
func (h *Hub) Count(transport string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if transport == "" {
		return len(h.conns)
	}
	n := 0
	for _, c := range h.conns {
		if c.Transport() == transport {
			n++
		}
	}
	return n
}

// Run expires polling clients that stopped polling. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ttl := h.pollingConfig.ClientTTL
	if ttl <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.expirePolling(now, ttl)
		}
	}
}

func (h *Hub) expirePolling(now time.Time, ttl time.Duration) {
	h.mu.Lock()
	var expired []*PollingClient
	for _, c := range h.conns {
		if pc, ok := c.(*PollingClient); ok && pc.Expired(now, ttl) {
			expired = append(expired, pc)
		}
	}
	for id, pc := range h.draining {
		if pc.Expired(now, ttl) {
			delete(h.draining, id)
		}
	}
	h.mu.Unlock()

	l := pkglog.L()
	for _, pc := range expired {
		l.Info().Str(pkglog.FieldConnID, pc.ID()).Msg("polling client expired")
		pc.markClosed(true)
		h.Disconnect(pc)
	}
}

// CloseAll closes every connection. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
