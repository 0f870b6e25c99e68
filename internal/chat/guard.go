// Package chat decides whether a chat frame from a connection is admitted.
package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

// Guard enforces the per-connection duplicate window and send cooldown.
// Only admitted messages move either window forward.
type Guard struct {
	mu          sync.Mutex
	cooldown    time.Duration
	dedupWindow time.Duration
	senders     map[string]*sender
}

type sender struct {
	limiter  *rate.Limiter
	lastText string
	lastAt   time.Time
}

// NewGuard creates a guard. A zero cooldown or window disables that check.
func NewGuard(cooldown, dedupWindow time.Duration) *Guard {
	return &Guard{
		cooldown:    cooldown,
		dedupWindow: dedupWindow,
		senders:     make(map[string]*sender),
	}
}

// Admit checks text from connID at now and records it when admitted. It
// returns "" on acceptance, otherwise domain.RejectDuplicate or
// domain.RejectTooFast. text must already be normalized.
func (g *Guard) Admit(connID, text string, now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.senders[connID]
	if !ok {
		s = &sender{}
		if g.cooldown > 0 {
			s.limiter = rate.NewLimiter(rate.Every(g.cooldown), 1)
		}
		g.senders[connID] = s
	}

	if g.dedupWindow > 0 && s.lastText == text && !s.lastAt.IsZero() && now.Sub(s.lastAt) < g.dedupWindow {
		return domain.RejectDuplicate
	}
	if s.limiter != nil && s.limiter.TokensAt(now) < 1 {
		return domain.RejectTooFast
	}

	if s.limiter != nil {
		s.limiter.AllowN(now, 1)
	}
	s.lastText = text
	s.lastAt = now
	return ""
}

// Forget drops state for a closed connection.
func (g *Guard) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, connID)
}

// Len returns the number of tracked connections.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.senders)
}
