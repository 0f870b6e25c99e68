// Package moderation keeps the per-room mute and kick lists consulted by
// the chat relay.
package moderation

import (
	"fmt"
	"sync"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

// Action is a moderation command.
type Action string

const (
	ActionMute  Action = "mute"
	ActionKick  Action = "kick"
	ActionClear Action = "clear"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionMute || a == ActionKick || a == ActionClear
}

type status int

const (
	statusNone status = iota
	statusMuted
	statusKicked
)

type key struct {
	roomID   string
	username string
}

// Store is an in-memory moderation list keyed by room and username.
type Store struct {
	mu      sync.RWMutex
	entries map[key]status
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[key]status)}
}

// Apply records action for username in roomID.
func (s *Store) Apply(roomID, username string, action Action) error {
	if roomID == "" || username == "" {
		return fmt.Errorf("moderation: room and username are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{roomID: roomID, username: username}
	switch action {
	case ActionMute:
		s.entries[k] = statusMuted
	case ActionKick:
		s.entries[k] = statusKicked
	case ActionClear:
		delete(s.entries, k)
	default:
		return fmt.Errorf("moderation: unknown action %q", action)
	}
	return nil
}

// Check returns the rejection reason for username in roomID, or "".
func (s *Store) Check(roomID, username string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.entries[key{roomID: roomID, username: username}] {
	case statusMuted:
		return domain.RejectMuted
	case statusKicked:
		return domain.RejectKicked
	default:
		return ""
	}
}
