package domain

import (
	"strings"
	"sync"
	"time"
)

// Transport names a connection's transport.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Session is the routing metadata of one connection. It is the source of
// truth for inbound frames, which need not repeat room or role.
type Session struct {
	ID        string
	Transport string
	CreatedAt time.Time

	mu           sync.RWMutex
	role         Role
	roomID       string
	viewerID     string
	displayName  string
	defaultName  string
	joinedAt     time.Time
	lastActiveAt time.Time
}

// SessionInfo is an immutable copy of a Session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	Role        Role      `json:"role,omitempty"`
	RoomID      string    `json:"roomId,omitempty"`
	ViewerID    string    `json:"viewerId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	JoinedAt    time.Time `json:"joinedAt,omitempty"`
}

// NewSession creates a session for a freshly accepted connection.
func NewSession(id, transport string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Transport:    transport,
		CreatedAt:    now,
		lastActiveAt: now,
	}
}

// SetDefaultName records the name resolved from the session collaborator.
// It is used when a join frame carries no username.
func (s *Session) SetDefaultName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultName = name
}

// Join tags the session with its room and role. An empty name falls back to
// the default name, then to a placeholder unique to this connection.
func (s *Session) Join(role Role, roomID, viewerID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		name = s.defaultName
	}
	if name == "" {
		name = placeholderName(role, s.ID)
	}

	now := time.Now()
	s.role = role
	s.roomID = roomID
	s.viewerID = viewerID
	s.displayName = name
	s.joinedAt = now
	s.lastActiveAt = now
}

// Leave clears room membership.
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = ""
	s.roomID = ""
	s.viewerID = ""
	s.lastActiveAt = time.Now()
}

// Joined reports whether the session belongs to a room.
func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID != ""
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:          s.ID,
		Transport:   s.Transport,
		Role:        s.role,
		RoomID:      s.roomID,
		ViewerID:    s.viewerID,
		DisplayName: s.displayName,
		JoinedAt:    s.joinedAt,
	}
}

// UpdateActivity updates the last active timestamp.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = time.Now()
}

// LastActive returns the last activity time.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// placeholderName is the role plus a slice of the connection id, so
// anonymous users never share a moderation or replay key.
func placeholderName(role Role, connID string) string {
	suffix := strings.ReplaceAll(connID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		return string(role)
	}
	return string(role) + "-" + suffix
}
