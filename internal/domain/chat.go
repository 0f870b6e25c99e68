package domain

import (
	"html"
	"strings"
	"time"
)

// Role is the part a connection plays in a room.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleBroadcaster || r == RoleViewer
}

// ChatMessage is an accepted chat line as stored in room history and fanned out.
type ChatMessage struct {
	ID        string `json:"id"`
	TempID    string `json:"tempId,omitempty"`
	RoomID    string `json:"roomId"`
	Role      Role   `json:"role"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Time returns the message timestamp as a time.Time.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// NormalizeText trims surrounding whitespace. An empty result means the
// message must be ignored.
func NormalizeText(s string) string {
	return strings.TrimSpace(s)
}

// EscapeText makes text safe for markup display contexts.
func EscapeText(s string) string {
	return html.EscapeString(s)
}

// NowMillis returns the current time in the wire timestamp unit.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
