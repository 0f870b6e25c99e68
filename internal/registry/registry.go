// Package registry holds the in-memory room state shared by every
// connection handler: who broadcasts, who watches, and recent chat.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

// DefaultHistoryCapacity is the number of chat messages kept per room.
const DefaultHistoryCapacity = 100

// Endpoint is a connection the registry can route to.
type Endpoint interface {
	ID() string
	Send(data []byte) error
}

// Membership describes which room slot a connection occupies.
type Membership struct {
	RoomID   string
	Role     domain.Role
	ViewerID string
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	ID             string    `json:"id"`
	HasBroadcaster bool      `json:"hasBroadcaster"`
	Live           bool      `json:"live"`
	ViewerCount    int       `json:"viewerCount"`
	MessageCount   int       `json:"messageCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Removal reports what RemoveConnection evicted.
type Removal struct {
	Membership
	ViewerCount int
}

type room struct {
	id           string
	broadcaster  Endpoint
	viewers      map[string]Endpoint // viewerID -> endpoint
	messages     []domain.ChatMessage
	live         bool
	createdAt    time.Time
	lastActivity time.Time
}

func (rm *room) info() RoomInfo {
	return RoomInfo{
		ID:             rm.id,
		HasBroadcaster: rm.broadcaster != nil,
		Live:           rm.live,
		ViewerCount:    len(rm.viewers),
		MessageCount:   len(rm.messages),
		CreatedAt:      rm.createdAt,
		LastActivity:   rm.lastActivity,
	}
}

// Registry maps room ids to room records. All methods are safe for
// concurrent use; mutations are serialized by a single lock.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	owners   map[string]Membership // connection id -> slot
	capacity int
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry keeping capacity messages per room.
func New(capacity int, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	r := &Registry{
		rooms:    make(map[string]*room),
		owners:   make(map[string]Membership),
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ensureLocked returns the room, creating it if needed. Caller holds mu.
func (r *Registry) ensureLocked(roomID string) *room {
	rm, ok := r.rooms[roomID]
	if !ok {
		now := r.now()
		rm = &room{
			id:           roomID,
			viewers:      make(map[string]Endpoint),
			createdAt:    now,
			lastActivity: now,
		}
		r.rooms[roomID] = rm
	}
	return rm
}

// EnsureRoom creates the room if it does not exist and returns its state.
func (r *Registry) EnsureRoom(roomID string) RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(roomID).info()
}

// SetBroadcaster makes ep the broadcaster of roomID. A previous broadcaster
// is replaced (last writer wins) and returned so the caller can close it.
func (r *Registry) SetBroadcaster(roomID string, ep Endpoint) (displaced Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detachLocked(ep.ID())
	rm := r.ensureLocked(roomID)

	if prev := rm.broadcaster; prev != nil && prev.ID() != ep.ID() {
		delete(r.owners, prev.ID())
		displaced = prev
	}

	rm.broadcaster = ep
	rm.lastActivity = r.now()
	r.owners[ep.ID()] = Membership{RoomID: roomID, Role: domain.RoleBroadcaster}
	return displaced
}

// AddViewer adds ep to roomID's viewers, creating the room if needed. A
// non-empty requestedID resumes that viewer id; if another connection holds
// it, that connection is displaced and returned. Otherwise a new id is issued.
func (r *Registry) AddViewer(roomID string, ep Endpoint, requestedID string) (viewerID string, count int, displaced Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detachLocked(ep.ID())
	rm := r.ensureLocked(roomID)

	viewerID = requestedID
	if viewerID == "" {
		viewerID = uuid.New().String()
	}

	if prev, ok := rm.viewers[viewerID]; ok && prev.ID() != ep.ID() {
		delete(r.owners, prev.ID())
		displaced = prev
	}

	rm.viewers[viewerID] = ep
	rm.lastActivity = r.now()
	r.owners[ep.ID()] = Membership{RoomID: roomID, Role: domain.RoleViewer, ViewerID: viewerID}
	return viewerID, len(rm.viewers), displaced
}

// RemoveConnection evicts the connection from whichever room owns it.
// A connection that was already displaced is a no-op, so it can never evict
// its replacement.
func (r *Registry) RemoveConnection(connID string) (Removal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachLocked(connID)
}

func (r *Registry) detachLocked(connID string) (Removal, bool) {
	m, ok := r.owners[connID]
	if !ok {
		return Removal{}, false
	}
	delete(r.owners, connID)

	rm, ok := r.rooms[m.RoomID]
	if !ok {
		return Removal{Membership: m}, true
	}

	switch m.Role {
	case domain.RoleBroadcaster:
		if rm.broadcaster != nil && rm.broadcaster.ID() == connID {
			rm.broadcaster = nil
			rm.live = false
		}
	case domain.RoleViewer:
		if ep, ok := rm.viewers[m.ViewerID]; ok && ep.ID() == connID {
			delete(rm.viewers, m.ViewerID)
		}
	}
	rm.lastActivity = r.now()

	return Removal{Membership: m, ViewerCount: len(rm.viewers)}, true
}

// AppendMessage appends msg to the room history, evicting the oldest
// entries beyond capacity.
func (r *Registry) AppendMessage(roomID string, msg domain.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.ensureLocked(roomID)
	rm.messages = append(rm.messages, msg)
	if over := len(rm.messages) - r.capacity; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(rm.messages, rm.messages[over:])
		clear(rm.messages[n:])
		rm.messages = rm.messages[:n]
	}
	rm.lastActivity = r.now()
}

// History returns a copy of the room's messages, oldest first.
func (r *Registry) History(roomID string) []domain.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return []domain.ChatMessage{}
	}
	out := make([]domain.ChatMessage, len(rm.messages))
	copy(out, rm.messages)
	return out
}

// FindByTempID looks up a message previously accepted from username with
// the given client correlation id.
func (r *Registry) FindByTempID(roomID, username, tempID string) (domain.ChatMessage, bool) {
	if tempID == "" {
		return domain.ChatMessage{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return domain.ChatMessage{}, false
	}
	for i := len(rm.messages) - 1; i >= 0; i-- {
		m := rm.messages[i]
		if m.TempID == tempID && m.Username == username {
			return m, true
		}
	}
	return domain.ChatMessage{}, false
}

// Members returns the broadcaster (if any) followed by every viewer.
func (r *Registry) Members(roomID string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Endpoint, 0, len(rm.viewers)+1)
	if rm.broadcaster != nil {
		out = append(out, rm.broadcaster)
	}
	for _, ep := range rm.viewers {
		out = append(out, ep)
	}
	return out
}

// Viewers returns the room's viewer endpoints.
func (r *Registry) Viewers(roomID string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Endpoint, 0, len(rm.viewers))
	for _, ep := range rm.viewers {
		out = append(out, ep)
	}
	return out
}

// Broadcaster returns the room's broadcaster endpoint.
func (r *Registry) Broadcaster(roomID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok || rm.broadcaster == nil {
		return nil, false
	}
	return rm.broadcaster, true
}

// Viewer returns the endpoint registered under viewerID.
func (r *Registry) Viewer(roomID, viewerID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	ep, ok := rm.viewers[viewerID]
	return ep, ok
}

// Membership returns the slot held by a connection.
func (r *Registry) Membership(connID string) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.owners[connID]
	return m, ok
}

// ViewerCount returns the number of viewers currently in the room.
func (r *Registry) ViewerCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.viewers)
	}
	return 0
}

// SetLive records whether the room's broadcaster has an active stream.
func (r *Registry) SetLive(roomID string, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.ensureLocked(roomID)
	rm.live = live
	rm.lastActivity = r.now()
}

// Room returns the state of one room.
func (r *Registry) Room(roomID string) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return rm.info(), true
}

// Rooms returns every room, ordered by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reap deletes rooms with no connections whose last activity is older than
// ttl, and returns their ids.
func (r *Registry) Reap(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var reaped []string
	for id, rm := range r.rooms {
		if rm.broadcaster == nil && len(rm.viewers) == 0 && rm.lastActivity.Before(cutoff) {
			delete(r.rooms, id)
			reaped = append(reaped, id)
		}
	}
	sort.Strings(reaped)
	return reaped
}
