package pubsub

import "fmt"

// Channel naming conventions for relay room events.
const (
	// ChannelRoomEvents carries lifecycle events for one room.
	ChannelRoomEvents = "relay:room:%s:events"

	// PatternRoomEvents matches the event channel of every room.
	PatternRoomEvents = "relay:room:*:events"

	// TopicRoomEvents is the Kafka topic the room event channels map to.
	TopicRoomEvents = "relay-events"
)

// Event types published by the relay.
const (
	EventBroadcasterJoined = "broadcaster_joined"
	EventStreamStart       = "stream_start"
	EventStreamEnd         = "stream_end"
	EventViewerCount       = "viewer_count"
)

// RoomEventsChannel returns the channel name for a room's lifecycle events.
func RoomEventsChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomEvents, roomID)
}

// BroadcasterPayload is published when a broadcaster joins or starts/ends a stream.
type BroadcasterPayload struct {
	RoomID    string `json:"room_id"`
	Username  string `json:"username,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ViewerCountPayload is published whenever a room's viewer count changes.
type ViewerCountPayload struct {
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
}
