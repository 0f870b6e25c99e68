package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// subscriberBuffer is the per-subscription event backlog. A subscriber that
// falls further behind loses events rather than stalling the bus.
const subscriberBuffer = 100

// Event is one room lifecycle notification on the bus.
type Event struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id"`
	Source    string          `json:"source,omitempty"` // publishing relay instance
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType, roomID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Event{
		Type:      eventType,
		RoomID:    roomID,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// UnmarshalPayload decodes the payload into v.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber receives events from the bus. The returned channel closes when
// ctx ends or the subscription is dropped.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// PubSub is a bus that can both publish and subscribe.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}

// roomChannel is a parsed "{prefix}:room:{roomID}:{suffix}" channel name.
// A roomID of "*" marks a pattern over every room.
type roomChannel struct {
	prefix string
	roomID string
	suffix string
}

func parseRoomChannel(channel string) (roomChannel, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "room" || parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return roomChannel{}, fmt.Errorf("invalid room channel %q", channel)
	}
	return roomChannel{prefix: parts[0], roomID: parts[2], suffix: parts[3]}, nil
}

func (c roomChannel) wildcard() bool {
	return c.roomID == "*"
}

// topic is the Kafka topic shared by every room with the same prefix and
// suffix: "relay:room:r1:events" maps to "relay-events".
func (c roomChannel) topic() string {
	return c.prefix + "-" + strings.ReplaceAll(c.suffix, "_", "-")
}

func encodeEvent(event *Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return data, nil
}

// deliver decodes data and hands it to out without blocking. It reports
// false once ctx is done.
func deliver(ctx context.Context, out chan<- *Event, data []byte, source string, l *zerolog.Logger) bool {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		l.Warn().Err(err).Str("source", source).Msg("dropping malformed event")
		return true
	}

	select {
	case out <- &event:
	case <-ctx.Done():
		return false
	default:
		l.Warn().Str("source", source).Str("room_id", event.RoomID).Str("type", event.Type).Msg("subscriber behind, event dropped")
	}
	return true
}
