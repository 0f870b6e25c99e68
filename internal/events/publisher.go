// Package events carries the relay's non-critical side channels: room
// lifecycle events on the pub/sub bus and the accepted-chat stream.
// Failures are logged and never block relaying.
package events

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live-relay/pkg/log"
	"github.com/weiawesome/wes-io-live-relay/pkg/pubsub"
)

const publishTimeout = 2 * time.Second

// Publisher publishes room lifecycle events. A nil *Publisher or one
// without a bus is a no-op.
type Publisher struct {
	bus      pubsub.Publisher
	instance string
}

// NewPublisher creates a publisher tagging events with instance.
func NewPublisher(bus pubsub.Publisher, instance string) *Publisher {
	return &Publisher{bus: bus, instance: instance}
}

func (p *Publisher) BroadcasterJoined(ctx context.Context, roomID, username string) {
	p.publishBroadcaster(ctx, pubsub.EventBroadcasterJoined, roomID, username)
}

func (p *Publisher) StreamStart(ctx context.Context, roomID, username string) {
	p.publishBroadcaster(ctx, pubsub.EventStreamStart, roomID, username)
}

func (p *Publisher) StreamEnd(ctx context.Context, roomID, username string) {
	p.publishBroadcaster(ctx, pubsub.EventStreamEnd, roomID, username)
}

func (p *Publisher) ViewerCount(ctx context.Context, roomID string, count int) {
	p.publish(ctx, pubsub.EventViewerCount, roomID, pubsub.ViewerCountPayload{RoomID: roomID, Count: count})
}

func (p *Publisher) publishBroadcaster(ctx context.Context, eventType, roomID, username string) {
	p.publish(ctx, eventType, roomID, pubsub.BroadcasterPayload{
		RoomID:    roomID,
		Username:  username,
		Instance:  p.instance,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Publisher) publish(ctx context.Context, eventType, roomID string, payload any) {
	if p == nil || p.bus == nil {
		return
	}

	l := log.Ctx(ctx)
	event, err := pubsub.NewEvent(eventType, roomID, payload)
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to build event")
		return
	}
	event.Source = p.instance

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, pubsub.RoomEventsChannel(roomID), event); err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, roomID).Str("event", eventType).Msg("failed to publish room event")
	}
}
