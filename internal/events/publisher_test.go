package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live-relay/pkg/pubsub"
)

type recordingBus struct {
	mu       sync.Mutex
	channels []string
	events   []*pubsub.Event
	err      error
}

func (b *recordingBus) Publish(ctx context.Context, channel string, event *pubsub.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	b.events = append(b.events, event)
	return b.err
}

func TestPublisherStreamStart(t *testing.T) {
	bus := &recordingBus{}
	p := NewPublisher(bus, "relay-1:8080")

	p.StreamStart(context.Background(), "r1", "alice")

	require.Len(t, bus.events, 1)
	assert.Equal(t, "relay:room:r1:events", bus.channels[0])
	assert.Equal(t, pubsub.EventStreamStart, bus.events[0].Type)
	assert.Equal(t, "relay-1:8080", bus.events[0].Source)

	var payload pubsub.BroadcasterPayload
	require.NoError(t, bus.events[0].UnmarshalPayload(&payload))
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, "r1", payload.RoomID)
}

func TestPublisherViewerCount(t *testing.T) {
	bus := &recordingBus{}
	p := NewPublisher(bus, "")

	p.ViewerCount(context.Background(), "r1", 3)

	require.Len(t, bus.events, 1)
	var payload pubsub.ViewerCountPayload
	require.NoError(t, bus.events[0].UnmarshalPayload(&payload))
	assert.Equal(t, 3, payload.Count)
}

func TestPublisherSwallowsErrors(t *testing.T) {
	bus := &recordingBus{err: errors.New("redis down")}
	p := NewPublisher(bus, "")

	assert.NotPanics(t, func() { p.StreamEnd(context.Background(), "r1", "alice") })
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() { p.BroadcasterJoined(context.Background(), "r1", "alice") })

	p = NewPublisher(nil, "")
	assert.NotPanics(t, func() { p.ViewerCount(context.Background(), "r1", 1) })
}
