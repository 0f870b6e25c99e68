package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// RedisPubSub carries room events over Redis channels. Channel names are
// used as-is and patterns map onto PSUBSCRIBE.
type RedisPubSub struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisPubSub connects and pings the server.
func NewRedisPubSub(cfg RedisConfig) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}

	return newRedisPubSubFromClient(client), nil
}

func newRedisPubSubFromClient(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client, subs: make(map[string]*redis.PubSub)}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	if _, err := parseRoomChannel(channel); err != nil {
		return err
	}
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return r.listen(ctx, channel, r.client.Subscribe(ctx, channel))
}

func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return r.listen(ctx, pattern, r.client.PSubscribe(ctx, pattern))
}

func (r *RedisPubSub) listen(ctx context.Context, key string, ps *redis.PubSub) (<-chan *Event, error) {
	// The first reply is the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", key, err)
	}

	r.mu.Lock()
	if prev, ok := r.subs[key]; ok {
		prev.Close()
	}
	r.subs[key] = ps
	r.mu.Unlock()

	out := make(chan *Event, subscriberBuffer)
	go r.forward(ctx, ps, out)
	return out, nil
}

func (r *RedisPubSub) forward(ctx context.Context, ps *redis.PubSub, out chan<- *Event) {
	defer close(out)

	l := log.Component("pubsub")
	in := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if !deliver(ctx, out, []byte(msg.Payload), msg.Channel, &l) {
				return
			}
		}
	}
}

func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	ps, ok := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return ps.Close()
}

// Close drops every subscription and the client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	for key, ps := range r.subs {
		ps.Close()
		delete(r.subs, key)
	}
	r.mu.Unlock()

	return r.client.Close()
}
