// Package directory publishes which relay instance hosts each live room so
// that other instances and tooling can route to it.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// ErrNotFound is returned by Lookup for rooms no instance has announced.
var ErrNotFound = errors.New("directory: room not found")

// Directory records room ownership.
type Directory interface {
	Register(ctx context.Context, roomID string) error
	Deregister(ctx context.Context, roomID string) error
	Lookup(ctx context.Context, roomID string) (string, error)
	StartHeartbeat(ctx context.Context) error
	Close() error
}

// RedisDirectory stores {prefix}:room:{id} -> advertise address with a TTL
// refreshed by a heartbeat, so entries of a crashed instance expire.
type RedisDirectory struct {
	client            *redis.Client
	advertiseAddress  string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	managedKeys       map[string]struct{} // keys owned by this instance
	mu                sync.RWMutex
	cancel            context.CancelFunc
}

// NewRedisDirectory connects to redis and verifies the connection.
func NewRedisDirectory(cfg config.RedisConfig, advertiseAddress string) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisDirectoryFromClient(client, cfg, advertiseAddress), nil
}

// NewRedisDirectoryFromClient wraps an existing client.
func NewRedisDirectoryFromClient(client *redis.Client, cfg config.RedisConfig, advertiseAddress string) *RedisDirectory {
	prefix := cfg.DirectoryPrefix
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisDirectory{
		client:            client,
		advertiseAddress:  advertiseAddress,
		prefix:            prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedKeys:       make(map[string]struct{}),
	}
}

// Key returns the redis key for roomID.
func (d *RedisDirectory) Key(roomID string) string {
	return fmt.Sprintf("%s:room:%s", d.prefix, roomID)
}

func (d *RedisDirectory) Register(ctx context.Context, roomID string) error {
	key := d.Key(roomID)

	if err := d.client.Set(ctx, key, d.advertiseAddress, d.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to register room: %w", err)
	}

	d.mu.Lock()
	d.managedKeys[key] = struct{}{}
	d.mu.Unlock()

	l := log.Component("directory")
	l.Info().Str(log.FieldRoomID, roomID).Str("address", d.advertiseAddress).Msg("registered room")
	return nil
}

func (d *RedisDirectory) Deregister(ctx context.Context, roomID string) error {
	key := d.Key(roomID)

	d.mu.Lock()
	delete(d.managedKeys, key)
	d.mu.Unlock()

	// Only remove the entry if it still points at this instance.
	addr, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to deregister room: %w", err)
	}
	if addr != d.advertiseAddress {
		return nil
	}
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to deregister room: %w", err)
	}

	l := log.Component("directory")
	l.Info().Str(log.FieldRoomID, roomID).Msg("deregistered room")
	return nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, roomID string) (string, error) {
	addr, err := d.client.Get(ctx, d.Key(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup room: %w", err)
	}
	return addr, nil
}

func (d *RedisDirectory) StartHeartbeat(ctx context.Context) error {
	if d.heartbeatInterval <= 0 {
		return fmt.Errorf("directory: heartbeat interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.heartbeatLoop(ctx)
	l := log.Component("directory")
	l.Info().Dur("interval", d.heartbeatInterval).Dur("ttl", d.keyTTL).Msg("directory heartbeat started")
	return nil
}

func (d *RedisDirectory) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshKeys(ctx)
		}
	}
}

func (d *RedisDirectory) refreshKeys(ctx context.Context) {
	d.mu.RLock()
	keys := make([]string, 0, len(d.managedKeys))
	for k := range d.managedKeys {
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	for _, key := range keys {
		if err := d.client.Set(ctx, key, d.advertiseAddress, d.keyTTL).Err(); err != nil {
			l := log.Component("directory")
			l.Error().Str("key", key).Err(err).Msg("failed to refresh key")
		}
	}
}

func (d *RedisDirectory) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	return d.client.Close()
}
