package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, int64(65536), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, 100, cfg.Room.HistoryCapacity)
	assert.Equal(t, time.Duration(0), cfg.Room.IdleTTL)
	assert.Equal(t, time.Second, cfg.Chat.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.Chat.DedupWindow)
	assert.Equal(t, 60*time.Second, cfg.Polling.ClientTTL)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "local", cfg.Transcript.Driver)
	assert.Equal(t, "./data", cfg.Transcript.Local.BasePath)
	assert.Equal(t, "redis", cfg.PubSub.Driver)
	assert.Equal(t, 3*time.Second, cfg.PubSub.Redis.ReadTimeout)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("CHAT_COOLDOWN", "2s")
	t.Setenv("ROOM_IDLE_TTL", "10m")
	t.Setenv("USER_SERVICE_URL", "http://auth.local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Chat.Cooldown)
	assert.Equal(t, 10*time.Minute, cfg.Room.IdleTTL)
	assert.Equal(t, "http://auth.local", cfg.User.BaseURL)
}

func TestLoadClientDefaults(t *testing.T) {
	t.Setenv("RELAY_URL", "ws://relay.test/ws")

	cfg, err := LoadClient()
	require.NoError(t, err)

	assert.Equal(t, "ws://relay.test/ws", cfg.URL)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 15*time.Second, cfg.BackoffMax)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.ResendAfter)
	assert.Equal(t, 1100*time.Millisecond, cfg.SendInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
}
