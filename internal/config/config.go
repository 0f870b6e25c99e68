package config

import (
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/wes-io-live-relay/pkg/config"
	"github.com/weiawesome/wes-io-live-relay/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-relay/pkg/storage"
)

// Config is the relay server configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Room       RoomConfig       `mapstructure:"room"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Polling    PollingConfig    `mapstructure:"polling"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	User       UserConfig       `mapstructure:"user"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     pubsub.Config    `mapstructure:"pubsub"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	AdvertiseAddress string `mapstructure:"advertise_address"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type RoomConfig struct {
	HistoryCapacity int           `mapstructure:"history_capacity"`
	IdleTTL         time.Duration `mapstructure:"idle_ttl"` // 0 keeps rooms for the process lifetime
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
}

type ChatConfig struct {
	Cooldown    time.Duration `mapstructure:"cooldown"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

type PollingConfig struct {
	ClientTTL         time.Duration `mapstructure:"client_ttl"`
	MaxQueue          int           `mapstructure:"max_queue"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// UserConfig points at the session collaborator serving GET /api/user.
type UserConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Address           string        `mapstructure:"address"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	DirectoryPrefix   string        `mapstructure:"directory_prefix"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
}

type KafkaConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Brokers    string `mapstructure:"brokers"`
	Topic      string `mapstructure:"topic"`
	Partitions int    `mapstructure:"partitions"`
}

type TranscriptConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLExpiry      time.Duration `mapstructure:"url_expiry"`
	storage.Config `mapstructure:",squash"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads the relay configuration from ./config/config.yaml (optional),
// the environment, and built-in defaults.
func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	setServerDefaults(v)

	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.advertise_address", "ADVERTISE_ADDRESS")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("user.base_url", "USER_SERVICE_URL")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Chat.Cooldown = parseDuration(v, "chat.cooldown", time.Second)
	cfg.Chat.DedupWindow = parseDuration(v, "chat.dedup_window", 5*time.Second)

	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.advertise_address", "localhost:8080")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("room.history_capacity", 100)
	v.SetDefault("room.idle_ttl", "0s")
	v.SetDefault("room.reap_interval", "1m")
	v.SetDefault("chat.cooldown", "1s")
	v.SetDefault("chat.dedup_window", "5s")
	v.SetDefault("polling.client_ttl", "60s")
	v.SetDefault("polling.max_queue", 500)
	v.SetDefault("polling.max_wait", "25s")
	v.SetDefault("polling.requests_per_second", 20)
	v.SetDefault("polling.burst", 40)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("user.base_url", "")
	v.SetDefault("user.cache_ttl", "30s")
	v.SetDefault("user.timeout", "5s")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.directory_prefix", "relay")
	v.SetDefault("redis.heartbeat_interval", "10s")
	v.SetDefault("redis.key_ttl", "30s")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "relay")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("pubsub.kafka.topics", []string{pubsub.TopicRoomEvents})
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "relay-chat-messages")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("transcript.enabled", false)
	v.SetDefault("transcript.url_expiry", "15m")
	v.SetDefault("transcript.driver", "local")
	v.SetDefault("transcript.local.base_path", "./data")
	v.SetDefault("transcript.local.public_url", "/api")
	v.SetDefault("transcript.s3.region", "us-east-1")
	v.SetDefault("transcript.s3.bucket", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
