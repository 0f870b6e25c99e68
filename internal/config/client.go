package config

import (
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/wes-io-live-relay/pkg/config"
)

// ClientConfig configures the relay client state machines.
type ClientConfig struct {
	URL               string        `mapstructure:"url"`
	PollingURL        string        `mapstructure:"polling_url"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ResendAfter       time.Duration `mapstructure:"resend_after"`
	SendInterval      time.Duration `mapstructure:"send_interval"` // spacing between chat sends; keep above the relay cooldown
	MaxRetries        int           `mapstructure:"max_retries"`
	PendingTick       time.Duration `mapstructure:"pending_tick"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	MaxRenegotiations int           `mapstructure:"max_renegotiations"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	Log               LogConfig     `mapstructure:"log"`
}

// DefaultClientConfig returns the client defaults without reading any source.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:               "ws://localhost:8080/ws",
		PollingURL:        "http://localhost:8080",
		ConnectTimeout:    3 * time.Second,
		PollInterval:      time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        15 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		ResendAfter:       5 * time.Second,
		SendInterval:      1100 * time.Millisecond,
		MaxRetries:        3,
		PendingTick:       time.Second,
		QueueCapacity:     100,
		FailureThreshold:  5,
		MaxRenegotiations: 3,
		ICEServers:        []string{"stun:stun.l.google.com:19302"},
		Log:               LogConfig{Level: "info"},
	}
}

// LoadClient reads the "client" section of ./config/client.yaml (optional)
// and the environment (CLIENT_URL, CLIENT_POLLING_URL, ...).
func LoadClient() (*ClientConfig, error) {
	v, err := pkgconfig.Load("./config", "client")
	if err != nil {
		return nil, err
	}

	setClientDefaults(v)
	v.BindEnv("client.url", "RELAY_URL")
	v.BindEnv("client.polling_url", "RELAY_POLLING_URL")

	// Unmarshal from the root so env overrides of single keys apply.
	wrapper := struct {
		Client ClientConfig `mapstructure:"client"`
	}{Client: DefaultClientConfig()}
	if err := v.Unmarshal(&wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Client, nil
}

func setClientDefaults(v *viper.Viper) {
	d := DefaultClientConfig()
	v.SetDefault("client.url", d.URL)
	v.SetDefault("client.polling_url", d.PollingURL)
	v.SetDefault("client.connect_timeout", d.ConnectTimeout.String())
	v.SetDefault("client.poll_interval", d.PollInterval.String())
	v.SetDefault("client.backoff_base", d.BackoffBase.String())
	v.SetDefault("client.backoff_max", d.BackoffMax.String())
	v.SetDefault("client.heartbeat_interval", d.HeartbeatInterval.String())
	v.SetDefault("client.resend_after", d.ResendAfter.String())
	v.SetDefault("client.send_interval", d.SendInterval.String())
	v.SetDefault("client.max_retries", d.MaxRetries)
	v.SetDefault("client.pending_tick", d.PendingTick.String())
	v.SetDefault("client.queue_capacity", d.QueueCapacity)
	v.SetDefault("client.failure_threshold", d.FailureThreshold)
	v.SetDefault("client.max_renegotiations", d.MaxRenegotiations)
	v.SetDefault("client.ice_servers", d.ICEServers)
	v.SetDefault("client.log.level", d.Log.Level)
	v.SetDefault("client.log.pretty", true)
}
