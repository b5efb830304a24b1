package config

import (
	"fmt"
	"strings"
	"time"
)

// StreamConfig is the root configuration for a stream client instance.
type StreamConfig struct {
	Network       string              `yaml:"network"`
	Endpoint      EndpointConfig      `yaml:"endpoint"`
	Session       SessionConfig       `yaml:"session"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Log           LogConfig           `yaml:"log"`
}

// EndpointConfig holds the socket endpoint.
type EndpointConfig struct {
	URL string `yaml:"url"`
}

// SessionConfig holds connection state machine settings.
type SessionConfig struct {
	AutoReconnect     *bool           `yaml:"auto_reconnect"`
	DeferWhileErrored *bool           `yaml:"defer_while_errored"`
	DrainTimeout      time.Duration   `yaml:"drain_timeout"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds the exponential backoff policy.
type ReconnectConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	MaxRetries          int           `yaml:"max_retries"` // 0 = unlimited
}

// ConnectionConfig holds WebSocket transport settings.
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// SubscriptionsConfig lists the rooms joined at startup.
type SubscriptionsConfig struct {
	Markets       []string `yaml:"markets"`
	UserToken     string   `yaml:"user_token"`
	UserTokenFile string   `yaml:"user_token_file"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Networks maps a network name to its socket URL.
var Networks = map[string]string{
	"testnet": "wss://dapi-testnet.firefly.exchange",
	"dev":     "wss://dev.firefly.exchange/",
	"sandbox": "wss://dapi-dev-sandbox.firefly.exchange/",
}

// NetworkURL returns the socket URL for a named network.
func NetworkURL(name string) (string, error) {
	url, ok := Networks[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown network %q", name)
	}
	return url, nil
}
