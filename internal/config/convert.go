package config

import (
	"log/slog"
	"strings"

	"github.com/rickgao/ffly-stream/internal/connection"
)

// SessionConfig converts the loaded settings into a connection.Config.
func (c *StreamConfig) SessionConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.URL = c.Endpoint.URL
	if c.Session.AutoReconnect != nil {
		cfg.AutoReconnect = *c.Session.AutoReconnect
	}
	if c.Session.DeferWhileErrored != nil {
		cfg.DeferWhileErrored = *c.Session.DeferWhileErrored
	}
	cfg.DrainTimeout = c.Session.DrainTimeout
	cfg.Backoff = connection.BackoffConfig{
		InitialInterval:     c.Session.Reconnect.InitialInterval,
		MaxInterval:         c.Session.Reconnect.MaxInterval,
		Multiplier:          c.Session.Reconnect.Multiplier,
		RandomizationFactor: c.Session.Reconnect.RandomizationFactor,
		MaxRetries:          c.Session.Reconnect.MaxRetries,
	}
	return cfg
}

// ClientConfig converts the transport settings into a connection.ClientConfig.
func (c *StreamConfig) ClientConfig() connection.ClientConfig {
	cfg := connection.DefaultClientConfig()
	cfg.HandshakeTimeout = c.Connection.HandshakeTimeout
	cfg.WriteTimeout = c.Connection.WriteTimeout
	cfg.PingInterval = c.Connection.PingInterval
	cfg.PingTimeout = c.Connection.PingTimeout
	cfg.BufferSize = c.Connection.BufferSize
	return cfg
}

// SlogLevel maps log.level to a slog.Level. Unknown values map to info.
func (c *StreamConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
