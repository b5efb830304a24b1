package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamConfig) Validate() error {
	if c.Endpoint.URL == "" {
		if _, err := NetworkURL(c.Network); err != nil {
			return fmt.Errorf("network: %w", err)
		}
		return errors.New("endpoint.url is required")
	}
	u, err := url.Parse(c.Endpoint.URL)
	if err != nil {
		return fmt.Errorf("endpoint.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint.url must use ws or wss, got %q", u.Scheme)
	}

	if c.Session.DrainTimeout < 0 {
		return errors.New("session.drain_timeout must be >= 0")
	}
	if err := c.Session.Reconnect.validate("session.reconnect"); err != nil {
		return err
	}

	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}
	if c.Connection.PingInterval > 0 && c.Connection.PingTimeout > 0 &&
		c.Connection.PingTimeout < c.Connection.PingInterval {
		return fmt.Errorf("connection.ping_timeout must be >= connection.ping_interval, got %s < %s",
			c.Connection.PingTimeout, c.Connection.PingInterval)
	}

	for i, m := range c.Subscriptions.Markets {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("subscriptions.markets[%d] must not be empty", i)
		}
	}
	if c.Subscriptions.UserToken != "" && c.Subscriptions.UserTokenFile != "" {
		return errors.New("subscriptions.user_token and subscriptions.user_token_file are mutually exclusive")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (r *ReconnectConfig) validate(prefix string) error {
	if r.InitialInterval <= 0 {
		return fmt.Errorf("%s.initial_interval must be > 0", prefix)
	}
	if r.MaxInterval < r.InitialInterval {
		return fmt.Errorf("%s.max_interval must be >= %s.initial_interval", prefix, prefix)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be >= 1", prefix)
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor > 1 {
		return fmt.Errorf("%s.randomization_factor must be between 0 and 1", prefix)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >= 0", prefix)
	}
	return nil
}
