package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultNetwork             = "testnet"
	DefaultAutoReconnect       = true
	DefaultDeferWhileErrored   = true
	DefaultDrainTimeout        = 10 * time.Second
	DefaultInitialInterval     = 500 * time.Millisecond
	DefaultMaxInterval         = 30 * time.Second
	DefaultMultiplier          = 2.0
	DefaultRandomizationFactor = 0.2
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultPingTimeout         = 60 * time.Second
	DefaultBufferSize          = 10000
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
)

func (c *StreamConfig) applyDefaults() {
	// Endpoint defaults
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.Endpoint.URL == "" {
		if url, err := NetworkURL(c.Network); err == nil {
			c.Endpoint.URL = url
		}
	}

	// Session defaults
	if c.Session.AutoReconnect == nil {
		v := DefaultAutoReconnect
		c.Session.AutoReconnect = &v
	}
	if c.Session.DeferWhileErrored == nil {
		v := DefaultDeferWhileErrored
		c.Session.DeferWhileErrored = &v
	}
	if c.Session.DrainTimeout == 0 {
		c.Session.DrainTimeout = DefaultDrainTimeout
	}
	applyReconnectDefaults(&c.Session.Reconnect)

	// Connection defaults
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyReconnectDefaults(r *ReconnectConfig) {
	if r.InitialInterval == 0 {
		r.InitialInterval = DefaultInitialInterval
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = DefaultMaxInterval
	}
	if r.Multiplier == 0 {
		r.Multiplier = DefaultMultiplier
	}
	if r.RandomizationFactor == 0 {
		r.RandomizationFactor = DefaultRandomizationFactor
	}
}
