package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open transport connection.
type Conn interface {
	// Send writes one text frame. Concurrent calls are serialized.
	Send(data []byte) error

	// Messages delivers inbound frames in order. The channel is closed when
	// the connection ends; Err then reports why.
	Messages() <-chan TimestampedMessage

	// Err returns the reason the connection ended: a *websocket.CloseError
	// for a close frame from the server, ErrStaleConnection after a missed
	// heartbeat, the read error otherwise. Nil after a local Close.
	Err() error

	// Close sends a normal-closure frame and releases the socket. Frames
	// already buffered remain readable from Messages.
	Close() error
}

// WebsocketDialer dials gorilla/websocket connections.
type WebsocketDialer struct {
	cfg    ClientConfig
	logger *slog.Logger
}

// NewDialer creates a WebSocket dialer.
func NewDialer(cfg ClientConfig, logger *slog.Logger) *WebsocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketDialer{cfg: cfg, logger: logger}
}

// Dial establishes a WebSocket connection and starts its read and
// heartbeat loops.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	for k, vs := range d.cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	c := &client{
		cfg:        d.cfg,
		logger:     d.logger,
		url:        url,
		conn:       ws,
		messages:   make(chan TimestampedMessage, d.cfg.BufferSize),
		done:       make(chan struct{}),
		lastPingAt: time.Now(),
	}

	// Server pings: answer and mark alive.
	ws.SetPingHandler(func(data string) error {
		c.touch()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	// Server pongs to our keepalive pings.
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	if d.cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}

	d.logger.Debug("websocket connected", "url", url)
	return c, nil
}

// client implements Conn over a gorilla/websocket connection.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger
	url    string
	conn   *websocket.Conn

	messages chan TimestampedMessage
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu         sync.Mutex
	lastPingAt time.Time
	closed     bool
	err        error
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

func (c *client) writeDeadline() time.Time {
	if c.cfg.WriteTimeout <= 0 {
		return time.Now().Add(time.Second)
	}
	return time.Now().Add(c.cfg.WriteTimeout)
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(c.writeDeadline())
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the messages channel.
func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

// Err returns why the connection ended.
func (c *client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.conn.Close()
}

// fail records the first terminal error and tears the socket down.
func (c *client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
}

// readLoop reads messages from the WebSocket and sends them to the messages
// channel. A full channel blocks reads rather than dropping frames.
func (c *client) readLoop() {
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			c.fail(err)
			return
		}

		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop pings the server and fails the connection when neither a
// ping nor a pong has been seen within PingTimeout.
func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), c.writeDeadline())
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.Lock()
			lastPing := c.lastPingAt
			c.mu.Unlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"url", c.url,
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.fail(ErrStaleConnection)
				return
			}
		}
	}
}

// closeStatus maps the reason a connection ended to a close code and text.
func closeStatus(err error) (int, string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
