package connection

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrStaleConnection      = errors.New("connection stale (no ping)")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrAlreadyStarted       = errors.New("session already started")
	ErrRejectedWhileErrored = errors.New("session errored, subscription change rejected")
	ErrConnectionLost       = errors.New("connection lost")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// TransportError reports a failed socket operation.
type TransportError struct {
	Op  string // "dial", "replay", "send" or "read"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Draining
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Ack reports the outcome of a subscribe or unsubscribe call.
type Ack struct {
	// Changed is false when the call was a no-op: subscribing to an active
	// stream or unsubscribing from an inactive one.
	Changed bool
	// Sent is true when a control frame was written to the current socket.
	// Changes made while not Open are sent on the next replay.
	Sent bool
}

// ClientConfig configures the WebSocket transport.
type ClientConfig struct {
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Max time for the opening handshake
	PingInterval     time.Duration // How often to ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       10000,
	}
}

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          int // 0 = unlimited
}

// Config configures a Session.
type Config struct {
	URL           string // WebSocket URL (e.g., wss://dapi-testnet.firefly.exchange)
	AutoReconnect bool
	Backoff       BackoffConfig

	// DeferWhileErrored keeps accepting subscription changes while Errored;
	// they are sent on the next replay. When false such calls return
	// ErrRejectedWhileErrored.
	DeferWhileErrored bool

	// DrainTimeout bounds Stop when the caller's context has no deadline.
	DrainTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoReconnect: true,
		Backoff: BackoffConfig{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         30 * time.Second,
			Multiplier:          2,
			RandomizationFactor: 0.2,
		},
		DeferWhileErrored: true,
		DrainTimeout:      10 * time.Second,
	}
}
