package connection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rickgao/ffly-stream/internal/codec"
	"github.com/rickgao/ffly-stream/internal/handler"
	"github.com/rickgao/ffly-stream/internal/metrics"
	"github.com/rickgao/ffly-stream/internal/router"
	"github.com/rickgao/ffly-stream/internal/subscription"
)

// Session is a client connection to the venue's event stream.
//
// It owns one socket at a time, the set of desired subscriptions and the
// handler registrations. Subscriptions and handlers may be changed at any
// time from any goroutine; changes made while the socket is not Open are
// applied on the next Open.
type Session struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	subs     *subscription.Registry
	handlers *handler.Registry
	router   *router.Router

	// mu guards the fields below and serializes every control frame write.
	mu         sync.Mutex
	state      State
	conn       Conn
	running    bool
	stopping   bool
	cancel     context.CancelFunc
	done       chan struct{}
	epochs     int64
	retries    int64
	decodeErrs int64

	cbMu          sync.RWMutex
	onStateChange []func(from, to State)
	onError       []func(error)
	onClose       []func(code int, reason string)
}

// Stats contains runtime statistics.
type Stats struct {
	State         State
	Epochs        int64 // connections that reached Open
	Reconnects    int64
	DecodeErrors  int64
	Subscriptions int
	Handlers      int
	Router        router.Stats
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics records session metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a Session in the Disconnected state.
func NewSession(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		subs:     subscription.NewRegistry(),
		handlers: handler.NewRegistry(),
		state:    Disconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	if s.dialer == nil {
		s.dialer = NewDialer(DefaultClientConfig(), s.logger)
	}
	s.router = router.New(s.handlers, s.logger,
		router.WithMetrics(s.metrics),
		router.WithErrorObserver(func(herr *router.HandlerError) { s.emitError(herr) }),
	)
	return s
}

// SubscribeGlobal subscribes to public updates for a market symbol.
func (s *Session) SubscribeGlobal(symbol string) (Ack, error) {
	return s.subscribe(subscription.Market(symbol))
}

// SubscribeUser subscribes to private updates for the user identified by
// token.
func (s *Session) SubscribeUser(token string) (Ack, error) {
	return s.subscribe(subscription.User(token))
}

// UnsubscribeGlobal removes a market subscription.
func (s *Session) UnsubscribeGlobal(symbol string) (Ack, error) {
	return s.unsubscribe(subscription.Market(symbol))
}

// UnsubscribeUser removes a user subscription.
func (s *Session) UnsubscribeUser(token string) (Ack, error) {
	return s.unsubscribe(subscription.User(token))
}

func (s *Session) subscribe(sub subscription.Subscription) (Ack, error) {
	return s.change(sub, codec.OpSubscribe, s.subs.Add)
}

func (s *Session) unsubscribe(sub subscription.Subscription) (Ack, error) {
	return s.change(sub, codec.OpUnsubscribe, s.subs.Remove)
}

// change applies a registry mutation and, when it changed something while
// Open, writes the matching control frame on the current socket.
func (s *Session) change(sub subscription.Subscription, op string, apply func(subscription.Subscription) bool) (Ack, error) {
	if err := sub.Validate(); err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	if s.state == Errored && !s.cfg.DeferWhileErrored {
		s.mu.Unlock()
		return Ack{}, ErrRejectedWhileErrored
	}

	ack := Ack{Changed: apply(sub)}
	var sendErr error
	if ack.Changed && s.state == Open && s.conn != nil {
		if sendErr = s.sendControl(op, sub); sendErr == nil {
			ack.Sent = true
		}
	}
	n := s.subs.Len()
	s.mu.Unlock()

	s.metrics.SetSubscriptions(n)

	if sendErr != nil {
		// The registry already holds the change; the next replay applies it.
		s.logger.Warn("control frame send failed", "op", op, "subscription", sub, "error", sendErr)
		return ack, &TransportError{Op: "send", URL: s.cfg.URL, Err: sendErr}
	}
	s.logger.Debug("subscription changed", "op", op, "subscription", sub, "changed", ack.Changed, "sent", ack.Sent)
	return ack, nil
}

// sendControl encodes and writes one control frame. Caller holds mu.
func (s *Session) sendControl(op string, sub subscription.Subscription) error {
	var (
		frame []byte
		err   error
	)
	if op == codec.OpUnsubscribe {
		frame, err = codec.EncodeUnsubscribe(sub)
	} else {
		frame, err = codec.EncodeSubscribe(sub)
	}
	if err != nil {
		return err
	}
	if err := s.conn.Send(frame); err != nil {
		return err
	}
	s.metrics.ControlFrameSent(op)
	return nil
}

// On registers h for every envelope of kind. Use codec.KindDefault to
// receive all envelopes.
func (s *Session) On(kind codec.Kind, h handler.Handler) handler.Token {
	return s.handlers.Register(kind, "", h)
}

// OnRoute registers h for envelopes of kind whose routing key is key.
func (s *Session) OnRoute(kind codec.Kind, key string, h handler.Handler) handler.Token {
	return s.handlers.Register(kind, key, h)
}

// OnCandleStick registers h for candle-stick updates of symbol at interval
// (e.g. "1m").
func (s *Session) OnCandleStick(symbol, interval string, h handler.Handler) handler.Token {
	return s.handlers.Register(codec.KindCandleStick, codec.CandleStickKey(symbol, interval), h)
}

// Off removes a handler registration.
func (s *Session) Off(tok handler.Token) bool {
	return s.handlers.Unregister(tok)
}

// OnStateChange registers a callback for every state transition.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.cbMu.Lock()
	s.onStateChange = append(s.onStateChange, fn)
	s.cbMu.Unlock()
}

// OnError registers a callback for transport, decode and handler errors.
func (s *Session) OnError(fn func(error)) {
	s.cbMu.Lock()
	s.onError = append(s.onError, fn)
	s.cbMu.Unlock()
}

// OnClose registers a callback invoked once per connection that reached
// Open, when it ends.
func (s *Session) OnClose(fn func(code int, reason string)) {
	s.cbMu.Lock()
	s.onClose = append(s.onClose, fn)
	s.cbMu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscriptions returns the registered subscriptions in insertion order.
func (s *Session) Subscriptions() []subscription.Subscription {
	return s.subs.Snapshot()
}

// Stats returns current statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		State:        s.state,
		Epochs:       s.epochs,
		Reconnects:   s.retries,
		DecodeErrors: s.decodeErrs,
	}
	s.mu.Unlock()

	st.Subscriptions = s.subs.Len()
	st.Handlers = s.handlers.Len()
	st.Router = s.router.Stats()
	return st
}

// Done returns a channel closed when the current run ends: after Stop, after
// retries run out, or after a failed dial without AutoReconnect. It is
// closed already if the session was never started.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Start connects in the background. It returns ErrAlreadyStarted unless
// the session is Disconnected, Closed or terminally Errored.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stopping = false
	s.cancel = cancel
	s.done = make(chan struct{})
	from := s.state
	s.state = Connecting
	done := s.done
	s.mu.Unlock()

	s.emitState(from, Connecting)
	s.logger.Info("session starting", "url", s.cfg.URL, "subscriptions", s.subs.Len())

	go s.run(runCtx, done)
	return nil
}

// Stop closes the connection and waits for the receive loop to dispatch
// what was already read. No callback or handler runs after Stop returns
// nil. If ctx has no deadline, Config.DrainTimeout bounds the wait.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		from := s.state
		if from == Errored {
			s.state = Closed
		}
		s.mu.Unlock()
		if from == Errored {
			s.emitState(Errored, Closed)
		}
		return nil
	}
	if s.stopping {
		done := s.done
		s.mu.Unlock()
		return s.wait(ctx, done)
	}

	s.stopping = true
	from := s.state
	conn := s.conn
	if from == Open {
		s.state = Draining
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.logger.Info("stopping session", "state", from)
	if from == Open {
		s.emitState(Open, Draining)
	}

	cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close connection", "error", err)
		}
	}

	return s.wait(ctx, done)
}

func (s *Session) wait(ctx context.Context, done <-chan struct{}) error {
	if _, ok := ctx.Deadline(); !ok && s.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DrainTimeout)
		defer cancel()
	}

	select {
	case <-done:
		s.logger.Info("session stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, forcing close")
		return fmt.Errorf("stop session: %w", ctx.Err())
	}
}

// run is the supervisor: it connects, receives until the connection ends,
// and reconnects per policy until stopped or out of retries.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := s.newBackOff()
	attempts := 0

	for {
		var lostOpen bool

		conn, err := s.connect(ctx)
		if err == nil {
			bo.Reset()
			attempts = 0

			// A cancelled parent context ends the epoch like Stop does.
			release := context.AfterFunc(ctx, func() { conn.Close() })
			s.receive(conn)
			release()

			if s.endEpoch(ctx, conn) {
				return
			}
			lostOpen = true
		} else {
			if s.isStopping(ctx) {
				s.finish()
				return
			}
			s.fail(err)
		}

		if !s.cfg.AutoReconnect {
			s.settle(lostOpen)
			return
		}
		attempts++
		if s.cfg.Backoff.MaxRetries > 0 && attempts > s.cfg.Backoff.MaxRetries {
			s.logger.Error("reconnect attempts exhausted", "attempts", attempts-1)
			s.settle(lostOpen)
			return
		}

		wait := bo.NextBackOff()
		s.logger.Info("reconnecting", "attempt", attempts, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.finish()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			s.finish()
			return
		}
		s.retries++
		from := s.state
		s.state = Connecting
		s.mu.Unlock()

		s.metrics.ReconnectAttempt()
		s.emitState(from, Connecting)
	}
}

func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.Backoff.InitialInterval > 0 {
		bo.InitialInterval = s.cfg.Backoff.InitialInterval
	}
	if s.cfg.Backoff.MaxInterval > 0 {
		bo.MaxInterval = s.cfg.Backoff.MaxInterval
	}
	if s.cfg.Backoff.Multiplier > 0 {
		bo.Multiplier = s.cfg.Backoff.Multiplier
	}
	bo.RandomizationFactor = s.cfg.Backoff.RandomizationFactor
	bo.Reset()
	return bo
}

// connect dials and replays the registry. On success the session is Open
// and every registered subscription has been sent once on the new socket.
func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: s.cfg.URL, Err: err}
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return nil, context.Canceled
	}

	snapshot := s.subs.Snapshot()
	for _, sub := range snapshot {
		frame, err := codec.EncodeSubscribe(sub)
		if err == nil {
			err = conn.Send(frame)
		}
		if err != nil {
			s.mu.Unlock()
			conn.Close()
			return nil, &TransportError{Op: "replay", URL: s.cfg.URL, Err: fmt.Errorf("%s: %w", sub, err)}
		}
		s.metrics.ControlFrameSent(codec.OpSubscribe)
	}

	from := s.state
	s.conn = conn
	s.state = Open
	s.epochs++
	s.mu.Unlock()

	s.logger.Info("session open", "url", s.cfg.URL, "replayed", len(snapshot))
	s.emitState(from, Open)
	return conn, nil
}

// receive decodes and dispatches frames until the connection's message
// channel closes.
func (s *Session) receive(conn Conn) {
	for msg := range conn.Messages() {
		s.metrics.FrameReceived()

		env, err := codec.Decode(msg.Data, msg.ReceivedAt)
		if err != nil {
			s.mu.Lock()
			s.decodeErrs++
			s.mu.Unlock()

			s.metrics.DecodeError()
			s.logger.Warn("failed to decode frame", "error", err)
			s.emitError(err)
			continue
		}
		s.router.Dispatch(env)
	}
}

// endEpoch handles the end of an Open connection. It returns true when the
// session is stopping and run should exit.
func (s *Session) endEpoch(ctx context.Context, conn Conn) bool {
	connErr := conn.Err()
	code, reason := closeStatus(connErr)

	s.mu.Lock()
	s.conn = nil
	if s.stopping || ctx.Err() != nil {
		// Stop has already moved Open to Draining; a cancelled parent
		// context has not.
		from := s.state
		if from == Open {
			s.state = Draining
		}
		s.mu.Unlock()
		if from == Open {
			s.emitState(Open, Draining)
		}
		<-ctx.Done()
		s.finish()
		s.emitClose(1000, "client stop")
		return true
	}
	from := s.state
	s.state = Errored
	s.mu.Unlock()

	if connErr == nil {
		connErr = ErrConnectionLost
	}
	s.logger.Warn("connection lost", "code", code, "reason", reason, "error", connErr)
	s.emitState(from, Errored)
	s.emitError(&TransportError{Op: "read", URL: s.cfg.URL, Err: connErr})
	s.emitClose(code, reason)
	return false
}

func (s *Session) isStopping(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping || ctx.Err() != nil
}

// fail moves Connecting to Errored after a failed dial or replay.
func (s *Session) fail(err error) {
	s.mu.Lock()
	from := s.state
	s.state = Errored
	s.mu.Unlock()

	s.logger.Warn("connect failed", "error", err)
	s.emitState(from, Errored)
	s.emitError(err)
}

// settle ends a run that will not reconnect. After a lost connection the
// session closes; after a failed dial it stays Errored until restarted.
func (s *Session) settle(lostOpen bool) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if lostOpen || stopping {
		s.finish()
		return
	}
	s.mu.Lock()
	s.running = false
	s.cancel()
	s.mu.Unlock()
}

// finish moves the session to Closed and marks the run over.
func (s *Session) finish() {
	s.mu.Lock()
	from := s.state
	s.state = Closed
	s.running = false
	s.conn = nil
	s.cancel()
	s.mu.Unlock()

	if from != Closed {
		s.emitState(from, Closed)
	}
}

func (s *Session) emitState(from, to State) {
	s.metrics.StateChanged(from.String(), to.String(), int(to))

	s.cbMu.RLock()
	fns := slices.Clone(s.onStateChange)
	s.cbMu.RUnlock()

	for _, fn := range fns {
		fn(from, to)
	}
}

func (s *Session) emitError(err error) {
	s.cbMu.RLock()
	fns := slices.Clone(s.onError)
	s.cbMu.RUnlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (s *Session) emitClose(code int, reason string) {
	s.cbMu.RLock()
	fns := slices.Clone(s.onClose)
	s.cbMu.RUnlock()

	for _, fn := range fns {
		fn(code, reason)
	}
}
