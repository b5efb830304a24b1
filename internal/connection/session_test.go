package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rickgao/ffly-stream/internal/codec"
	"github.com/rickgao/ffly-stream/internal/router"
	"github.com/rickgao/ffly-stream/internal/subscription"
)

var errDial = errors.New("connection refused")

// fakeConn is an in-memory Conn. Frames pushed with deliver appear on
// Messages; drop simulates transport loss.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	msgs   chan TimestampedMessage
	err    error
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan TimestampedMessage, 1024)}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Messages() <-chan TimestampedMessage { return c.msgs }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.end(nil)
	return nil
}

func (c *fakeConn) drop(err error) { c.end(err) }

func (c *fakeConn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.msgs)
}

func (c *fakeConn) deliver(frames ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, f := range frames {
		c.msgs <- TimestampedMessage{Data: []byte(f), ReceivedAt: time.Now()}
	}
}

// controls returns the sent control frames as "OP sub" strings.
func (c *fakeConn) controls(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, frame := range c.sent {
		op, subs, err := codec.DecodeControl(frame)
		require.NoError(t, err)
		for _, sub := range subs {
			out = append(out, op+" "+sub.Kind.String()+":"+sub.Key)
		}
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failures > 0 {
		d.failures--
		return nil, errDial
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "wss://venue.test"
	cfg.Backoff = BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
	cfg.DrainTimeout = time.Second
	return cfg
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	return NewSession(cfg, WithDialer(d)), d
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, time.Second, time.Millisecond,
		"state = %s, want %s", s.State(), want)
}

func stop(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSession_SubscribeIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	ack, err := s.SubscribeGlobal("BTC-PERP")
	require.NoError(t, err)
	assert.Equal(t, Ack{Changed: true}, ack)

	ack, err = s.SubscribeGlobal("BTC-PERP")
	require.NoError(t, err)
	assert.Equal(t, Ack{Changed: false}, ack)
	assert.Len(t, s.Subscriptions(), 1)

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	ack, err = s.SubscribeGlobal("BTC-PERP")
	require.NoError(t, err)
	assert.False(t, ack.Changed)
	assert.False(t, ack.Sent)

	assert.Equal(t, []string{"SUBSCRIBE global:BTC-PERP"}, d.conn(0).controls(t))
	stop(t, s)
}

func TestSession_LiveSubscribeSendsOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())
	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	ack, err := s.SubscribeUser("tok-abc")
	require.NoError(t, err)
	assert.Equal(t, Ack{Changed: true, Sent: true}, ack)

	ack, err = s.UnsubscribeUser("tok-abc")
	require.NoError(t, err)
	assert.Equal(t, Ack{Changed: true, Sent: true}, ack)

	ack, err = s.UnsubscribeUser("tok-abc")
	require.NoError(t, err)
	assert.Equal(t, Ack{}, ack)

	assert.Equal(t, []string{
		"SUBSCRIBE user:tok-abc",
		"UNSUBSCRIBE user:tok-abc",
	}, d.conn(0).controls(t))
	stop(t, s)
}

func TestSession_ReplayMatchesRegistry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	// Changes made while Disconnected.
	s.SubscribeGlobal("BTC-PERP")
	s.SubscribeGlobal("ETH-PERP")
	s.SubscribeUser("tok-abc")
	s.UnsubscribeGlobal("ETH-PERP")
	s.SubscribeGlobal("DOT-PERP")
	s.SubscribeGlobal("BTC-PERP")

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	assert.Equal(t, []string{
		"SUBSCRIBE global:BTC-PERP",
		"SUBSCRIBE user:tok-abc",
		"SUBSCRIBE global:DOT-PERP",
	}, d.conn(0).controls(t))
	stop(t, s)
}

func TestSession_ReplayAfterReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())
	s.SubscribeGlobal("BTC-PERP")
	s.SubscribeUser("tok-abc")

	var mu sync.Mutex
	var transitions []string
	var closes []int
	s.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
	})
	s.OnClose(func(code int, reason string) {
		mu.Lock()
		closes = append(closes, code)
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	d.conn(0).drop(errors.New("connection reset by peer"))

	require.Eventually(t, func() bool { return d.dialed() == 2 && s.State() == Open }, time.Second, time.Millisecond)

	want := []string{"SUBSCRIBE global:BTC-PERP", "SUBSCRIBE user:tok-abc"}
	assert.Equal(t, want, d.conn(0).controls(t))
	assert.Equal(t, want, d.conn(1).controls(t))
	assert.Equal(t, int64(2), s.Stats().Epochs)
	assert.Equal(t, int64(1), s.Stats().Reconnects)

	stop(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"disconnected>connecting",
		"connecting>open",
		"open>errored",
		"errored>connecting",
		"connecting>open",
		"open>draining",
		"draining>closed",
	}, transitions)
	assert.Equal(t, []int{websocket.CloseAbnormalClosure, websocket.CloseNormalClosure}, closes)
}

func TestSession_UnsubscribeAbsentFromReplay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.AutoReconnect = false
	s, d := newTestSession(t, cfg)

	s.SubscribeGlobal("BTC-PERP")
	s.SubscribeGlobal("ETH-PERP")
	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	d.conn(0).drop(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "maintenance"})
	waitState(t, s, Closed)

	ack, err := s.UnsubscribeGlobal("ETH-PERP")
	require.NoError(t, err)
	assert.Equal(t, Ack{Changed: true}, ack, "no socket while closed")

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	assert.Equal(t, []string{"SUBSCRIBE global:BTC-PERP"}, d.conn(1).controls(t))
	stop(t, s)
}

func TestSession_BTCScenario(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())
	s.SubscribeGlobal("BTC")

	var mu sync.Mutex
	var btc []codec.Envelope
	var others int
	s.OnRoute(codec.KindOrderbookUpdate, "BTC", func(env codec.Envelope) error {
		mu.Lock()
		btc = append(btc, env)
		mu.Unlock()
		return nil
	})
	s.OnRoute(codec.KindOrderbookUpdate, "ETH", func(codec.Envelope) error {
		mu.Lock()
		others++
		mu.Unlock()
		return nil
	})
	s.On(codec.KindOrderUpdate, func(codec.Envelope) error {
		mu.Lock()
		others++
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)
	assert.Equal(t, []string{"SUBSCRIBE global:BTC"}, d.conn(0).controls(t))

	d.conn(0).deliver(`{"eventName":"OrderbookUpdate","data":{"orderbook":{"symbol":"BTC","asks":[]}}}`)
	require.Eventually(t, func() bool { return s.Stats().Router.Dispatched == 1 }, time.Second, time.Millisecond)

	stop(t, s)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, btc, 1)
	assert.Equal(t, codec.KindOrderbookUpdate, btc[0].Kind())
	assert.Equal(t, "BTC", btc[0].RoutingKey())
	assert.Equal(t, 0, others)
}

func TestSession_DefaultHandlerFiresAfterSpecific(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	var mu sync.Mutex
	var calls []string
	s.On(codec.KindDefault, func(codec.Envelope) error {
		mu.Lock()
		calls = append(calls, "default")
		mu.Unlock()
		return nil
	})
	s.On(codec.KindOrderUpdate, func(codec.Envelope) error {
		mu.Lock()
		calls = append(calls, "order")
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)
	d.conn(0).deliver(`{"eventName":"OrderUpdate","data":{"order":{"symbol":"BTC-PERP"}}}`)
	require.Eventually(t, func() bool { return s.Stats().Router.Dispatched == 1 }, time.Second, time.Millisecond)
	stop(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"order", "default"}, calls)
}

func TestSession_OrderAndIsolation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	var mu sync.Mutex
	var seen []string
	var errs []error
	s.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	s.On(codec.KindRecentTrades, func(env codec.Envelope) error {
		if env.RoutingKey() == "B" {
			panic("boom")
		}
		return nil
	})
	s.On(codec.KindRecentTrades, func(env codec.Envelope) error {
		mu.Lock()
		seen = append(seen, env.RoutingKey())
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	frames := make([]string, 0, 5)
	for _, sym := range []string{"A", "B", "C", "D", "E"} {
		frames = append(frames, `{"eventName":"RecentTrades","data":{"trades":[{"symbol":"`+sym+`"}]}}`)
	}
	d.conn(0).deliver(frames...)
	d.conn(0).deliver(`not json`)

	require.Eventually(t, func() bool { return s.Stats().DecodeErrors == 1 }, time.Second, time.Millisecond)
	stop(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, seen)
	require.Len(t, errs, 2)

	var herr *router.HandlerError
	require.ErrorAs(t, errs[0], &herr)
	assert.Equal(t, "B", herr.RoutingKey)
	var derr *codec.DecodeError
	assert.ErrorAs(t, errs[1], &derr)
}

func TestSession_StopDrainsBufferedFrames(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	release := make(chan struct{})
	var mu sync.Mutex
	var seen int
	s.On(codec.KindExchangeHealth, func(codec.Envelope) error {
		<-release
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	d.conn(0).deliver(
		`{"eventName":"ExchangeHealth","data":{}}`,
		`{"eventName":"ExchangeHealth","data":{}}`,
		`{"eventName":"ExchangeHealth","data":{}}`,
	)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	waitState(t, s, Draining)
	ack, err := s.SubscribeGlobal("BTC-PERP")
	require.NoError(t, err)
	assert.False(t, ack.Sent, "no sends while draining")

	close(release)
	require.NoError(t, <-stopped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, seen)
	assert.Equal(t, Closed, s.State())
	assert.Empty(t, d.conn(0).controls(t))
}

func TestSession_NoCallbacksAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	var mu sync.Mutex
	stopped := false
	late := 0
	s.On(codec.KindDefault, func(codec.Envelope) error {
		mu.Lock()
		if stopped {
			late++
		}
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	for i := 0; i < 50; i++ {
		d.conn(0).deliver(`{"eventName":"MarketHealth","data":{"symbol":"BTC-PERP"}}`)
	}
	stop(t, s)

	mu.Lock()
	stopped = true
	mu.Unlock()

	d.conn(0).deliver(`{"eventName":"MarketHealth","data":{"symbol":"BTC-PERP"}}`)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, late)
}

func TestSession_DialFailureWithoutReconnectStaysErrored(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.AutoReconnect = false
	s, d := newTestSession(t, cfg)
	d.setFailures(1)

	var mu sync.Mutex
	var errs []error
	s.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed before Start")
	}

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Errored)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after terminal dial failure")
	}

	// Terminal: nothing else happens until restarted.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Errored, s.State())
	assert.Equal(t, 0, d.dialed())

	mu.Lock()
	require.Len(t, errs, 1)
	var terr *TransportError
	require.ErrorAs(t, errs[0], &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.ErrorIs(t, errs[0], errDial)
	mu.Unlock()

	// Deferred while errored, sent on the restart's replay.
	ack, err := s.SubscribeGlobal("BTC-PERP")
	require.NoError(t, err)
	assert.Equal(t, Ack{Changed: true}, ack)

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)
	assert.Equal(t, []string{"SUBSCRIBE global:BTC-PERP"}, d.conn(0).controls(t))
	stop(t, s)
}

func TestSession_RejectWhileErrored(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.AutoReconnect = false
	cfg.DeferWhileErrored = false
	s, d := newTestSession(t, cfg)
	d.setFailures(1)

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Errored)

	_, err := s.SubscribeGlobal("BTC-PERP")
	assert.ErrorIs(t, err, ErrRejectedWhileErrored)
	assert.Empty(t, s.Subscriptions())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, Closed, s.State())
}

func TestSession_RetryBudget(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Backoff.MaxRetries = 3
	s, d := newTestSession(t, cfg)
	d.setFailures(100)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.State == Errored && st.Reconnects == 3
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(3), s.Stats().Reconnects, "no retries past the budget")

	require.NoError(t, s.Stop(context.Background()))
}

func TestSession_ReconnectsAfterDialFailures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())
	d.setFailures(2)
	s.SubscribeGlobal("ETH-PERP")

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	assert.Equal(t, int64(2), s.Stats().Reconnects)
	assert.Equal(t, []string{"SUBSCRIBE global:ETH-PERP"}, d.conn(0).controls(t))
	stop(t, s)
}

func TestSession_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, _ := newTestSession(t, testConfig())
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	stop(t, s)

	// Closed sessions can be restarted.
	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)
	stop(t, s)
}

func TestSession_StopWhileReconnecting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Backoff.InitialInterval = time.Hour
	cfg.Backoff.MaxInterval = time.Hour
	s, d := newTestSession(t, cfg)
	d.setFailures(1)

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Errored)

	stop(t, s)
	assert.Equal(t, Closed, s.State())
}

func TestSession_ParentContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	var mu sync.Mutex
	var transitions []string
	var acks []Ack
	var subErrs []error
	s.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()

		// The socket is already gone while Draining; the change must only
		// reach the registry.
		if to == Draining {
			ack, err := s.SubscribeGlobal("BTC-PERP")
			mu.Lock()
			acks = append(acks, ack)
			subErrs = append(subErrs, err)
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	waitState(t, s, Open)

	cancel()
	waitState(t, s, Closed)
	require.NoError(t, s.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"disconnected>connecting",
		"connecting>open",
		"open>draining",
		"draining>closed",
	}, transitions)
	require.Len(t, acks, 1)
	assert.NoError(t, subErrs[0])
	assert.Equal(t, Ack{Changed: true, Sent: false}, acks[0])
	assert.Empty(t, d.conn(0).controls(t))
	assert.Equal(t, 1, s.Stats().Subscriptions)
}

func TestSession_OnCandleStick(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, d := newTestSession(t, testConfig())

	got := make(chan string, 2)
	tok := s.OnCandleStick("ETH-PERP", "1m", func(env codec.Envelope) error {
		got <- env.Name()
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, Open)

	d.conn(0).deliver(
		`{"eventName":"ETH-PERP@kline@5m","data":[]}`,
		`{"eventName":"ETH-PERP@kline@1m","data":[]}`,
	)

	select {
	case name := <-got:
		assert.Equal(t, "ETH-PERP@kline@1m", name)
	case <-time.After(time.Second):
		t.Fatal("candle handler not invoked")
	}

	assert.True(t, s.Off(tok))
	stop(t, s)
	assert.Empty(t, got)
}

func TestSession_InvalidSubscription(t *testing.T) {
	s, _ := newTestSession(t, testConfig())

	_, err := s.SubscribeUser("")
	assert.ErrorIs(t, err, subscription.ErrEmptyKey)
	assert.Empty(t, s.Subscriptions())
}

func TestTransportError(t *testing.T) {
	err := &TransportError{Op: "dial", URL: "wss://x", Err: errDial}
	assert.Equal(t, "dial wss://x: connection refused", err.Error())
	assert.ErrorIs(t, err, errDial)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "errored", Errored.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestCloseStatus(t *testing.T) {
	code, reason := closeStatus(nil)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Empty(t, reason)

	code, reason = closeStatus(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"})
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, "bye", reason)

	code, reason = closeStatus(ErrStaleConnection)
	assert.Equal(t, websocket.CloseAbnormalClosure, code)
	assert.Equal(t, ErrStaleConnection.Error(), reason)
}
