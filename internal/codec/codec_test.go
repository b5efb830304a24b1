package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/ffly-stream/internal/subscription"
)

func TestDecode_KnownKinds(t *testing.T) {
	now := time.Unix(1705328200, 0)

	tests := []struct {
		name    string
		frame   string
		kind    Kind
		routing string
	}{
		{
			name:    "orderbook update",
			frame:   `{"eventName":"OrderbookUpdate","data":{"orderbook":{"symbol":"BTC-PERP","bids":[]}}}`,
			kind:    KindOrderbookUpdate,
			routing: "BTC-PERP",
		},
		{
			name:    "market health uses top-level symbol",
			frame:   `{"eventName":"MarketHealth","data":{"status":"ACTIVE","symbol":"ETH-PERP"}}`,
			kind:    KindMarketHealth,
			routing: "ETH-PERP",
		},
		{
			name:    "recent trades uses first trade",
			frame:   `{"eventName":"RecentTrades","data":{"trades":[{"symbol":"DOT-PERP"},{"symbol":"DOT-PERP"}]}}`,
			kind:    KindRecentTrades,
			routing: "DOT-PERP",
		},
		{
			name:    "order update",
			frame:   `{"eventName":"OrderUpdate","data":{"order":{"symbol":"BTC-PERP","id":1}}}`,
			kind:    KindOrderUpdate,
			routing: "BTC-PERP",
		},
		{
			name:    "exchange health has no routing key",
			frame:   `{"eventName":"ExchangeHealth","data":{"isAlive":true}}`,
			kind:    KindExchangeHealth,
			routing: "",
		},
		{
			name:    "account data has no routing key",
			frame:   `{"eventName":"AccountDataUpdate","data":{"accountData":{"address":"0xabc"}}}`,
			kind:    KindAccountDataUpdate,
			routing: "",
		},
		{
			name:    "candle stick keyed by full name",
			frame:   `{"eventName":"ETH-PERP@kline@1m","data":[1,2,3]}`,
			kind:    KindCandleStick,
			routing: "ETH-PERP@kline@1m",
		},
		{
			name:    "missing nested path falls back to data.symbol",
			frame:   `{"eventName":"PositionUpdate","data":{"symbol":"BTC-PERP"}}`,
			kind:    KindPositionUpdate,
			routing: "BTC-PERP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.frame), now)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, env.Kind())
			assert.Equal(t, tt.routing, env.RoutingKey())
			assert.Equal(t, now, env.ReceivedAt())
		})
	}
}

func TestDecode_UnknownKindIsNotAnError(t *testing.T) {
	env, err := Decode([]byte(`{"eventName":"SomethingNew","data":{"symbol":"BTC-PERP"}}`), time.Now())
	require.NoError(t, err)

	assert.Equal(t, KindUnknown, env.Kind())
	assert.Equal(t, "SomethingNew", env.Name())
	assert.Equal(t, "BTC-PERP", env.RoutingKey())
}

func TestDecode_DefaultNameIsUnknown(t *testing.T) {
	env, err := Decode([]byte(`{"eventName":"default","data":{}}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, env.Kind())
}

func TestDecode_Malformed(t *testing.T) {
	frames := []string{
		``,
		`not json`,
		`{"eventName":`,
		`["SUBSCRIBE",[]]`,
		`"OrderUpdate"`,
		`{"data":{}}`,
		`{"eventName":42,"data":{}}`,
		`{"eventName":"","data":{}}`,
	}

	for _, frame := range frames {
		_, err := Decode([]byte(frame), time.Now())
		var decodeErr *DecodeError
		if assert.Error(t, err, "frame %q", frame) {
			assert.True(t, errors.As(err, &decodeErr), "frame %q: want *DecodeError, got %T", frame, err)
		}
	}
}

func TestDecodeError_TruncatesFrame(t *testing.T) {
	big := make([]byte, 1000)
	for i := range big {
		big[i] = 'x'
	}
	err := &DecodeError{Frame: big, Reason: "invalid json"}
	assert.Less(t, len(err.Error()), 200)
}

func TestEnvelope_PayloadIsImmutable(t *testing.T) {
	env, err := Decode([]byte(`{"eventName":"OrderUpdate","data":{"order":{"symbol":"BTC-PERP","qty":"1.5"}}}`), time.Now())
	require.NoError(t, err)

	p := env.Payload()
	p[0] = '!'
	assert.Equal(t, byte('{'), env.Payload()[0])

	var body struct {
		Order struct {
			Symbol string `json:"symbol"`
			Qty    string `json:"qty"`
		} `json:"order"`
	}
	require.NoError(t, env.Decode(&body))
	assert.Equal(t, "BTC-PERP", body.Order.Symbol)
	assert.Equal(t, "1.5", body.Order.Qty)
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env, err := Decode([]byte(`{"eventName":"ExchangeHealth"}`), time.Now())
	require.NoError(t, err)

	var v map[string]interface{}
	assert.Error(t, env.Decode(&v))
}

func TestNewEnvelope_CopiesPayload(t *testing.T) {
	payload := []byte(`{"a":1}`)
	env := NewEnvelope(KindOrderUpdate, "BTC-PERP", payload, time.Time{})
	payload[0] = '!'

	assert.Equal(t, `{"a":1}`, string(env.Payload()))
	assert.Equal(t, "OrderUpdate", env.Name())
}

func TestEncodeSubscribe(t *testing.T) {
	frame, err := EncodeSubscribe(subscription.Market("BTC-PERP"))
	require.NoError(t, err)
	assert.JSONEq(t, `["SUBSCRIBE",[{"e":"globalUpdatesRoom","p":"BTC-PERP"}]]`, string(frame))

	frame, err = EncodeSubscribe(subscription.User("tok-123"))
	require.NoError(t, err)
	assert.JSONEq(t, `["SUBSCRIBE",[{"e":"userUpdatesRoom","t":"tok-123"}]]`, string(frame))
}

func TestEncodeUnsubscribe(t *testing.T) {
	frame, err := EncodeUnsubscribe(subscription.Market("ETH-PERP"))
	require.NoError(t, err)
	assert.JSONEq(t, `["UNSUBSCRIBE",[{"e":"globalUpdatesRoom","p":"ETH-PERP"}]]`, string(frame))
}

func TestEncode_RejectsInvalidSubscription(t *testing.T) {
	_, err := EncodeSubscribe(subscription.Market(""))
	assert.ErrorIs(t, err, subscription.ErrEmptyKey)
}

func TestDecodeControl_ReadsEncodedFrames(t *testing.T) {
	frame, err := EncodeUnsubscribe(subscription.User("tok-123"))
	require.NoError(t, err)

	op, subs, err := DecodeControl(frame)
	require.NoError(t, err)
	assert.Equal(t, OpUnsubscribe, op)
	assert.Equal(t, []subscription.Subscription{subscription.User("tok-123")}, subs)
}

func TestDecodeControl_Malformed(t *testing.T) {
	for _, frame := range []string{
		`{}`,
		`["SUBSCRIBE"]`,
		`["JOIN",[]]`,
		`["SUBSCRIBE",[{"e":"nowhere"}]]`,
	} {
		_, _, err := DecodeControl([]byte(frame))
		assert.Error(t, err, "frame %q", frame)
	}
}

func TestCandleStickKey(t *testing.T) {
	assert.Equal(t, "BTC-PERP@kline@5m", CandleStickKey("BTC-PERP", "5m"))
	assert.Equal(t, KindCandleStick, classify(CandleStickKey("BTC-PERP", "5m")))
	assert.Equal(t, KindUnknown, classify("@kline@5m"))
	assert.Equal(t, KindUnknown, classify("BTC-PERP@kline@"))
}
