package codec

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the event kind of an inbound envelope.
type Kind string

// Event kinds emitted by the venue.
const (
	KindOrderbookUpdate         Kind = "OrderbookUpdate"
	KindMarketDataUpdate        Kind = "MarketDataUpdate"
	KindMarketHealth            Kind = "MarketHealth"
	KindExchangeHealth          Kind = "ExchangeHealth"
	KindRecentTrades            Kind = "RecentTrades"
	KindCandleStick             Kind = "CandleStick" // wire name is "<symbol>@kline@<interval>"
	KindOrderUpdate             Kind = "OrderUpdate"
	KindOrderCancellationFailed Kind = "OrderCancellationFailed"
	KindPositionUpdate          Kind = "PositionUpdate"
	KindUserTrade               Kind = "UserTrade"
	KindAccountDataUpdate       Kind = "AccountDataUpdate"

	// KindUnknown is assigned to frames whose event name is not recognized.
	KindUnknown Kind = "Unknown"

	// KindDefault is never decoded. Handlers registered under it receive every
	// envelope, after the kind-specific handlers.
	KindDefault Kind = "default"
)

const klineInfix = "@kline@"

// routingPaths lists, per kind, where the routing key lives inside "data".
var routingPaths = map[Kind]string{
	KindOrderbookUpdate:         "data.orderbook.symbol",
	KindMarketDataUpdate:        "data.marketData.symbol",
	KindMarketHealth:            "data.symbol",
	KindRecentTrades:            "data.trades.0.symbol",
	KindOrderUpdate:             "data.order.symbol",
	KindOrderCancellationFailed: "data.order.symbol",
	KindPositionUpdate:          "data.position.symbol",
	KindUserTrade:               "data.trade.symbol",
}

var knownKinds = map[string]Kind{
	string(KindOrderbookUpdate):         KindOrderbookUpdate,
	string(KindMarketDataUpdate):        KindMarketDataUpdate,
	string(KindMarketHealth):            KindMarketHealth,
	string(KindExchangeHealth):          KindExchangeHealth,
	string(KindRecentTrades):            KindRecentTrades,
	string(KindOrderUpdate):             KindOrderUpdate,
	string(KindOrderCancellationFailed): KindOrderCancellationFailed,
	string(KindPositionUpdate):          KindPositionUpdate,
	string(KindUserTrade):               KindUserTrade,
	string(KindAccountDataUpdate):       KindAccountDataUpdate,
}

// CandleStickKey returns the routing key of candle-stick updates for
// symbol at interval, e.g. "ETH-PERP@kline@1m".
func CandleStickKey(symbol, interval string) string {
	return symbol + klineInfix + interval
}

// classify maps a wire event name to a Kind.
func classify(name string) Kind {
	if k, ok := knownKinds[name]; ok {
		return k
	}
	if i := strings.Index(name, klineInfix); i > 0 && i+len(klineInfix) < len(name) {
		return KindCandleStick
	}
	return KindUnknown
}

// Envelope is one decoded inbound message. It is immutable once built.
type Envelope struct {
	kind       Kind
	name       string
	routingKey string
	payload    []byte
	receivedAt time.Time
}

// NewEnvelope builds an envelope. The payload is copied.
func NewEnvelope(kind Kind, routingKey string, payload []byte, receivedAt time.Time) Envelope {
	return Envelope{
		kind:       kind,
		name:       string(kind),
		routingKey: routingKey,
		payload:    append([]byte(nil), payload...),
		receivedAt: receivedAt,
	}
}

// Kind returns the classified event kind.
func (e Envelope) Kind() Kind { return e.kind }

// Name returns the event name exactly as it appeared on the wire.
func (e Envelope) Name() string { return e.name }

// RoutingKey returns the market symbol (or candle key) the event belongs to,
// or "" when the event carries none.
func (e Envelope) RoutingKey() string { return e.routingKey }

// ReceivedAt is the local time the frame was read from the socket.
func (e Envelope) ReceivedAt() time.Time { return e.receivedAt }

// Payload returns a copy of the raw JSON "data" value.
func (e Envelope) Payload() []byte {
	return append([]byte(nil), e.payload...)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", e.name)
	}
	if err := json.Unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.name, err)
	}
	return nil
}

// DecodeError reports an inbound frame that could not be parsed.
type DecodeError struct {
	Frame  []byte
	Reason string
}

func (e *DecodeError) Error() string {
	const maxFrame = 128
	frame := e.Frame
	if len(frame) > maxFrame {
		frame = frame[:maxFrame]
	}
	return fmt.Sprintf("decode frame: %s (frame %q)", e.Reason, frame)
}
