// Package codec implements the Envelope Codec.
//
// Inbound frames are JSON objects of the form
//
//	{"eventName": "OrderbookUpdate", "data": {"orderbook": {"symbol": "BTC-PERP", ...}}}
//
// and decode into an Envelope carrying the event kind, an optional routing
// key (market symbol or candle key), the raw payload and a receive timestamp.
// Only the envelope is interpreted here; payload schemas belong to callers.
//
// Outbound control frames join or leave rooms:
//
//	["SUBSCRIBE",[{"e":"globalUpdatesRoom","p":"BTC-PERP"}]]
//	["UNSUBSCRIBE",[{"e":"userUpdatesRoom","t":"<token>"}]]
package codec
