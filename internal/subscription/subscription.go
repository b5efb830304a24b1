// Package subscription tracks the set of streams the application wants to
// receive, independent of whether a connection is currently open.
//
// The registry is the source of truth for replay: every time the Session
// reaches Open it sends one control frame per entry, in insertion order.
package subscription

import (
	"errors"
	"strconv"
)

// ErrEmptyKey is returned when a subscription has no symbol or token.
var ErrEmptyKey = errors.New("subscription key is empty")

// Kind identifies the room a subscription joins.
type Kind uint8

const (
	// GlobalMarket streams public per-market updates (orderbook, trades, health).
	GlobalMarket Kind = iota + 1
	// UserChannel streams private per-user updates (orders, positions, account).
	UserChannel

	globalMarketStr = "global"
	userChannelStr  = "user"
)

func (k Kind) String() string {
	switch k {
	case GlobalMarket:
		return globalMarketStr
	case UserChannel:
		return userChannelStr
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Subscription identifies one desired stream. Two subscriptions are the same
// stream when both Kind and Key match, so the struct is usable as a map key.
type Subscription struct {
	Kind Kind
	Key  string // market symbol for GlobalMarket, auth token for UserChannel
}

// Market returns the subscription for a market symbol's global updates.
func Market(symbol string) Subscription {
	return Subscription{Kind: GlobalMarket, Key: symbol}
}

// User returns the subscription for the user identified by token.
func User(token string) Subscription {
	return Subscription{Kind: UserChannel, Key: token}
}

// Validate reports whether the subscription can be encoded.
func (s Subscription) Validate() error {
	if s.Kind != GlobalMarket && s.Kind != UserChannel {
		return errors.New("unsupported subscription kind: " + s.Kind.String())
	}
	if s.Key == "" {
		return ErrEmptyKey
	}
	return nil
}

// String is safe to log: user tokens are redacted to their first four bytes.
func (s Subscription) String() string {
	if s.Kind == UserChannel {
		return userChannelStr + ":" + redact(s.Key)
	}
	return s.Kind.String() + ":" + s.Key
}

func redact(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
