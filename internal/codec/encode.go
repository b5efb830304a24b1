package codec

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/rickgao/ffly-stream/internal/subscription"
)

// Control frame operations.
const (
	OpSubscribe   = "SUBSCRIBE"
	OpUnsubscribe = "UNSUBSCRIBE"
)

// Rooms joined by subscribe frames.
const (
	RoomGlobalUpdates = "globalUpdatesRoom"
	RoomUserUpdates   = "userUpdatesRoom"
)

// roomRequest is one entry of a control frame: {"e": room, "p": symbol} or
// {"e": room, "t": token}.
type roomRequest struct {
	Room   string `json:"e"`
	Symbol string `json:"p,omitempty"`
	Token  string `json:"t,omitempty"`
}

// EncodeSubscribe serializes the control frame that joins sub's room.
func EncodeSubscribe(sub subscription.Subscription) ([]byte, error) {
	return encodeControl(OpSubscribe, sub)
}

// EncodeUnsubscribe serializes the control frame that leaves sub's room.
func EncodeUnsubscribe(sub subscription.Subscription) ([]byte, error) {
	return encodeControl(OpUnsubscribe, sub)
}

func encodeControl(op string, sub subscription.Subscription) ([]byte, error) {
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}

	req := roomRequest{}
	switch sub.Kind {
	case subscription.GlobalMarket:
		req.Room = RoomGlobalUpdates
		req.Symbol = sub.Key
	case subscription.UserChannel:
		req.Room = RoomUserUpdates
		req.Token = sub.Key
	}

	data, err := json.Marshal([]interface{}{op, []roomRequest{req}})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	return data, nil
}

// DecodeControl parses a control frame produced by EncodeSubscribe or
// EncodeUnsubscribe. Venue simulators and tests use it to read what a
// client asked for.
func DecodeControl(frame []byte) (op string, subs []subscription.Subscription, err error) {
	if !gjson.ValidBytes(frame) {
		return "", nil, errors.New("decode control: invalid json")
	}
	arr := gjson.ParseBytes(frame).Array()
	if len(arr) != 2 || arr[0].Type != gjson.String || !arr[1].IsArray() {
		return "", nil, errors.New("decode control: want [op, [rooms...]]")
	}

	op = arr[0].Str
	if op != OpSubscribe && op != OpUnsubscribe {
		return "", nil, fmt.Errorf("decode control: unknown op %q", op)
	}

	for i, room := range arr[1].Array() {
		switch room.Get("e").Str {
		case RoomGlobalUpdates:
			subs = append(subs, subscription.Market(room.Get("p").Str))
		case RoomUserUpdates:
			subs = append(subs, subscription.User(room.Get("t").Str))
		default:
			return "", nil, fmt.Errorf("decode control: room %d: unknown room %q", i, room.Get("e").Str)
		}
	}
	return op, subs, nil
}
