package codec

import (
	"time"

	"github.com/tidwall/gjson"
)

// Decode parses an inbound frame of the form {"eventName": ..., "data": ...}.
//
// Frames that are not a JSON object or have no string eventName yield a
// *DecodeError. Unrecognized event names are not an error; they decode to
// KindUnknown so catch-all handlers still see them.
func Decode(frame []byte, receivedAt time.Time) (Envelope, error) {
	if !gjson.ValidBytes(frame) {
		return Envelope{}, &DecodeError{Frame: frame, Reason: "invalid json"}
	}

	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return Envelope{}, &DecodeError{Frame: frame, Reason: "frame is not an object"}
	}

	nameField := root.Get("eventName")
	if nameField.Type != gjson.String || nameField.Str == "" {
		return Envelope{}, &DecodeError{Frame: frame, Reason: "missing eventName"}
	}

	name := nameField.Str
	kind := classify(name)

	var payload []byte
	if data := root.Get("data"); data.Exists() {
		payload = []byte(data.Raw)
	}

	return Envelope{
		kind:       kind,
		name:       name,
		routingKey: routingKey(root, kind, name),
		payload:    payload,
		receivedAt: receivedAt,
	}, nil
}

func routingKey(root gjson.Result, kind Kind, name string) string {
	if kind == KindCandleStick {
		return name
	}
	if path, ok := routingPaths[kind]; ok {
		if v := root.Get(path); v.Type == gjson.String {
			return v.Str
		}
	}
	if v := root.Get("data.symbol"); v.Type == gjson.String {
		return v.Str
	}
	return ""
}
