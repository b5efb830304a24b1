package router

import (
	"errors"
	"fmt"

	"github.com/rickgao/ffly-stream/internal/codec"
)

// ErrOffloadClosed is returned by an offloaded handler after Stop.
var ErrOffloadClosed = errors.New("offload queue closed")

// HandlerError reports a handler that returned an error or panicked.
// Delivery to the remaining handlers continues regardless.
type HandlerError struct {
	Kind       codec.Kind
	RoutingKey string
	Err        error
	Panic      interface{} // recovered value, nil if the handler returned Err
}

func (e *HandlerError) Error() string {
	if e.RoutingKey == "" {
		return fmt.Sprintf("handler for %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("handler for %s/%s: %v", e.Kind, e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Stats contains dispatch counters.
type Stats struct {
	Dispatched    int64 // envelopes passed to Dispatch
	Delivered     int64 // handler invocations
	HandlerErrors int64
	Unhandled     int64 // envelopes with no handler
}
