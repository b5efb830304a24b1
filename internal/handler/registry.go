// Package handler maps event kinds and routing keys to ordered callbacks.
package handler

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/ffly-stream/internal/codec"
)

// Handler consumes one envelope. A returned error is reported but does not
// stop delivery to the remaining handlers.
type Handler func(env codec.Envelope) error

// Token identifies a registration for later removal.
type Token uuid.UUID

// String returns the token's UUID form.
func (t Token) String() string { return uuid.UUID(t).String() }

type entry struct {
	token      Token
	kind       codec.Kind
	routingKey string
	fn         Handler
}

// Registry holds handler registrations. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds h for envelopes of kind. An empty routingKey matches every
// envelope of that kind. Registering under codec.KindDefault receives all
// envelopes after the kind-specific handlers. Duplicate registrations are
// kept and each fires.
func (r *Registry) Register(kind codec.Kind, routingKey string, h Handler) Token {
	tok := Token(uuid.New())

	r.mu.Lock()
	r.entries = append(r.entries, entry{
		token:      tok,
		kind:       kind,
		routingKey: routingKey,
		fn:         h,
	})
	r.mu.Unlock()

	return tok
}

// Unregister removes the registration identified by tok. Returns false if
// it was not present.
func (r *Registry) Unregister(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.token == tok {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the handlers for an envelope of kind with routingKey, in
// invocation order:
//
//  1. kind + exact routingKey
//  2. kind with no routing key
//  3. codec.KindDefault whose routing key is empty or equals routingKey
//
// Within each tier handlers appear in registration order. The returned
// slice is owned by the caller.
func (r *Registry) Lookup(kind codec.Kind, routingKey string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var exact, wildcard, fallback []Handler
	for _, e := range r.entries {
		switch {
		case e.kind == codec.KindDefault:
			if e.routingKey == "" || e.routingKey == routingKey {
				fallback = append(fallback, e.fn)
			}
		case e.kind != kind:
		case e.routingKey == "":
			wildcard = append(wildcard, e.fn)
		case routingKey != "" && e.routingKey == routingKey:
			exact = append(exact, e.fn)
		}
	}

	out := make([]Handler, 0, len(exact)+len(wildcard)+len(fallback))
	out = append(out, exact...)
	out = append(out, wildcard...)
	return append(out, fallback...)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
