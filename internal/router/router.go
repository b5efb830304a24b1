// Package router delivers decoded envelopes to registered handlers.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/ffly-stream/internal/codec"
	"github.com/rickgao/ffly-stream/internal/handler"
	"github.com/rickgao/ffly-stream/internal/metrics"
)

// Router dispatches envelopes synchronously, in arrival order, on the
// caller's goroutine. A slow handler delays every later envelope; wrap it
// with Offload to move its work to a dedicated goroutine.
type Router struct {
	handlers *handler.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onError  func(*HandlerError)

	mu    sync.Mutex
	stats Stats
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics records dispatch metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithErrorObserver calls fn with every handler failure, after it is logged.
// fn runs on the dispatching goroutine.
func WithErrorObserver(fn func(*HandlerError)) Option {
	return func(r *Router) { r.onError = fn }
}

// New creates a Router over handlers.
func New(handlers *handler.Registry, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		handlers: handlers,
		logger:   logger.With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch invokes every handler matching env and returns how many ran.
// Handler errors and panics are contained: each is logged, counted and
// passed to the error observer, then delivery continues with the next
// handler.
func (r *Router) Dispatch(env codec.Envelope) int {
	hs := r.handlers.Lookup(env.Kind(), env.RoutingKey())
	start := time.Now()

	var failed int64
	for _, h := range hs {
		if herr := call(h, env); herr != nil {
			failed++
			r.report(herr)
		}
	}

	r.mu.Lock()
	r.stats.Dispatched++
	r.stats.Delivered += int64(len(hs))
	r.stats.HandlerErrors += failed
	if len(hs) == 0 {
		r.stats.Unhandled++
	}
	r.mu.Unlock()

	if len(hs) == 0 {
		r.logger.Debug("no handler for envelope", "event", env.Name(), "routing_key", env.RoutingKey())
	}
	r.metrics.Dispatched(string(env.Kind()), len(hs), time.Since(start))

	return len(hs)
}

// Stats returns current dispatch statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Router) report(herr *HandlerError) {
	if herr.Panic != nil {
		r.logger.Error("handler panicked", "kind", herr.Kind, "routing_key", herr.RoutingKey, "panic", herr.Panic)
	} else {
		r.logger.Warn("handler failed", "kind", herr.Kind, "routing_key", herr.RoutingKey, "error", herr.Err)
	}
	r.metrics.HandlerError(string(herr.Kind))
	if r.onError != nil {
		r.onError(herr)
	}
}

// call runs h, converting a returned error or a panic into a HandlerError.
func call(h handler.Handler, env codec.Envelope) (herr *HandlerError) {
	defer func() {
		if p := recover(); p != nil {
			herr = &HandlerError{
				Kind:       env.Kind(),
				RoutingKey: env.RoutingKey(),
				Err:        fmt.Errorf("panic: %v", p),
				Panic:      p,
			}
		}
	}()

	if err := h(env); err != nil {
		return &HandlerError{Kind: env.Kind(), RoutingKey: env.RoutingKey(), Err: err}
	}
	return nil
}
