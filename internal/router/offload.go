package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rickgao/ffly-stream/internal/codec"
	"github.com/rickgao/ffly-stream/internal/handler"
	"github.com/rickgao/ffly-stream/internal/metrics"
)

// Offloader runs a handler on its own goroutine, fed by a growable queue.
// Envelopes are processed one at a time in the order they were enqueued.
type Offloader struct {
	name    string
	h       handler.Handler
	queue   *Queue[codec.Envelope]
	logger  *slog.Logger
	metrics *metrics.Metrics

	processed atomic.Int64
	failed    atomic.Int64
	done      chan struct{}
}

// OffloadOption configures an Offloader.
type OffloadOption func(*Offloader)

// OffloadName labels the worker in logs and metrics.
func OffloadName(name string) OffloadOption {
	return func(o *Offloader) { o.name = name }
}

// OffloadLogger sets the worker's logger.
func OffloadLogger(l *slog.Logger) OffloadOption {
	return func(o *Offloader) { o.logger = l }
}

// OffloadMetrics reports queue depth to m.
func OffloadMetrics(m *metrics.Metrics) OffloadOption {
	return func(o *Offloader) { o.metrics = m }
}

// Offload starts a worker goroutine that feeds h from a queue with the
// given initial capacity. Register the result of Handler in place of h;
// call Stop to drain the queue and end the worker.
func Offload(h handler.Handler, bufferSize int, opts ...OffloadOption) *Offloader {
	o := &Offloader{
		name:  "offload",
		h:     h,
		queue: NewQueue[codec.Envelope](bufferSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "offload", "name", o.name)

	go o.run()
	return o
}

// Handler returns a handler that enqueues envelopes and returns at once.
// After Stop it returns ErrOffloadClosed.
func (o *Offloader) Handler() handler.Handler {
	return func(env codec.Envelope) error {
		if !o.queue.Push(env) {
			return ErrOffloadClosed
		}
		o.metrics.SetOffloadDepth(o.name, o.queue.Len())
		return nil
	}
}

// Stop closes the queue and waits for the worker to finish what was
// already enqueued. If ctx expires first the worker keeps draining in the
// background and Stop returns the context error.
func (o *Offloader) Stop(ctx context.Context) error {
	o.queue.Close()

	select {
	case <-o.done:
		o.logger.Debug("offload worker stopped", "processed", o.processed.Load())
		return nil
	case <-ctx.Done():
		o.logger.Warn("offload stop timed out", "pending", o.queue.Len())
		return fmt.Errorf("stop offload %s: %w", o.name, ctx.Err())
	}
}

// Processed returns how many envelopes the worker has handled.
func (o *Offloader) Processed() int64 { return o.processed.Load() }

// Failed returns how many envelopes the handler failed on.
func (o *Offloader) Failed() int64 { return o.failed.Load() }

// Stats returns the queue statistics.
func (o *Offloader) Stats() QueueStats { return o.queue.Stats() }

func (o *Offloader) run() {
	defer close(o.done)

	for {
		env, ok := o.queue.Pop()
		if !ok {
			return
		}
		if herr := call(o.h, env); herr != nil {
			o.failed.Add(1)
			o.logger.Warn("offloaded handler failed", "kind", herr.Kind, "routing_key", herr.RoutingKey, "error", herr.Err)
		}
		o.processed.Add(1)
		o.metrics.SetOffloadDepth(o.name, o.queue.Len())
	}
}
