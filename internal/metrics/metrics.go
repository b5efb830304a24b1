package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ffly"

// Metrics holds the client's collectors.
type Metrics struct {
	sessionState      prometheus.Gauge
	transitions       *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	framesReceived    prometheus.Counter
	decodeErrors      prometheus.Counter
	dispatched        *prometheus.CounterVec
	handlerErrors     *prometheus.CounterVec
	unhandled         *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	controlFrames     *prometheus.CounterVec
	subscriptions     prometheus.Gauge
	offloadDepth      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0=disconnected 1=connecting 2=open 3=draining 4=closed 5=errored)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after a transport failure",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames read from the socket",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dispatched_total",
			Help:      "Envelopes dispatched by event kind",
		}, []string{"kind"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error or panicked",
		}, []string{"kind"}),
		unhandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_unhandled_total",
			Help:      "Envelopes with no registered handler",
		}, []string{"kind"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running all handlers for one envelope",
			Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		controlFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_frames_sent_total",
			Help:      "SUBSCRIBE/UNSUBSCRIBE frames written to the socket",
		}, []string{"op"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Subscriptions in the registry",
		}),
		offloadDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offload_queue_depth",
			Help:      "Envelopes waiting in an offload queue",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.sessionState,
		m.transitions,
		m.reconnectAttempts,
		m.framesReceived,
		m.decodeErrors,
		m.dispatched,
		m.handlerErrors,
		m.unhandled,
		m.dispatchDuration,
		m.controlFrames,
		m.subscriptions,
		m.offloadDepth,
	)
	return m
}

// StateChanged records a session transition. toValue is the numeric value
// of the new state.
func (m *Metrics) StateChanged(from, to string, toValue int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	m.sessionState.Set(float64(toValue))
}

// ReconnectAttempt counts one reconnect attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// FrameReceived counts one inbound frame.
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// DecodeError counts one undecodable frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// Dispatched records one envelope of kind handled by n handlers in d.
func (m *Metrics) Dispatched(kind string, n int, d time.Duration) {
	if m == nil {
		return
	}
	if n == 0 {
		m.unhandled.WithLabelValues(kind).Inc()
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
	m.dispatchDuration.Observe(d.Seconds())
}

// HandlerError counts one failed handler invocation.
func (m *Metrics) HandlerError(kind string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(kind).Inc()
}

// ControlFrameSent counts one control frame for op.
func (m *Metrics) ControlFrameSent(op string) {
	if m == nil {
		return
	}
	m.controlFrames.WithLabelValues(op).Inc()
}

// SetSubscriptions sets the registry size.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// SetOffloadDepth sets the queue depth of the named offload worker.
func (m *Metrics) SetOffloadDepth(name string, n int) {
	if m == nil {
		return
	}
	m.offloadDepth.WithLabelValues(name).Set(float64(n))
}
