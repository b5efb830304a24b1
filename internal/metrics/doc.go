// Package metrics provides Prometheus metrics for monitoring the stream client.
//
// Key metrics:
//   - Session state, transitions and reconnect attempts
//   - Inbound frame, decode error and dispatch rates per event kind
//   - Handler errors and envelopes with no handler
//   - Control frames sent and active subscriptions
//   - Offload queue depth
//
// A nil *Metrics is valid and records nothing.
package metrics
