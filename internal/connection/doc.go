// Package connection implements the Connection State Machine and its
// WebSocket transport.
//
// A Session:
//   - Owns exactly one socket at a time
//   - Replays every registered subscription each time it reaches Open
//   - Reads frames on one receive loop, decoding and dispatching them in order
//   - Optionally reconnects with exponential backoff after transport loss
//
// Handlers run on the receive loop. A slow handler delays the envelopes behind
// it and the detection of transport loss for as long as it runs; use
// router.Offload for work that may block.
package connection
