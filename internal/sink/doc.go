// Package sink publishes combined values.
//
// An Emitter wraps each output batch in a Signal K delta (one update carrying
// the plugin's source label and an ISO-8601 timestamp) and hands it to a
// Transport. Transports:
//
//   - Shipper writes deltas back to a Signal K server over its websocket
//     stream. Send is non-blocking; a bounded buffer evicts the oldest delta
//     when full and Run reconnects with exponential backoff.
//   - MQTT publishes each value to <prefix>/<path with dots as slashes>.
//   - Log only logs.
//   - Fanout sends to several transports.
package sink
