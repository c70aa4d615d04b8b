// Package source supplies batches of telemetry values to the combiner.
//
// Subscriber.Subscribe(ctx, Request, Handler) opens a subscription and
// returns a Subscription handle; Close releases it and may be called any
// number of times. Handlers are invoked from a single goroutine per
// subscription, so deltas arrive strictly one after another.
//
// Implementations:
//   - SignalK: websocket stream (`?subscribe=none` then an explicit
//     subscribe message with a per-path period). The hello message and
//     request responses are consumed; everything else is handed over as a
//     delta, including envelopes with no updates. Lost connections are
//     reported through OnError and re-established with exponential backoff.
//   - Prometheus: polls a text exposition endpoint and sums the metric
//     family mapped to each path (explicit mapping, or dots -> underscores).
package source
