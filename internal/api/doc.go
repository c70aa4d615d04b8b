// Package api implements the combiner's HTTP surface.
//
// New(cfg) returns an http.Handler that serves:
//
//	GET /api/v1/status  plugin identity, engine state, last status and error
//	GET /api/v1/rules   active rules with effective operation and policy
//	GET /api/v1/values  value store contents and the last output batch
//	GET /api/v1/schema  JSON schema of the plugin settings
//	GET /metrics        Prometheus registry (when a Gatherer is set)
//	GET /ws/stream      every published delta, pushed over a websocket
//
// JSON endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. Response types are defined in types.go.
package api
