// Package config loads and watches the combiner configuration file.
//
// Top-level types:
//   - Config{Combiner, Source, Sink, HTTP, GRPC, Tracing, Log}
//   - CombinerConfig: id, default policy and the ordered paths list; each
//     PathConfig (input[], output, operation, policy, description) converts
//     to a combine.Rule
//   - Source: signalk | prometheus, endpoint, context, period, auth, tls
//   - Sink: signalk | mqtt | log, endpoint, label, context, buffer_size, mqtt
//
// Load(path) reads the YAML file, applies defaults (500ms period, lenient
// policy, vessels.self context), overlays COMBINER_* environment variables
// and validates. An empty paths list is valid; a rule with fewer than two
// inputs is not.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It handles the rename->create
// pattern used by atomic-save editors by re-adding the watch after each
// reload.
//
// Schema() describes the paths list as JSON schema for configuration UIs.
package config
