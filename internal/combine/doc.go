// Package combine derives new telemetry values from the latest values of
// several input paths.
//
// store.go holds the Store: the latest float value per path, nothing more.
// Absent and zero are distinct states.
//
// rule.go describes one derived output (Rule) and the arithmetic it applies
// (Operation: addition | multiplication). Rules are validated once, when the
// engine starts, and never mutated afterwards.
//
// engine.go provides the stateful Engine. Process applies one batch of
// updates to the store (last write wins) and then evaluates every rule in
// declared order. Readiness is governed by Policy:
//   - strict: a rule with any absent input is skipped for this batch
//   - lenient: a rule computes over the inputs that are present; a
//     multiplication with fewer than two present values is skipped
//
// Engine lifecycle is STOPPED -> RUNNING -> STOPPED. Stop clears the store so
// a later Start begins from nothing.
package combine
