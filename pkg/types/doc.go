// Package types defines the Signal K delta envelope shared by the
// subscription sources and the update sinks.
//
// A Delta carries a context (usually "vessels.self" or "vessels.<urn>") and a
// list of Updates; each Update groups path/value pairs under one source and
// timestamp. Values are kept as raw JSON because Signal K values may be
// numbers, strings, objects or null. Numbers() flattens a delta to the numeric
// observations only, in arrival order.
package types
