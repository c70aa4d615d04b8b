// Package auth provides API key authentication for the combiner's HTTP API
// and gRPC health endpoint.
//
// APIKeyInterceptor(mode, header, key) returns a gRPC UnaryServerInterceptor
// that validates the API key from the named metadata header. Middleware does
// the same for HTTP handlers.
//
// When mode != "apikey" or key == "", all calls pass through (useful for local
// development with auth disabled).
package auth
