package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/combiner/internal/config"
)

func enabled(mode, key string) bool {
	return mode == "apikey" && key != ""
}

func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor that enforces API key
// authentication on every incoming call.
//
// header should be lowercase; gRPC normalises metadata keys.
func APIKeyInterceptor(mode, header, key string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !enabled(mode, key) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		vals := md.Get(header)
		if len(vals) == 0 || !keyMatches(vals[0], key) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}

		return handler(ctx, req)
	}
}

// Middleware wraps next so requests must carry key in header. The key is also
// accepted as a bearer Authorization header or, for browser websocket clients
// that cannot set headers, as the api_key query parameter.
func Middleware(mode, header, key string, next http.Handler) http.Handler {
	if !enabled(mode, key) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(header)
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if got == "" {
			got = r.URL.Query().Get("api_key")
		}
		if got == "" || !keyMatches(got, key) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid api key"}`)) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTP wraps next according to cfg.
func HTTP(cfg config.ServerAuthConfig, next http.Handler) http.Handler {
	return Middleware(cfg.Mode, cfg.EffectiveHeader(), cfg.Key(), next)
}

// GRPC returns the interceptor configured by cfg.
func GRPC(cfg config.ServerAuthConfig) grpc.UnaryServerInterceptor {
	return APIKeyInterceptor(cfg.Mode, strings.ToLower(cfg.EffectiveHeader()), cfg.Key())
}
