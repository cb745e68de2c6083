// Package shield provides the HTTP middleware applied in front of the
// scrollcap API: security headers, request IDs, body limits and rate
// limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	rl := shield.NewRateLimiter(shield.RateLimitConfig{})
//	for _, mw := range shield.DefaultStack(rl) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context. Returns
// slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the standard middleware chain for the API surface.
func DefaultStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		RequestID,
		rl.Middleware,
	}
}
