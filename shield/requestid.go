package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/scrollcap/scrollcap/idgen"
	"github.com/scrollcap/scrollcap/kit"
)

var newRequestID = idgen.NanoID(8)

// RequestID generates a correlation ID for each request and injects it into
// the context, the response headers, and a per-request structured logger.
// The ID is stored under kit.RequestIDKey and the logger under LoggerKey.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
