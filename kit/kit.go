// Package kit holds the small transport-agnostic plumbing shared by the
// scrollcap HTTP and MCP surfaces: the Endpoint signature and request-scoped
// context values.
package kit

import "context"

// Endpoint is a transport-agnostic operation: decode happens at the edge,
// the endpoint only sees the typed request.
type Endpoint func(ctx context.Context, req any) (any, error)

type contextKey string

const (
	// TransportKey records which surface a request arrived on ("http", "mcp").
	TransportKey contextKey = "kit_transport"
	// RequestIDKey carries the per-request correlation ID.
	RequestIDKey contextKey = "kit_request_id"
	// SessionIDKey carries the capture session ID once one is resolved.
	SessionIDKey contextKey = "kit_session_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
