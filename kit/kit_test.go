package kit

import (
	"context"
	"testing"
)

func TestTransport_DefaultsToHTTP(t *testing.T) {
	if got := GetTransport(context.Background()); got != "http" {
		t.Fatalf("default transport: got %q", got)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTransport(ctx, "mcp")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSessionID(ctx, "cap_abc")

	if got := GetTransport(ctx); got != "mcp" {
		t.Fatalf("transport: got %q", got)
	}
	if got := GetRequestID(ctx); got != "req-1" {
		t.Fatalf("request id: got %q", got)
	}
	if got := GetSessionID(ctx); got != "cap_abc" {
		t.Fatalf("session id: got %q", got)
	}
}

func TestGetters_MissingValues(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" || GetSessionID(ctx) != "" {
		t.Fatal("expected empty values on bare context")
	}
}
