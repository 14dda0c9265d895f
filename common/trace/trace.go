// Package trace carries a per-request correlation ID from the HTTP boundary
// down to log lines and audit rows.
package trace

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to accept and echo a caller-supplied ID.
const Header = "X-Trace-Id"

type traceKey struct{}

// GenerateID returns a fresh trace ID ("t_" followed by 32 hex characters).
func GenerateID() string {
	return "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a trace ID, otherwise
// a child context with a generated one. The ID in use is returned as well.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}
