// Package trace provides request-scoped trace identifiers for structured
// logging across the capture path, the turn machine, and the HTTP surface.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

// TraceIDHeader propagates the trace id over HTTP.
const TraceIDHeader = "X-Trace-Id"

type ctxKey struct{}

// Context holds the identifiers for one traced operation.
type Context struct {
	TraceID string
	SpanID  string
}

// New creates a trace context with fresh ids.
func New() Context {
	return Context{TraceID: newID(16), SpanID: newID(8)}
}

func newID(bytes int) string {
	b := make([]byte, bytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext extracts the trace context, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// WithContext injects a trace context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// EnsureContext returns the existing trace context or creates one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// Logger returns a slog.Logger carrying the trace identifiers.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With("trace_id", tc.TraceID, "span_id", tc.SpanID)
}

// Span is a timed operation within a trace.
type Span struct {
	Name    string
	started time.Time
	log     *slog.Logger
}

// StartSpan begins a span as a child of the context's trace; the returned
// context carries a fresh span id.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	ctx, tc := EnsureContext(ctx)
	tc.SpanID = newID(8)
	ctx = WithContext(ctx, tc)
	return ctx, &Span{Name: name, started: time.Now(), log: Logger(ctx)}
}

// End logs the span completion with its duration.
func (s *Span) End() {
	s.log.Debug("span complete", "span", s.Name, "duration", time.Since(s.started))
}

// Middleware injects a trace context into each request, honoring an
// incoming X-Trace-Id header.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := New()
		if id := r.Header.Get(TraceIDHeader); id != "" {
			tc.TraceID = id
		}
		w.Header().Set(TraceIDHeader, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}
