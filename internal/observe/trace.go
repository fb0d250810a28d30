package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxline"

// Tracer returns the voxline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type callKey struct{}

// callIDs identify the call a context belongs to.
type callIDs struct {
	sessionID string
	callID    string
}

// WithCall tags ctx with the session and telephony call ids so that every
// [Logger] derived from it names the call. A later WithCall replaces the
// earlier ids.
func WithCall(ctx context.Context, sessionID, callID string) context.Context {
	return context.WithValue(ctx, callKey{}, callIDs{sessionID: sessionID, callID: callID})
}

// SessionID returns the session id set by [WithCall], or "".
func SessionID(ctx context.Context) string {
	ids, _ := ctx.Value(callKey{}).(callIDs)
	return ids.sessionID
}

// Logger returns the default logger enriched with the call ids set by
// [WithCall] and with trace_id and span_id when ctx carries an active span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ids, ok := ctx.Value(callKey{}).(callIDs); ok {
		l = l.With(slog.String("session_id", ids.sessionID))
		if ids.callID != "" {
			l = l.With(slog.String("call_id", ids.callID))
		}
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
