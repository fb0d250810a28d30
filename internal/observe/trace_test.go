package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "reply")
	defer span.End()

	cid := CorrelationID(ctx)
	if _, err := hex.DecodeString(cid); err != nil || len(cid) != 32 {
		t.Errorf("CorrelationID = %q, want 32 hex characters", cid)
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "dispatch.reply")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not start a recording span")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "dispatch.reply" {
		t.Fatalf("spans = %+v, want one dispatch.reply", spans)
	}
}

func TestWithCall(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx = WithCall(ctx, "s1", "CA1")
	ctx = WithCall(ctx, "s2", "")
	if got := SessionID(ctx); got != "s2" {
		t.Errorf("SessionID = %q, want the latest id s2", got)
	}
}

func TestLogger(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	spanCtx, span := tp.Tracer("test").Start(context.Background(), "call")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "plain",
			ctx:     context.Background(),
			notWant: []string{"trace_id", "session_id", "call_id"},
		},
		{
			name:    "call only",
			ctx:     WithCall(context.Background(), "sess-1", "CA1"),
			want:    []string{"session_id=sess-1", "call_id=CA1"},
			notWant: []string{"trace_id"},
		},
		{
			name:    "call without telephony id",
			ctx:     WithCall(context.Background(), "sess-2", ""),
			want:    []string{"session_id=sess-2"},
			notWant: []string{"call_id"},
		},
		{
			name: "span and call",
			ctx:  WithCall(spanCtx, "sess-3", "CA3"),
			want: []string{"session_id=sess-3", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx).Info("turn finished")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
