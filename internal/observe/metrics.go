// Package observe provides observability primitives for voxline:
// OpenTelemetry metrics and tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to a
// Prometheus registry by [InitProvider] so they can be scraped from /metrics.
// A package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry instruments for the application.
type Metrics struct {
	// --- Turn latency ---

	// TurnTTFB is end-of-turn to first reply audio frame.
	TurnTTFB metric.Float64Histogram

	// TurnRoundTrip is end-of-turn to the last reply audio frame.
	TurnRoundTrip metric.Float64Histogram

	// CompletionDuration is request to first text chunk, by "path".
	CompletionDuration metric.Float64Histogram

	// SynthesisTTFB is first text chunk to first audio frame.
	SynthesisTTFB metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts backend calls by "provider", "kind" and "status".
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts backend errors by "provider" and "kind".
	ProviderErrors metric.Int64Counter

	// BargeIns counts replies interrupted by the caller.
	BargeIns metric.Int64Counter

	// Fallbacks counts fallback utterances by "reason".
	Fallbacks metric.Int64Counter

	// UtterancesQueued counts finals that waited behind an in-flight reply.
	UtterancesQueued metric.Int64Counter

	// PostcallRuns counts post-call pipeline runs by "result".
	PostcallRuns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live calls.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time by "method" and "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds tuned for voice turns.
var latencyBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.TurnTTFB, err = histogram("voxline.turn.ttfb",
		"Time from caller end-of-turn to first reply audio frame."); err != nil {
		return nil, err
	}
	if met.TurnRoundTrip, err = histogram("voxline.turn.round_trip",
		"Time from caller end-of-turn to the end of the reply audio."); err != nil {
		return nil, err
	}
	if met.CompletionDuration, err = histogram("voxline.completion.duration",
		"Time from completion request to first text, by path."); err != nil {
		return nil, err
	}
	if met.SynthesisTTFB, err = histogram("voxline.synthesis.ttfb",
		"Time from first reply text to first synthesized frame."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("voxline.provider.requests",
		metric.WithDescription("Backend requests by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxline.provider.errors",
		metric.WithDescription("Backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxline.barge_ins",
		metric.WithDescription("Replies interrupted by the caller."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("voxline.fallbacks",
		metric.WithDescription("Fallback utterances spoken, by reason."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesQueued, err = m.Int64Counter("voxline.utterances.queued",
		metric.WithDescription("Final utterances queued behind an in-flight reply."),
	); err != nil {
		return nil, err
	}
	if met.PostcallRuns, err = m.Int64Counter("voxline.postcall.runs",
		metric.WithDescription("Post-call pipeline runs by result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxline.active_sessions",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first call from [otel.GetMeterProvider]. Call it only after
// [InitProvider] so instruments bind to the real provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one backend call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

// RecordProviderError counts one backend error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind),
	))
}

// RecordCompletion records time-to-first-text for one reply on path.
func (m *Metrics) RecordCompletion(ctx context.Context, path string, d time.Duration) {
	m.CompletionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("path", path)))
}

// RecordFallback counts one fallback utterance.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordPostcall counts one post-call pipeline run.
func (m *Metrics) RecordPostcall(ctx context.Context, result string) {
	m.PostcallRuns.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}
