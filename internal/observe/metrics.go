// Package observe provides application-wide observability primitives for
// notetaker: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all notetaker metrics.
const meterName = "github.com/MrWong99/notetaker"

// Session failure stages for [Metrics.RecordSessionFailure].
const (
	StageInput = "input"
	StageSTT   = "stt"
	StageVAD   = "vad"
	StageClose = "close"
)

// Finalize outcomes for [Metrics.RecordFinalize].
const (
	OutcomeSkipped   = "skipped"
	OutcomePersisted = "persisted"
	OutcomeNoRecord  = "no_record"
	OutcomeFailed    = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// CallsActive tracks the number of calls currently being transcribed.
	CallsActive metric.Int64UpDownCounter

	// SessionsActive tracks the number of live per-participant sessions
	// across all calls.
	SessionsActive metric.Int64UpDownCounter

	// --- Latency histograms ---

	// SessionOpenDuration tracks how long it takes to open a participant
	// session (input stream, STT stream, VAD session).
	SessionOpenDuration metric.Float64Histogram

	// AnalysisDuration tracks end-of-call analysis latency.
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// SessionFailures counts sessions that failed to open or close. Use with
	// attribute.String("stage", ...).
	SessionFailures metric.Int64Counter

	// Utterances counts completed utterances appended to a transcript.
	Utterances metric.Int64Counter

	// AnalysisFailures counts analysis runs that produced the empty result.
	// Use with attribute.String("reason", ...).
	AnalysisFailures metric.Int64Counter

	// FinalizeRuns counts finalization runs. Use with
	// attribute.String("outcome", ...).
	FinalizeRuns metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Analysis
// of long calls can take tens of seconds, so the upper range is wide.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.CallsActive, err = m.Int64UpDownCounter("notetaker.calls.active",
		metric.WithDescription("Number of calls currently being transcribed."),
	); err != nil {
		return nil, err
	}
	if met.SessionsActive, err = m.Int64UpDownCounter("notetaker.sessions.active",
		metric.WithDescription("Number of live participant sessions across all calls."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionOpenDuration, err = m.Float64Histogram("notetaker.session.open.duration",
		metric.WithDescription("Latency of opening a participant session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("notetaker.analysis.duration",
		metric.WithDescription("Latency of end-of-call transcript analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionFailures, err = m.Int64Counter("notetaker.session.failures",
		metric.WithDescription("Participant session failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("notetaker.utterances",
		metric.WithDescription("Completed utterances appended to call transcripts."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisFailures, err = m.Int64Counter("notetaker.analysis.failures",
		metric.WithDescription("Analysis runs that fell back to the empty result, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FinalizeRuns, err = m.Int64Counter("notetaker.finalize.runs",
		metric.WithDescription("Call finalization runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("notetaker.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("notetaker.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordSessionFailure records a session failure at the given stage.
func (m *Metrics) RecordSessionFailure(ctx context.Context, stage string) {
	m.SessionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordAnalysisFailure records an analysis run that yielded the empty result.
func (m *Metrics) RecordAnalysisFailure(ctx context.Context, reason string) {
	m.AnalysisFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFinalize records one finalization run with its outcome.
func (m *Metrics) RecordFinalize(ctx context.Context, outcome string) {
	m.FinalizeRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
