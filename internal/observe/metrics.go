// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped by
// Prometheus through the registry that [InitProvider] sets up. Tests build
// their own [Metrics] with [NewMetrics] over a manual reader.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Pipeline stage names used as the "stage" attribute.
const (
	StageTranscribe = "transcribe"
	StageSentiment  = "sentiment"
	StageEmbed      = "embed"
	StageIdentify   = "identify"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage backend latency. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// ChunkDuration tracks end-to-end processing latency of one chunk.
	ChunkDuration metric.Float64Histogram

	// SweepDuration tracks how long one memory governor sweep takes.
	SweepDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksReceived counts chunks accepted from a transport. Use with
	// attribute: attribute.String("path", "direct"|"telephony")
	ChunksReceived metric.Int64Counter

	// ChunksDropped counts chunks discarded before analysis. Use with
	// attribute: attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// ResultsEmitted counts analysis results written to clients.
	ResultsEmitted metric.Int64Counter

	// ResultsSuppressed counts results withheld from clients. Use with
	// attribute: attribute.String("reason", ...)
	ResultsSuppressed metric.Int64Counter

	// SequenceAnomalies counts telephony sequence gaps and duplicates. Use
	// with attribute: attribute.String("kind", "gap"|"duplicate")
	SequenceAnomalies metric.Int64Counter

	// SpeakersCreated counts new speaker profiles.
	SpeakersCreated metric.Int64Counter

	// SpeakerEvictions counts evicted speaker profiles. Use with attribute:
	//   attribute.String("reason", "idle"|"cap"|"memory")
	SpeakerEvictions metric.Int64Counter

	// --- Error counters ---

	// StageErrors counts failed or timed-out pipeline stages. Use with
	// attribute: attribute.String("stage", ...)
	StageErrors metric.Int64Counter

	// SinkErrors counts result sink write failures.
	SinkErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open websocket connections. Use
	// with attribute: attribute.String("path", ...)
	ActiveConnections metric.Int64UpDownCounter

	// SpeakerProfiles tracks the number of live speaker profiles across all
	// sessions.
	SpeakerProfiles metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for per-chunk model latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("earshot.stage.duration",
		metric.WithDescription("Latency of a pipeline stage backend call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("earshot.chunk.duration",
		metric.WithDescription("End-to-end latency of processing one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SweepDuration, err = m.Float64Histogram("earshot.governor.sweep.duration",
		metric.WithDescription("Duration of one memory governor sweep."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksReceived, err = m.Int64Counter("earshot.chunks.received",
		metric.WithDescription("Total audio chunks received by ingress path."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("earshot.chunks.dropped",
		metric.WithDescription("Total audio chunks dropped before analysis by reason."),
	); err != nil {
		return nil, err
	}
	if met.ResultsEmitted, err = m.Int64Counter("earshot.results.emitted",
		metric.WithDescription("Total analysis results written to clients."),
	); err != nil {
		return nil, err
	}
	if met.ResultsSuppressed, err = m.Int64Counter("earshot.results.suppressed",
		metric.WithDescription("Total analysis results suppressed by reason."),
	); err != nil {
		return nil, err
	}
	if met.SequenceAnomalies, err = m.Int64Counter("earshot.sequence.anomalies",
		metric.WithDescription("Total telephony sequence gaps and duplicates."),
	); err != nil {
		return nil, err
	}
	if met.SpeakersCreated, err = m.Int64Counter("earshot.speakers.created",
		metric.WithDescription("Total speaker profiles created."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerEvictions, err = m.Int64Counter("earshot.speakers.evicted",
		metric.WithDescription("Total speaker profiles evicted by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StageErrors, err = m.Int64Counter("earshot.stage.errors",
		metric.WithDescription("Total failed or timed-out pipeline stages by stage."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("earshot.sink.errors",
		metric.WithDescription("Total result sink write failures."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("earshot.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by backend and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("earshot.active_connections",
		metric.WithDescription("Number of open streaming connections by path."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerProfiles, err = m.Int64UpDownCounter("earshot.speaker_profiles",
		metric.WithDescription("Number of live speaker profiles across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the latency and, on failure, the error counter of one
// pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.StageErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordChunkDropped is a convenience method that records a dropped chunk
// with its reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSuppressed is a convenience method that records a suppressed result
// with its reason.
func (m *Metrics) RecordSuppressed(ctx context.Context, reason string) {
	m.ResultsSuppressed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSequenceAnomaly is a convenience method that records a telephony
// sequence gap or duplicate.
func (m *Metrics) RecordSequenceAnomaly(ctx context.Context, kind string) {
	m.SequenceAnomalies.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEvictions records n evicted speaker profiles and lowers the live
// profile gauge accordingly.
func (m *Metrics) RecordEvictions(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.SpeakerEvictions.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.SpeakerProfiles.Add(ctx, -int64(n))
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}
