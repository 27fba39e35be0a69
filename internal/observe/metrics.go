// Package observe provides application-wide observability primitives for
// livecaption: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livecaption metrics.
const meterName = "github.com/MrWong99/livecaption"

// Chunk delivery outcomes for [Metrics.RecordChunk].
const (
	ChunkSent    = "sent"
	ChunkDropped = "dropped"
	ChunkFailed  = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SessionStartDuration tracks the time from a start request until both
	// capture and transport are live.
	SessionStartDuration metric.Float64Histogram

	// SessionDuration tracks how long transcription sessions last.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts audio frames delivered by the capture engine.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded because the consumer fell behind.
	FramesDropped metric.Int64Counter

	// AudioChunks counts encoded chunks handed to the transport. Use with
	// attribute:
	//   attribute.String("status", ChunkSent|ChunkDropped|ChunkFailed)
	AudioChunks metric.Int64Counter

	// AudioBytesSent counts encoded bytes accepted by the transport.
	AudioBytesSent metric.Int64Counter

	// Transcripts counts transcript updates. Use with attributes:
	//   attribute.String("final", "true"|"false"), attribute.String("language", ...)
	Transcripts metric.Int64Counter

	// Errors counts user-visible error reports. Use with attribute:
	//   attribute.String("type", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while a transcription session is live.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control-surface request latency, labelled
	// with the mux pattern ("route") and status code ("status"). Websocket
	// streams are not recorded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// device and connection start-up.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// session lengths.
var sessionBuckets = []float64{
	1, 10, 30, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionStartDuration, err = m.Float64Histogram("livecaption.session.start.duration",
		metric.WithDescription("Time from a start request until capture and transport are live."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livecaption.session.duration",
		metric.WithDescription("Length of transcription sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("livecaption.capture.frames",
		metric.WithDescription("Total audio frames delivered by the capture engine."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livecaption.capture.dropped",
		metric.WithDescription("Total audio frames dropped because the consumer fell behind."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("livecaption.transport.chunks",
		metric.WithDescription("Total encoded audio chunks by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("livecaption.transport.bytes_sent",
		metric.WithDescription("Total encoded audio bytes accepted by the transport."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("livecaption.transcripts",
		metric.WithDescription("Total transcript updates by finality and language."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("livecaption.errors",
		metric.WithDescription("Total user-visible error reports by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livecaption.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecaption.http.request.duration",
		metric.WithDescription("Control surface request latency by route and status."),
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

// RecordChunk records one encoded chunk with the given delivery status.
// Bytes are only counted for [ChunkSent].
func (m *Metrics) RecordChunk(ctx context.Context, status string, bytes int) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == ChunkSent {
		m.AudioBytesSent.Add(ctx, int64(bytes))
	}
}

// RecordTranscript records a transcript update.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool, language string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("final", strconv.FormatBool(final)),
			attribute.String("language", language),
		),
	)
}

// RecordError records a user-visible error report of the given type.
func (m *Metrics) RecordError(ctx context.Context, typ string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}
