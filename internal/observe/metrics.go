// Package observe provides application-wide observability primitives for
// callscribe: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped from
// /metrics. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callscribe metrics.
const meterName = "github.com/MrWong99/callscribe"

// Pipeline stage names used with [Metrics.RecordStage].
const (
	StageConvert    = "convert"
	StagePreprocess = "preprocess"
	StageRecognize  = "recognize"
	StageEmit       = "emit"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// CaptureBlocks counts blocks delivered by capture callbacks. Attribute:
	// channel.
	CaptureBlocks metric.Int64Counter

	// RingOverflows counts blocks evicted from a full ring buffer. Attribute:
	// channel.
	RingOverflows metric.Int64Counter

	// RingOccupancy is the fill ratio (0–1) of each channel's ring buffer.
	RingOccupancy metric.Float64Gauge

	// SequenceGaps counts missing block sequence numbers seen by consumers.
	SequenceGaps metric.Int64Counter

	// StreamReconnects counts device reconnect attempts. Attributes:
	// channel, outcome ("disconnected", "ok", "exhausted").
	StreamReconnects metric.Int64Counter

	// --- Processing ---

	// StageDuration tracks per-stage processing time. Attributes: channel,
	// stage.
	StageDuration metric.Float64Histogram

	// PreprocessSubstitutions counts frames replaced by silence.
	PreprocessSubstitutions metric.Int64Counter

	// RecognitionErrors counts recognition engine failures. Attributes:
	// channel, op.
	RecognitionErrors metric.Int64Counter

	// --- Emission ---

	// EndToEndLatency tracks capture-to-emission latency. Attributes:
	// channel, final.
	EndToEndLatency metric.Float64Histogram

	// EventsEmitted counts transcription events. Attributes: channel, final.
	EventsEmitted metric.Int64Counter

	// EmissionErrors counts failed sink deliveries. Attribute: sink.
	EmissionErrors metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of running capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// sub-second transcription budget.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureBlocks, err = m.Int64Counter("callscribe.capture.blocks",
		metric.WithDescription("Audio blocks delivered by capture callbacks."),
	); err != nil {
		return nil, err
	}
	if met.RingOverflows, err = m.Int64Counter("callscribe.ring.overflows",
		metric.WithDescription("Blocks evicted from a full ring buffer."),
	); err != nil {
		return nil, err
	}
	if met.RingOccupancy, err = m.Float64Gauge("callscribe.ring.occupancy",
		metric.WithDescription("Fill ratio of the ring buffer."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if met.SequenceGaps, err = m.Int64Counter("callscribe.ring.sequence_gaps",
		metric.WithDescription("Missing block sequence numbers seen by the consumer."),
	); err != nil {
		return nil, err
	}
	if met.StreamReconnects, err = m.Int64Counter("callscribe.capture.reconnects",
		metric.WithDescription("Capture device reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// Processing.
	if met.StageDuration, err = m.Float64Histogram("callscribe.stage.duration",
		metric.WithDescription("Processing time per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PreprocessSubstitutions, err = m.Int64Counter("callscribe.preprocess.substitutions",
		metric.WithDescription("Frames replaced by silence after a preprocessing failure."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("callscribe.recognition.errors",
		metric.WithDescription("Recognition engine failures by operation."),
	); err != nil {
		return nil, err
	}

	// Emission.
	if met.EndToEndLatency, err = m.Float64Histogram("callscribe.latency",
		metric.WithDescription("Latency from audio capture to event emission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EventsEmitted, err = m.Int64Counter("callscribe.events.emitted",
		metric.WithDescription("Transcription events emitted."),
	); err != nil {
		return nil, err
	}
	if met.EmissionErrors, err = m.Int64Counter("callscribe.events.errors",
		metric.WithDescription("Failed event deliveries by sink."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("callscribe.active_sessions",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callscribe.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

func channelAttr(channel string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}

// RecordStage records the duration of one pipeline stage for a channel.
func (m *Metrics) RecordStage(ctx context.Context, channel, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("stage", stage),
		),
	)
}

// RecordEmission records an emitted event and, when captured is known, its
// end-to-end latency.
func (m *Metrics) RecordEmission(ctx context.Context, channel string, final bool, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Bool("final", final),
	)
	m.EventsEmitted.Add(ctx, 1, attrs)
	if latency > 0 {
		m.EndToEndLatency.Record(ctx, latency.Seconds(), attrs)
	}
}

// RecordRecognitionError records a recognition failure.
func (m *Metrics) RecordRecognitionError(ctx context.Context, channel, op string) {
	m.RecognitionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("op", op),
		),
	)
}

// RecordEmissionError records a failed delivery to sink.
func (m *Metrics) RecordEmissionError(ctx context.Context, sink string) {
	m.EmissionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordReconnect records a reconnect attempt with its outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, channel, outcome string) {
	m.StreamReconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordRing records ring buffer occupancy and any new overflows and gaps
// since the previous sample.
func (m *Metrics) RecordRing(ctx context.Context, channel string, occupancy float64, newOverflows, newGaps uint64) {
	attrs := channelAttr(channel)
	m.RingOccupancy.Record(ctx, occupancy, attrs)
	if newOverflows > 0 {
		m.RingOverflows.Add(ctx, int64(newOverflows), attrs)
	}
	if newGaps > 0 {
		m.SequenceGaps.Add(ctx, int64(newGaps), attrs)
	}
}

// RecordCapture records blocks delivered by a capture stream.
func (m *Metrics) RecordCapture(ctx context.Context, channel string, blocks int64) {
	if blocks > 0 {
		m.CaptureBlocks.Add(ctx, blocks, channelAttr(channel))
	}
}

// RecordSubstitutions records frames replaced by silence.
func (m *Metrics) RecordSubstitutions(ctx context.Context, channel string, n int64) {
	if n > 0 {
		m.PreprocessSubstitutions.Add(ctx, n, channelAttr(channel))
	}
}
