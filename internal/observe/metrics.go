// Package observe provides application-wide observability primitives for
// airlog: OpenTelemetry metrics, tracing helpers, and HTTP middleware for the
// metrics endpoint.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all airlog metrics.
const meterName = "github.com/airlog-audio/airlog"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PublishDuration tracks broker acknowledgment latency per publish.
	PublishDuration metric.Float64Histogram

	// --- Counters ---

	// FramesPublished counts audio frames published, by channel.
	FramesPublished metric.Int64Counter

	// FramesPlayed counts audio frames rendered to the output device, by
	// channel.
	FramesPlayed metric.Int64Counter

	// SilenceSubstitutions counts frames degraded to silence: DTX on encode,
	// decode failure on playback. Use with attribute.String("cause", ...).
	SilenceSubstitutions metric.Int64Counter

	// ConsumerReconnects counts consumer subscribe attempts after the first,
	// by topic.
	ConsumerReconnects metric.Int64Counter

	// TimelineUpserts counts accepted session-record upserts.
	TimelineUpserts metric.Int64Counter

	// --- Error counters ---

	// DeliveryFailures counts publishes the broker did not acknowledge.
	DeliveryFailures metric.Int64Counter

	// RetryExhaustions counts consumers that terminated in the failed state.
	RetryExhaustions metric.Int64Counter

	// --- Gauges ---

	// ActiveCaptures tracks live capture sessions (0 or 1 per client).
	ActiveCaptures metric.Int64UpDownCounter

	// ActivePlaybacks tracks live playback sessions.
	ActivePlaybacks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// broker round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PublishDuration, err = m.Float64Histogram("airlog.publish.duration",
		metric.WithDescription("Broker acknowledgment latency per publish."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesPublished, err = m.Int64Counter("airlog.frames.published",
		metric.WithDescription("Total audio frames published by channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("airlog.frames.played",
		metric.WithDescription("Total audio frames rendered by channel."),
	); err != nil {
		return nil, err
	}
	if met.SilenceSubstitutions, err = m.Int64Counter("airlog.frames.silence_substitutions",
		metric.WithDescription("Frames degraded to silence by cause."),
	); err != nil {
		return nil, err
	}
	if met.ConsumerReconnects, err = m.Int64Counter("airlog.consumer.reconnects",
		metric.WithDescription("Consumer subscribe retries by topic."),
	); err != nil {
		return nil, err
	}
	if met.TimelineUpserts, err = m.Int64Counter("airlog.timeline.upserts",
		metric.WithDescription("Accepted session-record upserts."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DeliveryFailures, err = m.Int64Counter("airlog.publish.delivery_failures",
		metric.WithDescription("Publishes the broker did not acknowledge."),
	); err != nil {
		return nil, err
	}
	if met.RetryExhaustions, err = m.Int64Counter("airlog.consumer.retry_exhaustions",
		metric.WithDescription("Consumers terminated after spending their retry budget."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCaptures, err = m.Int64UpDownCounter("airlog.active_captures",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlaybacks, err = m.Int64UpDownCounter("airlog.active_playbacks",
		metric.WithDescription("Number of live playback sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("airlog.http.request.duration",
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

// RecordPublish records one publish: its broker round-trip duration and, on
// failure, a delivery-failure increment.
func (m *Metrics) RecordPublish(ctx context.Context, topic string, elapsed time.Duration, err error) {
	m.PublishDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("topic", topic)),
	)
	if err != nil {
		m.DeliveryFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("topic", topic)),
		)
	}
}

// RecordSilenceSubstitution records one frame degraded to silence.
// cause is "dtx" (encoder signalled silence) or "decode_failure".
func (m *Metrics) RecordSilenceSubstitution(ctx context.Context, cause string) {
	m.SilenceSubstitutions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordReconnect records one consumer subscribe retry.
func (m *Metrics) RecordReconnect(ctx context.Context, topic string) {
	m.ConsumerReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}

// RecordRetryExhaustion records one consumer giving up after its retry
// budget.
func (m *Metrics) RecordRetryExhaustion(ctx context.Context, topic string) {
	m.RetryExhaustions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}

// RecordFramePlayed records one frame rendered to the output device.
func (m *Metrics) RecordFramePlayed(ctx context.Context, channel string) {
	m.FramesPlayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}
