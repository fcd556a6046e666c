// Package observe provides application-wide observability primitives for
// the relay: OpenTelemetry metrics and the provider bootstrap that bridges
// them to a Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. Tests should
// use [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution; a nil *Metrics is safe to call everywhere and records nothing.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/polyglossa"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranslationDuration tracks translation provider latency.
	TranslationDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end utterance latency from finalization
	// to last delivery.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// TranslationsDelivered counts translation envelopes delivered to
	// students. Attribute: attribute.String("language", ...).
	TranslationsDelivered metric.Int64Counter

	// MessagesDropped counts outbound envelopes dropped by send-queue
	// backpressure. Attribute: attribute.String("type", ...).
	MessagesDropped metric.Int64Counter

	// ProviderErrors counts provider failures.
	// Attribute: attribute.String("kind", "translate"|"tts"|"stt").
	ProviderErrors metric.Int64Counter

	// SessionsExpired counts sessions expired by the sweeper.
	// Attribute: attribute.String("reason", ...).
	SessionsExpired metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live classroom sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks open client connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveStudents tracks subscribed students across all sessions.
	ActiveStudents metric.Int64UpDownCounter

	// ReusableCodes records the classroom codes returned to the pool on the
	// latest sweep tick.
	ReusableCodes metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// the low-latency translation path.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranslationDuration, err = m.Float64Histogram("polyglossa.translation.duration",
		metric.WithDescription("Latency of translation provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("polyglossa.tts.duration",
		metric.WithDescription("Latency of speech synthesis calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("polyglossa.pipeline.duration",
		metric.WithDescription("End-to-end utterance latency from finalization to delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TranslationsDelivered, err = m.Int64Counter("polyglossa.translations.delivered",
		metric.WithDescription("Translation envelopes delivered to students, by target language."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("polyglossa.messages.dropped",
		metric.WithDescription("Outbound envelopes dropped under send-queue backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("polyglossa.provider.errors",
		metric.WithDescription("Provider failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsExpired, err = m.Int64Counter("polyglossa.sessions.expired",
		metric.WithDescription("Sessions expired, by reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("polyglossa.sessions.active",
		metric.WithDescription("Live classroom sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("polyglossa.connections.active",
		metric.WithDescription("Open client connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStudents, err = m.Int64UpDownCounter("polyglossa.students.active",
		metric.WithDescription("Subscribed students across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.ReusableCodes, err = m.Int64Gauge("polyglossa.codes.reusable",
		metric.WithDescription("Classroom codes returned to the pool on the latest sweep tick."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// --- nil-safe recording helpers ---

// RecordDrop counts one dropped envelope. Safe on a nil receiver.
func (m *Metrics) RecordDrop(ctx context.Context, frameType string) {
	if m == nil {
		return
	}
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
}

// RecordProviderError counts one provider failure. Safe on a nil receiver.
func (m *Metrics) RecordProviderError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDelivery counts delivered translation envelopes. Safe on a nil
// receiver.
func (m *Metrics) RecordDelivery(ctx context.Context, language string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TranslationsDelivered.Add(ctx, n, metric.WithAttributes(attribute.String("language", language)))
}

// SessionStarted adjusts the session gauge for a newly created session. Safe
// on a nil receiver.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionExpired counts one expired session and adjusts the session gauge.
// Safe on a nil receiver.
func (m *Metrics) SessionExpired(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SessionsExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveSessions.Add(ctx, -1)
}

// StudentJoined adjusts the student gauge for one new subscriber. Safe on a
// nil receiver.
func (m *Metrics) StudentJoined(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveStudents.Add(ctx, 1)
}

// StudentsLeft adjusts the student gauge for n departed subscribers. Safe on
// a nil receiver.
func (m *Metrics) StudentsLeft(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ActiveStudents.Add(ctx, -int64(n))
}

// RecordTranslationDuration records one translation stage latency. Safe on a
// nil receiver.
func (m *Metrics) RecordTranslationDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TranslationDuration.Record(ctx, d.Seconds())
}

// RecordTTSDuration records one synthesis stage latency. Safe on a nil
// receiver.
func (m *Metrics) RecordTTSDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TTSDuration.Record(ctx, d.Seconds())
}

// RecordPipelineDuration records one end-to-end utterance latency. Safe on a
// nil receiver.
func (m *Metrics) RecordPipelineDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.Record(ctx, d.Seconds())
}

// ConnectionOpened adjusts the connection gauge. Safe on a nil receiver.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

// ConnectionClosed adjusts the connection gauge. Safe on a nil receiver.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}
