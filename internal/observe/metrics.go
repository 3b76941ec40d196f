// Package observe provides application-wide observability primitives for the
// translation client: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FlushDuration tracks how long a capture flush takes to concatenate,
	// resample, encode and send one chunk.
	FlushDuration metric.Float64Histogram

	// HandshakeDuration tracks the time from socket dial to handshake ack.
	HandshakeDuration metric.Float64Histogram

	// --- Counters ---

	// Flushes counts capture flushes. Use with attribute:
	//   attribute.String("reason", "utterance"|"forced"|"buffer_full")
	Flushes metric.Int64Counter

	// FlushesDropped counts flushes discarded because the transport was not
	// ready.
	FlushesDropped metric.Int64Counter

	// BytesSent counts PCM payload bytes handed to the transport.
	BytesSent metric.Int64Counter

	// SessionsCreated counts participant sessions registered by the
	// orchestrator.
	SessionsCreated metric.Int64Counter

	// SessionTeardowns counts participant session teardowns. Use with attribute:
	//   attribute.String("reason", ...)
	SessionTeardowns metric.Int64Counter

	// ReconnectAttempts counts transport reconnect attempts.
	ReconnectAttempts metric.Int64Counter

	// Transcripts counts transcript messages received. Use with attribute:
	//   attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// TTSPayloads counts inbound synthesized speech payloads. Use with attribute:
	//   attribute.String("status", "played"|"skipped")
	TTSPayloads metric.Int64Counter

	// ChannelEvictions counts playback channel evictions. Use with attribute:
	//   attribute.String("cause", "idle"|"capacity")
	ChannelEvictions metric.Int64Counter

	// --- Error counters ---

	// PlaybackErrors counts decode/playback failures.
	PlaybackErrors metric.Int64Counter

	// ProtocolErrors counts malformed inbound messages.
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live participant sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackChannels tracks the number of allocated playback channels.
	PlaybackChannels metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks local API latency by method, matched route
	// and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// capture and handshake paths.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FlushDuration, err = m.Float64Histogram("eum.capture.flush.duration",
		metric.WithDescription("Latency of encoding and sending one capture flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("eum.transport.handshake.duration",
		metric.WithDescription("Time from socket dial to handshake acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Flushes, err = m.Int64Counter("eum.capture.flushes",
		metric.WithDescription("Total capture flushes by trigger reason."),
	); err != nil {
		return nil, err
	}
	if met.FlushesDropped, err = m.Int64Counter("eum.capture.flushes_dropped",
		metric.WithDescription("Total flushes discarded because the transport was not ready."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("eum.capture.bytes_sent",
		metric.WithDescription("Total PCM bytes handed to the transport."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SessionsCreated, err = m.Int64Counter("eum.sessions.created",
		metric.WithDescription("Total participant sessions created."),
	); err != nil {
		return nil, err
	}
	if met.SessionTeardowns, err = m.Int64Counter("eum.sessions.teardowns",
		metric.WithDescription("Total participant session teardowns by reason."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("eum.transport.reconnects",
		metric.WithDescription("Total transport reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("eum.transport.transcripts",
		metric.WithDescription("Total transcript messages received."),
	); err != nil {
		return nil, err
	}
	if met.TTSPayloads, err = m.Int64Counter("eum.transport.tts_payloads",
		metric.WithDescription("Total synthesized speech payloads received by status."),
	); err != nil {
		return nil, err
	}
	if met.ChannelEvictions, err = m.Int64Counter("eum.playback.evictions",
		metric.WithDescription("Total playback channel evictions by cause."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PlaybackErrors, err = m.Int64Counter("eum.playback.errors",
		metric.WithDescription("Total decode or playback failures."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("eum.transport.protocol_errors",
		metric.WithDescription("Total malformed inbound messages."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("eum.active_sessions",
		metric.WithDescription("Number of live participant sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChannels, err = m.Int64UpDownCounter("eum.playback.channels",
		metric.WithDescription("Number of allocated playback channels."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("eum.http.request.duration",
		metric.WithDescription("Local API latency by method, route and status."),
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

// RecordFlush records one successful capture flush: the reason counter, the
// payload size, and the encode-and-send latency.
func (m *Metrics) RecordFlush(ctx context.Context, reason string, bytes int, d time.Duration) {
	m.Flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.BytesSent.Add(ctx, int64(bytes))
	m.FlushDuration.Record(ctx, d.Seconds())
}

// RecordTeardown records a session teardown with the given reason.
func (m *Metrics) RecordTeardown(ctx context.Context, reason string) {
	m.SessionTeardowns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscript records a received transcript message.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}

// RecordTTSPayload records an inbound speech payload with its routing status.
func (m *Metrics) RecordTTSPayload(ctx context.Context, status string) {
	m.TTSPayloads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEviction records a playback channel eviction with its cause.
func (m *Metrics) RecordEviction(ctx context.Context, cause string) {
	m.ChannelEvictions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
	m.PlaybackChannels.Add(ctx, -1)
}
