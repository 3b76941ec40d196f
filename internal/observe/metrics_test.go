package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value,
// or -1 if none does.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
			return dp.Value
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"eum.capture.flush.duration", m.FlushDuration},
		{"eum.transport.handshake.duration", m.HandshakeDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.012)
		tc.h.Record(ctx, 0.034)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordFlush(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFlush(ctx, "utterance", 3200, 2*time.Millisecond)
	m.RecordFlush(ctx, "utterance", 1600, time.Millisecond)
	m.RecordFlush(ctx, "forced", 80000, 4*time.Millisecond)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "eum.capture.flushes", "reason", "utterance"); got != 2 {
		t.Errorf("utterance flushes = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "eum.capture.flushes", "reason", "forced"); got != 1 {
		t.Errorf("forced flushes = %d, want 1", got)
	}

	met := findMetric(rm, "eum.capture.bytes_sent")
	if met == nil {
		t.Fatal("bytes_sent not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("bytes_sent has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 84800 {
		t.Errorf("bytes_sent = %d, want 84800", got)
	}
}

func TestRecordTeardown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTeardown(ctx, "left")
	m.RecordTeardown(ctx, "left")
	m.RecordTeardown(ctx, "reconnect_exhausted")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "eum.sessions.teardowns", "reason", "left"); got != 2 {
		t.Errorf("left teardowns = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "eum.sessions.teardowns", "reason", "reconnect_exhausted"); got != 1 {
		t.Errorf("exhausted teardowns = %d, want 1", got)
	}
}

func TestRecordTranscriptAndTTS(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, true)
	m.RecordTranscript(ctx, false)
	m.RecordTranscript(ctx, true)
	m.RecordTTSPayload(ctx, "played")
	m.RecordTTSPayload(ctx, "skipped")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "eum.transport.transcripts", "final", "true"); got != 2 {
		t.Errorf("final transcripts = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "eum.transport.tts_payloads", "status", "skipped"); got != 1 {
		t.Errorf("skipped payloads = %d, want 1", got)
	}
}

func TestRecordEviction_DecrementsChannels(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PlaybackChannels.Add(ctx, 3)
	m.RecordEviction(ctx, "idle")
	m.RecordEviction(ctx, "capacity")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "eum.playback.evictions", "cause", "idle"); got != 1 {
		t.Errorf("idle evictions = %d, want 1", got)
	}

	met := findMetric(rm, "eum.playback.channels")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("playback.channels has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(2) as Add(1)+Add(1).
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.PlaybackChannels.Add(ctx, 4)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"eum.active_sessions", 2},
		{"eum.playback.channels", 4},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", "GET /healthz"),
			attribute.Int("status", 200),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "eum.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
