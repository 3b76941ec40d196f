package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio/mock"
)

// fakeSender records every chunk it is handed.
type fakeSender struct {
	mu     sync.Mutex
	ready  bool
	err    error
	chunks [][]byte
	sent   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{ready: true, sent: make(chan struct{}, 64)}
}

func (s *fakeSender) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSender) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, pcm)
	select {
	case s.sent <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSender) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func frame(n int, v float32, rate int) audio.Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.Frame{Samples: samples, SampleRate: rate}
}

// newTestPipeline returns a stopped pipeline whose clocks start at t0.
func newTestPipeline(t *testing.T, rate int, opts ...Option) (*Pipeline, *fakeSender) {
	t.Helper()
	s := newFakeSender()
	p := New(mock.NewTrack("mic", rate), s, opts...)
	p.reset(t0)
	return p, s
}

func TestPipeline_ForcedFlushWithoutSilence(t *testing.T) {
	t.Parallel()
	p, s := newTestPipeline(t, 16000)
	ctx := t.Context()

	var reasons []Reason
	for ms := 0; ms <= 2700; ms += 30 {
		p.push(frame(480, 0.3, 16000))
		if r := p.tick(ctx, at(ms)); r != ReasonNone {
			reasons = append(reasons, r)
		}
	}
	if len(reasons) == 0 {
		t.Fatal("continuous speech never flushed")
	}
	for _, r := range reasons {
		if r != ReasonForced {
			t.Errorf("flush reason = %v, want forced", r)
		}
	}
	if got := len(s.Chunks()); got != len(reasons) {
		t.Errorf("sent %d chunks, want %d", got, len(reasons))
	}
}

func TestPipeline_ExactlyOneUtteranceFlush(t *testing.T) {
	t.Parallel()
	p, s := newTestPipeline(t, 16000)
	ctx := t.Context()

	ms := 0
	for ; ms < 600; ms += 30 {
		p.push(frame(480, 0.3, 16000))
		if r := p.tick(ctx, at(ms)); r != ReasonNone {
			t.Fatalf("flush during speech at %dms: %v", ms, r)
		}
	}

	// Silence: the window needs three quiet frames before onset registers.
	var utterances []int
	for ; ms < 2000; ms += 30 {
		p.push(frame(480, 0, 16000))
		switch r := p.tick(ctx, at(ms)); r {
		case ReasonNone:
		case ReasonUtterance:
			utterances = append(utterances, ms)
		default:
			t.Fatalf("unexpected reason %v at %dms", r, ms)
		}
	}

	if len(utterances) != 1 {
		t.Fatalf("utterance flushes = %v, want exactly one", utterances)
	}
	if p.Speaking() {
		t.Error("speaking state not reset after utterance flush")
	}
	if got := len(s.Chunks()); got != 1 {
		t.Errorf("sent %d chunks, want 1", got)
	}
}

func TestPipeline_BufferFull(t *testing.T) {
	t.Parallel()
	pol := DefaultPolicy()
	pol.ForcedInterval = time.Hour
	pol.MaxBuffer = 100 * time.Millisecond
	p, s := newTestPipeline(t, 48000, WithPolicy(pol))
	ctx := t.Context()

	// 30ms frames at 48kHz are 480 samples once resampled to 16kHz; the
	// 1600-sample cap is reached on the fourth frame.
	var got Reason
	for i := range 4 {
		p.push(frame(1440, 0.3, 48000))
		got = p.tick(ctx, at(i*30))
	}
	if got != ReasonBufferFull {
		t.Fatalf("reason = %v, want buffer_full", got)
	}
	if p.Speaking() {
		t.Error("speaking state not reset after buffer-full flush")
	}

	chunks := s.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(chunks))
	}
	// 4*1440 samples at 48kHz -> 1920 samples at 16kHz -> 3840 bytes.
	if len(chunks[0]) != 3840 {
		t.Errorf("chunk length = %d, want 3840", len(chunks[0]))
	}
}

func TestPipeline_ZeroLengthFlushIsNoop(t *testing.T) {
	t.Parallel()
	p, s := newTestPipeline(t, 16000)

	if r := p.tick(t.Context(), at(3000)); r != ReasonForced {
		t.Fatalf("reason = %v, want forced", r)
	}
	if got := len(s.Chunks()); got != 0 {
		t.Errorf("sent %d chunks for an empty buffer, want 0", got)
	}
}

func TestPipeline_NotReadyDiscards(t *testing.T) {
	t.Parallel()
	p, s := newTestPipeline(t, 16000)
	s.ready = false

	p.push(frame(480, 0.3, 16000))
	p.tick(t.Context(), at(3000))
	if got := len(s.Chunks()); got != 0 {
		t.Fatalf("sent %d chunks while not ready, want 0", got)
	}

	// The buffer was cleared; a later ready flush carries only new audio.
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	p.push(frame(160, 0.3, 16000))
	p.tick(t.Context(), at(6000))
	chunks := s.Chunks()
	if len(chunks) != 1 || len(chunks[0]) != 320 {
		t.Fatalf("chunks = %d (first len %d), want one chunk of 320 bytes", len(chunks), firstLen(chunks))
	}
}

func TestPipeline_PreservesCaptureOrder(t *testing.T) {
	t.Parallel()
	p, s := newTestPipeline(t, 16000)

	for i := range 4 {
		p.push(frame(2, float32(i+1)/10, 16000))
	}
	p.tick(t.Context(), at(3000))

	chunks := s.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(chunks))
	}
	got := audio.DecodePCM16(chunks[0])
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("samples out of order: %v", got)
		}
	}
}

func TestPipeline_SendErrorDoesNotStop(t *testing.T) {
	t.Parallel()
	p, s := newTestPipeline(t, 16000)
	s.err = errors.New("boom")

	p.push(frame(480, 0.3, 16000))
	if r := p.tick(t.Context(), at(3000)); r != ReasonForced {
		t.Fatalf("reason = %v, want forced", r)
	}
	if got := len(s.Chunks()); got != 0 {
		t.Errorf("chunks = %d, want 0", got)
	}
}

func TestPipeline_StartStop(t *testing.T) {
	t.Parallel()
	pol := DefaultPolicy()
	pol.ForcedInterval = 40 * time.Millisecond
	track := mock.NewTrack("mic", 16000)
	s := newFakeSender()
	p := New(track, s, WithPolicy(pol), WithAnalysisInterval(5*time.Millisecond))

	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(t.Context()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}

	deadline := time.After(2 * time.Second)
	for len(s.Chunks()) == 0 {
		track.Push(frame(160, 0.3, 16000).Samples)
		select {
		case <-s.sent:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("no chunk sent by running pipeline")
		}
	}

	p.Stop()
	p.Stop()
	if p.Running() {
		t.Error("Running after Stop")
	}
	if !track.Live() {
		t.Error("Stop ended the borrowed track")
	}

	// Restart after stop.
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p.Stop()
}

func firstLen(chunks [][]byte) int {
	if len(chunks) == 0 {
		return 0
	}
	return len(chunks[0])
}

func spanValue(st tracetest.SpanStub, key attribute.Key) attribute.Value {
	for _, kv := range st.Attributes {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestPipeline_FlushSpans(t *testing.T) {
	t.Parallel()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p, s := newTestPipeline(t, 48000, WithTracerProvider(tp), WithParticipantID("yuki"))
	ctx := t.Context()

	// Empty forced flush: no span.
	p.tick(ctx, at(3000))
	if got := len(exp.GetSpans()); got != 0 {
		t.Fatalf("spans after empty flush = %d, want 0", got)
	}

	p.push(frame(1440, 0.3, 48000))
	p.tick(ctx, at(6000))

	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	p.push(frame(1440, 0.3, 48000))
	p.tick(ctx, at(9000))

	s.mu.Lock()
	s.ready, s.err = true, errors.New("socket gone")
	s.mu.Unlock()
	p.push(frame(1440, 0.3, 48000))
	p.tick(ctx, at(12000))

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	sent, dropped, failed := spans[0], spans[1], spans[2]

	for _, st := range spans {
		if st.Name != observe.SpanFlush {
			t.Errorf("span name = %q, want %q", st.Name, observe.SpanFlush)
		}
		if got := spanValue(st, observe.AttrParticipantID).AsString(); got != "yuki" {
			t.Errorf("participant = %q, want yuki", got)
		}
		if got := spanValue(st, observe.AttrFlushReason).AsString(); got != ReasonForced.String() {
			t.Errorf("reason = %q, want %q", got, ReasonForced)
		}
		if got := spanValue(st, observe.AttrFlushSamples).AsInt64(); got != 1440 {
			t.Errorf("samples = %d, want 1440", got)
		}
	}

	// 1440 samples at 48kHz resample to 480 at 16kHz.
	if got := spanValue(sent, observe.AttrFlushBytes).AsInt64(); got != 960 {
		t.Errorf("sent bytes = %d, want 960", got)
	}
	if sent.Status.Code == codes.Error {
		t.Errorf("sent flush status = %v", sent.Status)
	}
	if !spanValue(dropped, observe.AttrFlushDropped).AsBool() {
		t.Error("not-ready flush span should be marked dropped")
	}
	if failed.Status.Code != codes.Error {
		t.Errorf("failed send status = %v, want Error", failed.Status.Code)
	}
}

func TestPipeline_TrackEndReported(t *testing.T) {
	t.Parallel()
	track := mock.NewTrack("mic", 16000)
	ended := make(chan struct{}, 1)
	p := New(track, newFakeSender(),
		WithAnalysisInterval(5*time.Millisecond),
		WithOnTrackEnded(func() { ended <- struct{}{} }),
	)
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Stop)

	track.End()
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("track end was not reported")
	}
	p.Stop()
	if p.Running() {
		t.Error("Running after Stop")
	}
}
