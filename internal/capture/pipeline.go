// Package capture taps a participant's live audio track, buffers frames, and
// flushes them onto the transport according to a hybrid send policy.
//
// Every analysis tick the [Pipeline] measures the RMS of the most recent few
// frames, feeds it to a [Detector], and flushes when the detector reports an
// utterance boundary, the forced interval, or a full buffer. A flush
// concatenates the pending frames, resamples them to the target rate, converts
// them to 16-bit PCM and hands them to the [Sender] as one message.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

// ErrRunning is returned by [Pipeline.Start] when the pipeline is already
// running.
var ErrRunning = errors.New("capture: pipeline already running")

const (
	defaultTargetRate       = 16000
	defaultAnalysisWindow   = 3
	defaultAnalysisInterval = 30 * time.Millisecond
)

// Sender receives flushed PCM chunks.
type Sender interface {
	// Ready reports whether the transport accepts audio.
	Ready() bool

	// SendAudio transmits one chunk of 16-bit little-endian mono PCM.
	SendAudio(ctx context.Context, pcm []byte) error
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithPolicy sets the send policy thresholds. Default: [DefaultPolicy].
func WithPolicy(p Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

// WithTargetRate sets the wire sample rate. Default: 16000.
func WithTargetRate(hz int) Option {
	return func(pl *Pipeline) {
		if hz > 0 {
			pl.targetRate = hz
		}
	}
}

// WithAnalysisWindow sets how many recent frames the RMS covers. Default: 3.
func WithAnalysisWindow(frames int) Option {
	return func(pl *Pipeline) {
		if frames > 0 {
			pl.window = frames
		}
	}
}

// WithAnalysisInterval sets the evaluation period. Default: 30ms.
func WithAnalysisInterval(d time.Duration) Option {
	return func(pl *Pipeline) {
		if d > 0 {
			pl.interval = d
		}
	}
}

// WithParticipantID labels log lines with the participant identity.
func WithParticipantID(id string) Option {
	return func(pl *Pipeline) { pl.participantID = id }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithTracerProvider sets where flush spans are recorded. Default: the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(pl *Pipeline) { pl.tracer = observe.Tracer(tp) }
}

// WithOnTrackEnded registers fn, called from the capture loop when the track's
// frame channel closes. The loop exits after fn returns; fn must not call
// [Pipeline.Stop].
func WithOnTrackEnded(fn func()) Option {
	return func(pl *Pipeline) { pl.onTrackEnded = fn }
}

// Pipeline buffers one track's frames and flushes them to a [Sender].
//
// A Pipeline can be started again after [Pipeline.Stop]; each start resets
// the buffers and the speech state. It never closes the track.
type Pipeline struct {
	track         audio.Track
	sender        Sender
	policy        Policy
	targetRate    int
	window        int
	interval      time.Duration
	participantID string
	metrics       *observe.Metrics
	onTrackEnded  func()
	tracer        trace.Tracer

	mu         sync.Mutex
	nativeRate int
	pending    [][]float32
	pendingLen int
	recent     [][]float32
	det        *Detector
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a stopped pipeline reading from track and sending to sender.
func New(track audio.Track, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		track:      track,
		sender:     sender,
		policy:     DefaultPolicy(),
		targetRate: defaultTargetRate,
		window:     defaultAnalysisWindow,
		interval:   defaultAnalysisInterval,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.tracer == nil {
		p.tracer = observe.Tracer(nil)
	}
	p.reset(time.Now())
	return p
}

// Start begins reading frames and evaluating the send policy until ctx is
// cancelled or [Pipeline.Stop] is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrRunning
	}
	p.resetLocked(time.Now())

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)

	slog.Debug("capture: started", "participant_id", p.participantID, "native_rate", p.nativeRate)
	return nil
}

// Stop halts analysis and frame reading, waits for the loop to exit, and
// discards buffered audio. Safe to call more than once and on a stopped
// pipeline.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	p.mu.Lock()
	p.pending, p.pendingLen, p.recent = nil, 0, nil
	p.mu.Unlock()
	slog.Debug("capture: stopped", "participant_id", p.participantID)
}

// Running reports whether the pipeline is started.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	frames := p.track.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				slog.Debug("capture: track ended", "participant_id", p.participantID)
				if p.onTrackEnded != nil {
					p.onTrackEnded()
				}
				return
			}
			p.push(f)
		case now := <-ticker.C:
			p.tick(ctx, now)
		}
	}
}

func (p *Pipeline) reset(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked(now)
}

func (p *Pipeline) resetLocked(now time.Time) {
	p.nativeRate = p.track.SampleRate()
	p.pending, p.pendingLen, p.recent = nil, 0, nil
	p.det = NewDetector(p.policy, p.targetRate, now)
}

// push appends a frame to the pending buffer and the analysis window.
func (p *Pipeline) push(f audio.Frame) {
	if len(f.Samples) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.SampleRate > 0 {
		p.nativeRate = f.SampleRate
	}
	p.pending = append(p.pending, f.Samples)
	p.pendingLen += len(f.Samples)

	p.recent = append(p.recent, f.Samples)
	if n := len(p.recent); n > p.window {
		p.recent = p.recent[n-p.window:]
	}
}

// tick runs one policy evaluation at now and flushes if a trigger fires.
func (p *Pipeline) tick(ctx context.Context, now time.Time) Reason {
	p.mu.Lock()
	p.det.Observe(now, windowRMS(p.recent))
	buffered := p.pendingLen
	if p.nativeRate > 0 && p.nativeRate != p.targetRate {
		buffered = int(int64(p.pendingLen) * int64(p.targetRate) / int64(p.nativeRate))
	}
	reason := p.det.Decide(now, buffered)
	if reason == ReasonNone {
		p.mu.Unlock()
		return ReasonNone
	}
	chunks, total, rate := p.pending, p.pendingLen, p.nativeRate
	p.pending, p.pendingLen = nil, 0
	p.det.MarkSent(now, reason)
	p.mu.Unlock()

	p.flush(ctx, chunks, total, rate, reason)
	return reason
}

// flush concatenates, resamples, encodes and sends chunks. A flush with no
// samples is a no-op.
func (p *Pipeline) flush(ctx context.Context, chunks [][]float32, total, rate int, reason Reason) {
	if total == 0 {
		return
	}
	ctx, span := p.tracer.Start(ctx, observe.SpanFlush, trace.WithAttributes(
		observe.AttrParticipantID.String(p.participantID),
		observe.AttrFlushReason.String(reason.String()),
		observe.AttrFlushSamples.Int(total),
		observe.AttrSampleRate.Int(rate),
	))
	var err error
	defer func() { observe.EndSpan(span, err) }()

	if !p.sender.Ready() {
		span.SetAttributes(observe.AttrFlushDropped.Bool(true))
		p.metrics.FlushesDropped.Add(ctx, 1)
		slog.Debug("capture: transport not ready, chunk discarded",
			"participant_id", p.participantID, "reason", reason, "samples", total)
		return
	}

	start := time.Now()
	samples := make([]float32, 0, total)
	for _, c := range chunks {
		samples = append(samples, c...)
	}
	pcm := audio.EncodePCM16(samples, rate, p.targetRate)
	span.SetAttributes(observe.AttrFlushBytes.Int(len(pcm)))
	if err = p.sender.SendAudio(ctx, pcm); err != nil {
		slog.Warn("capture: send failed", "participant_id", p.participantID, "reason", reason, "err", err)
		return
	}
	p.metrics.RecordFlush(ctx, reason.String(), len(pcm), time.Since(start))
}

// Speaking reports the detector's speech state.
func (p *Pipeline) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.det.Speaking()
}

// windowRMS returns the RMS across all samples of the given frames.
func windowRMS(frames [][]float32) float64 {
	var n int
	for _, f := range frames {
		n += len(f)
	}
	if n == 0 {
		return 0
	}
	joined := make([]float32, 0, n)
	for _, f := range frames {
		joined = append(joined, f...)
	}
	return audio.RMS(joined)
}
