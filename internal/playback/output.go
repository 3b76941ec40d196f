package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

// Output is the shared audio output context. The engine hands it one root
// streamer at construction; the output pulls from it until closed.
type Output interface {
	// Start begins pulling samples from s at sample rate sr.
	Start(sr beep.SampleRate, s beep.Streamer) error

	// Close stops pulling and releases the device. Close must not be called
	// from inside s.Stream.
	Close() error
}

// errOutputStarted is returned when Start is called twice on one output.
var errOutputStarted = errors.New("playback: output already started")

// ─── ManualOutput ─────────────────────────────────────────────────────────────

// ManualOutput is an [Output] that only produces samples when [ManualOutput.Pull]
// is called. It lets tests drive the mixer deterministically.
type ManualOutput struct {
	mu     sync.Mutex
	sr     beep.SampleRate
	s      beep.Streamer
	closed bool
}

var _ Output = (*ManualOutput)(nil)

// NewManualOutput returns an unstarted ManualOutput.
func NewManualOutput() *ManualOutput { return &ManualOutput{} }

// Start implements [Output].
func (o *ManualOutput) Start(sr beep.SampleRate, s beep.Streamer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.s != nil {
		return errOutputStarted
	}
	o.sr, o.s = sr, s
	return nil
}

// Close implements [Output].
func (o *ManualOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Pull streams n stereo samples from the root streamer. It returns nil when the
// output has not been started or is closed.
func (o *ManualOutput) Pull(n int) [][2]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.s == nil || o.closed {
		return nil
	}
	buf := make([][2]float64, n)
	o.s.Stream(buf)
	return buf
}

// Advance pulls d worth of samples at the output rate.
func (o *ManualOutput) Advance(d time.Duration) [][2]float64 {
	o.mu.Lock()
	sr := o.sr
	o.mu.Unlock()
	return o.Pull(sr.N(d))
}

// ─── WriterOutput ─────────────────────────────────────────────────────────────

// WriterOutput is a headless [Output] that renders the mix in real time as
// 16-bit little-endian mono PCM into an [io.Writer].
type WriterOutput struct {
	w      io.Writer
	period time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Output = (*WriterOutput)(nil)

// NewWriterOutput returns an output that writes one block of mixed audio to w
// every period. A non-positive period defaults to 20ms.
func NewWriterOutput(w io.Writer, period time.Duration) *WriterOutput {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	return &WriterOutput{w: w, period: period}
}

// Start implements [Output].
func (o *WriterOutput) Start(sr beep.SampleRate, s beep.Streamer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil {
		return errOutputStarted
	}
	n := sr.N(o.period)
	if n <= 0 {
		return fmt.Errorf("playback: period %s too short for %d Hz", o.period, sr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(ctx, s, n)
	return nil
}

func (o *WriterOutput) run(ctx context.Context, s beep.Streamer, n int) {
	defer close(o.done)

	ticker := time.NewTicker(o.period)
	defer ticker.Stop()

	stereo := make([][2]float64, n)
	mono := make([]float32, n)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		clear(stereo)
		s.Stream(stereo)
		for i := range stereo {
			mono[i] = float32((stereo[i][0] + stereo[i][1]) / 2)
		}
		if _, err := o.w.Write(audio.Int16ToBytes(audio.FloatToInt16(mono))); err != nil {
			slog.Warn("playback: output write failed, stopping", "err", err)
			return
		}
	}
}

// Close implements [Output]. It waits for the render goroutine to exit.
func (o *WriterOutput) Close() error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
