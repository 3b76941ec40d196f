// Package wavtrack provides an [audio.Track] that streams a WAV file in real
// time. It backs the demo roster so the pipeline can run without a
// conferencing stack.
package wavtrack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

const defaultFrameDuration = 20 * time.Millisecond

// Option is a functional option for [Open] and [New].
type Option func(*Track)

// WithLoop restarts the file from the beginning at EOF instead of ending the
// track.
func WithLoop(loop bool) Option {
	return func(t *Track) { t.loop = loop }
}

// WithFrameDuration sets the length of each emitted frame. Default: 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(t *Track) {
		if d > 0 {
			t.frameDur = d
		}
	}
}

// Track is a real-time WAV-backed [audio.Track]. Frames are dropped when no
// reader keeps up, like a live microphone.
type Track struct {
	id       string
	format   beep.Format
	loop     bool
	frameDur time.Duration

	frames chan audio.Frame
	live   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ audio.Track = (*Track)(nil)

// Open decodes the WAV file at path and starts streaming it. The track stops
// when ctx is cancelled or [Track.Close] is called.
func Open(ctx context.Context, id, path string, opts ...Option) (*Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavtrack: open %q: %w", path, err)
	}
	t, err := New(ctx, id, f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

// New starts streaming WAV data read from r. r is closed when the track ends
// if it implements io.Closer.
func New(ctx context.Context, id string, r io.Reader, opts ...Option) (*Track, error) {
	s, format, err := wav.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("wavtrack: decode: %w", err)
	}

	t := &Track{
		id:       id,
		format:   format,
		frameDur: defaultFrameDuration,
		frames:   make(chan audio.Frame, 16),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.live.Store(true)

	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx, s)
	return t, nil
}

// ID implements [audio.Track].
func (t *Track) ID() string { return t.id }

// SampleRate implements [audio.Track].
func (t *Track) SampleRate() int { return int(t.format.SampleRate) }

// Frames implements [audio.Track].
func (t *Track) Frames() <-chan audio.Frame { return t.frames }

// Live implements [audio.Track].
func (t *Track) Live() bool { return t.live.Load() }

// Done is closed once the track has ended, either at EOF or after Close.
func (t *Track) Done() <-chan struct{} { return t.done }

// Close stops streaming and waits for the track to end.
func (t *Track) Close() error {
	t.once.Do(t.cancel)
	<-t.done
	return nil
}

func (t *Track) run(ctx context.Context, s beep.StreamSeekCloser) {
	defer close(t.done)
	defer close(t.frames)
	defer s.Close()
	defer t.live.Store(false)

	n := t.format.SampleRate.N(t.frameDur)
	stereo := make([][2]float64, n)
	ticker := time.NewTicker(t.frameDur)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		got, ok := s.Stream(stereo)
		if got > 0 {
			mono := make([]float32, got)
			for i := range mono {
				mono[i] = float32((stereo[i][0] + stereo[i][1]) / 2)
			}
			f := audio.Frame{Samples: mono, SampleRate: int(t.format.SampleRate), Timestamp: elapsed}
			select {
			case t.frames <- f:
			default:
			}
			elapsed += t.format.SampleRate.D(got)
		}

		if ok && got == n {
			continue
		}
		if err := s.Err(); err != nil {
			slog.Warn("wavtrack: stream error", "track_id", t.id, "err", err)
			return
		}
		if !t.loop {
			slog.Debug("wavtrack: end of file", "track_id", t.id)
			return
		}
		if err := s.Seek(0); err != nil {
			slog.Warn("wavtrack: rewind failed", "track_id", t.id, "err", err)
			return
		}
	}
}
