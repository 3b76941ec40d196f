// Package playback plays translated speech for many participants in parallel.
//
// An [Engine] owns one shared [Output] and a set of per-participant channels
// mixed into it. Each channel plays at most one source at a time; starting a
// new source on a channel replaces the old one without touching any other
// channel. Channels are created lazily, evicted when idle for too long, and
// evicted oldest-first when the configured capacity is exceeded. A channel is
// never evicted while it is playing.
//
// Decoding, mixing, gain and resampling are built on github.com/gopxl/beep.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
)

// ErrNoIdleChannel is returned when a new channel is needed but every
// existing channel is playing and the engine is at capacity.
var ErrNoIdleChannel = errors.New("playback: all channels busy")

// ErrClosed is returned by playback calls after [Engine.Close].
var ErrClosed = errors.New("playback: engine closed")

// PlaybackError reports a decode or playback failure for one participant.
type PlaybackError struct {
	ParticipantID string
	Err           error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: participant %q: %v", e.ParticipantID, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

const (
	defaultSampleRate    = 48000
	defaultMaxChannels   = 8
	defaultIdleTimeout   = 30 * time.Second
	defaultSweepInterval = 10 * time.Second
)

// Option is a functional option for [New].
type Option func(*Engine)

// WithSampleRate sets the output sample rate. Default: 48000.
func WithSampleRate(hz int) Option {
	return func(e *Engine) {
		if hz > 0 {
			e.sr = beep.SampleRate(hz)
		}
	}
}

// WithMaxChannels sets the channel capacity. Default: 8.
func WithMaxChannels(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxChannels = n
		}
	}
}

// WithIdleTimeout sets how long an idle channel survives before the sweep
// removes it. Default: 30s.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTimeout = d
		}
	}
}

// WithSweepInterval sets how often idle channels are swept. Zero disables the
// background sweep. Default: 10s.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithOnPlayStart registers a callback fired when a channel goes from idle to
// playing.
func WithOnPlayStart(fn func(participantID string)) Option {
	return func(e *Engine) { e.onStart = fn }
}

// WithOnPlayEnd registers a callback fired when a channel's source runs to
// completion.
func WithOnPlayEnd(fn func(participantID string)) Option {
	return func(e *Engine) { e.onEnd = fn }
}

// WithOnError registers a callback fired on decode or playback failure. The
// error is always a *[PlaybackError].
func WithOnError(fn func(err error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type eventKind int

const (
	eventStart eventKind = iota
	eventEnd
	eventError
)

type event struct {
	kind eventKind
	id   string
	err  error
}

// Engine mixes per-participant playback channels into one [Output].
//
// All methods are safe for concurrent use. Callbacks are delivered in order on
// a dedicated goroutine and may call back into the engine.
type Engine struct {
	out           Output
	sr            beep.SampleRate
	maxChannels   int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	onStart       func(string)
	onEnd         func(string)
	onError       func(error)
	metrics       *observe.Metrics
	now           func() time.Time

	mu       sync.Mutex
	channels map[string]*channel
	gains    map[string]float64
	mixer    *beep.Mixer
	master   *effects.Gain
	volume   float64
	closed   bool
	events   []event

	wake      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an engine and starts out with the engine's mix as its source.
func New(out Output, opts ...Option) (*Engine, error) {
	e := &Engine{
		out:           out,
		sr:            defaultSampleRate,
		maxChannels:   defaultMaxChannels,
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		channels:      make(map[string]*channel),
		gains:         make(map[string]float64),
		mixer:         &beep.Mixer{},
		volume:        1,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.master = &effects.Gain{Streamer: e.mixer}

	if err := out.Start(e.sr, rootStreamer{e}); err != nil {
		return nil, fmt.Errorf("playback: start output: %w", err)
	}

	e.wg.Add(1)
	go e.dispatch()
	if e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop()
	}
	return e, nil
}

// SampleRate returns the output sample rate.
func (e *Engine) SampleRate() int { return int(e.sr) }

// Play decodes a compressed payload (MP3 or WAV) and plays it on the channel
// of participantID, replacing whatever that channel was playing. An empty
// participantID uses a shared default channel.
//
// Failures are returned and also reported through the error callback; the
// channel is left idle.
func (e *Engine) Play(data []byte, participantID string) error {
	buf, err := decodeCompressed(data)
	if err != nil {
		return e.fail(participantID, err)
	}
	return e.start(participantID, buf)
}

// PlayRaw plays 16-bit little-endian mono PCM recorded at sampleRate on the
// channel of participantID. Resampling to the output rate happens inside the
// engine.
func (e *Engine) PlayRaw(data []byte, sampleRate int, participantID string) error {
	buf, err := decodeRaw(data, sampleRate)
	if err != nil {
		return e.fail(participantID, err)
	}
	return e.start(participantID, buf)
}

func (e *Engine) start(id string, buf *beep.Buffer) error {
	src := source(buf, e.sr)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ch, err := e.channelLocked(id)
	if err != nil {
		e.mu.Unlock()
		return e.fail(id, err)
	}
	ch.src = src
	ch.lastActive = e.now()
	if !ch.playing {
		ch.playing = true
		e.enqueueLocked(event{kind: eventStart, id: id})
	}
	e.mu.Unlock()

	slog.Debug("playback: started", "participant_id", id, "duration", buf.Format().SampleRate.D(buf.Len()))
	return nil
}

// fail resets the participant's channel to idle and reports err.
func (e *Engine) fail(id string, err error) error {
	pe := &PlaybackError{ParticipantID: id, Err: err}

	e.mu.Lock()
	if ch, ok := e.channels[id]; ok {
		ch.reset(e.now())
	}
	if !e.closed {
		e.enqueueLocked(event{kind: eventError, id: id, err: pe})
	}
	e.mu.Unlock()

	e.metrics.PlaybackErrors.Add(context.Background(), 1)
	slog.Warn("playback: failed", "participant_id", id, "err", err)
	return pe
}

// channelLocked returns the channel for id, creating it if needed. e.mu must
// be held.
func (e *Engine) channelLocked(id string) (*channel, error) {
	if ch, ok := e.channels[id]; ok {
		return ch, nil
	}
	for len(e.channels) >= e.maxChannels {
		if !e.evictOldestIdleLocked("capacity") {
			return nil, ErrNoIdleChannel
		}
	}

	ch := &channel{id: id, e: e, lastActive: e.now()}
	ch.gain = &effects.Gain{Streamer: ch}
	if g, ok := e.gains[id]; ok {
		ch.gain.Gain = g - 1
	}
	e.channels[id] = ch
	e.mixer.Add(ch.gain)
	e.metrics.PlaybackChannels.Add(context.Background(), 1)
	return ch, nil
}

// evictOldestIdleLocked removes the idle channel with the oldest activity.
// Reports false if every channel is playing.
func (e *Engine) evictOldestIdleLocked(cause string) bool {
	var victim *channel
	for _, ch := range e.channels {
		if ch.playing {
			continue
		}
		if victim == nil || ch.lastActive.Before(victim.lastActive) {
			victim = ch
		}
	}
	if victim == nil {
		return false
	}
	e.removeLocked(victim, cause)
	return true
}

func (e *Engine) removeLocked(ch *channel, cause string) {
	ch.closed = true
	ch.src = nil
	delete(e.channels, ch.id)
	e.metrics.RecordEviction(context.Background(), cause)
	slog.Debug("playback: channel evicted", "participant_id", ch.id, "cause", cause)
}

// Stop stops the source playing on participantID's channel. It is a no-op if
// nothing is playing there.
func (e *Engine) Stop(participantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.channels[participantID]; ok {
		ch.reset(e.now())
	}
}

// StopAll stops every playing channel.
func (e *Engine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, ch := range e.channels {
		ch.reset(now)
	}
}

// SetVolume sets the master gain, clamped to [0, 1]. It applies to every
// channel from the next rendered block.
func (e *Engine) SetVolume(v float64) {
	v = clamp01(v)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = v
	e.master.Gain = v - 1
}

// Volume returns the master gain.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// SetChannelGain sets the gain of participantID's channel, clamped to [0, 1].
// The value is remembered for channels created later.
func (e *Engine) SetChannelGain(participantID string, g float64) {
	g = clamp01(g)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gains[participantID] = g
	if ch, ok := e.channels[participantID]; ok {
		ch.gain.Gain = g - 1
	}
}

// Playing reports whether participantID's channel is playing.
func (e *Engine) Playing(participantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[participantID]
	return ok && ch.playing
}

// ChannelCount returns the number of allocated channels.
func (e *Engine) ChannelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

// Close force-closes every channel, stops background work and closes the
// output. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		n := len(e.channels)
		for _, ch := range e.channels {
			ch.closed = true
			ch.src = nil
		}
		clear(e.channels)
		e.mu.Unlock()
		e.metrics.PlaybackChannels.Add(context.Background(), int64(-n))

		close(e.stop)
		e.wg.Wait()
		err = e.out.Close()
	})
	return err
}

// sweep removes channels idle for longer than the idle timeout, then evicts
// idle channels oldest-first while over capacity.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.channels {
		if !ch.playing && now.Sub(ch.lastActive) > e.idleTimeout {
			e.removeLocked(ch, "idle")
		}
	}
	for len(e.channels) > e.maxChannels {
		if !e.evictOldestIdleLocked("capacity") {
			break
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep(e.now())
		}
	}
}

// ── Callback dispatch ───────────────────────────────────────────────────────

func (e *Engine) enqueueLocked(ev event) {
	e.events = append(e.events, ev)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.wake:
			e.drainEvents()
		case <-e.stop:
			e.drainEvents()
			return
		}
	}
}

func (e *Engine) drainEvents() {
	e.mu.Lock()
	evs := e.events
	e.events = nil
	e.mu.Unlock()

	for _, ev := range evs {
		switch ev.kind {
		case eventStart:
			if e.onStart != nil {
				e.onStart(ev.id)
			}
		case eventEnd:
			if e.onEnd != nil {
				e.onEnd(ev.id)
			}
		case eventError:
			if e.onError != nil {
				e.onError(ev.err)
			}
		}
	}
}

// ── Streamers ───────────────────────────────────────────────────────────────

// rootStreamer is the single streamer handed to the output. It serialises
// mixing with every engine mutation.
type rootStreamer struct{ e *Engine }

func (r rootStreamer) Stream(samples [][2]float64) (int, bool) {
	r.e.mu.Lock()
	n, _ := r.e.master.Stream(samples)
	r.e.mu.Unlock()
	clear(samples[n:])
	return len(samples), true
}

func (r rootStreamer) Err() error { return nil }

// channel is one participant's slot in the mixer. It streams silence while
// idle and reports drained once closed so the mixer drops it. Every field is
// guarded by the engine mutex.
type channel struct {
	id         string
	e          *Engine
	gain       *effects.Gain
	src        beep.Streamer
	playing    bool
	closed     bool
	lastActive time.Time
}

func (c *channel) Stream(samples [][2]float64) (int, bool) {
	if c.closed {
		return 0, false
	}
	filled := 0
	for c.src != nil && filled < len(samples) {
		n, ok := c.src.Stream(samples[filled:])
		filled += n
		if !ok || n == 0 {
			c.src = nil
			c.playing = false
			c.lastActive = c.e.now()
			c.e.enqueueLocked(event{kind: eventEnd, id: c.id})
		}
	}
	clear(samples[filled:])
	return len(samples), true
}

func (c *channel) Err() error { return nil }

// reset stops the current source without firing the end callback.
func (c *channel) reset(now time.Time) {
	if c.src == nil && !c.playing {
		return
	}
	c.src = nil
	c.playing = false
	c.lastActive = now
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
