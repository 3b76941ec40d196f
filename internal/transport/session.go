// Package transport manages the duplex socket of one participant's translation
// stream.
//
// A [Session] dials the translation server, sends the 12-byte stream header,
// and waits for the JSON handshake acknowledgement before reporting ready.
// Inbound binary frames carry synthesized speech; inbound text frames carry
// transcripts. Any close that the session did not initiate itself triggers a
// reconnect with exponential backoff, bounded by a maximum attempt count.
//
// Sessions are built on github.com/coder/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

var (
	// ErrNotReady is returned by [Session.SendAudio] before the handshake
	// completes or after the session began closing.
	ErrNotReady = errors.New("transport: session not ready")

	// ErrReconnectExhausted is reported when the session gave up after the
	// maximum number of reconnect attempts.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrTrackEnded is reported when a reconnect was abandoned because the
	// participant's media track is no longer live.
	ErrTrackEnded = errors.New("transport: media track ended")
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default reconnection parameters.
const (
	defaultBaseDelay        = 500 * time.Millisecond
	defaultMaxDelay         = 10 * time.Second
	defaultMaxAttempts      = 5
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 8 << 20
)

// Backoff returns min(base*2^attempt, ceiling).
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for range attempt {
		if d >= ceiling {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Session)

// WithBackoff sets the reconnect base and maximum delay.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(s *Session) {
		if base > 0 {
			s.baseDelay = base
		}
		if ceiling > 0 {
			s.maxDelay = ceiling
		}
	}
}

// WithMaxAttempts sets how many reconnects are tried before giving up.
func WithMaxAttempts(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxAttempts = n
		}
	}
}

// WithHandshakeTimeout bounds dial plus handshake. A connection that is not
// acknowledged in time counts as an unexpected close.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithHeader overrides the stream header. Default: 16 kHz, mono, 16-bit.
func WithHeader(h audio.Header) Option {
	return func(s *Session) { s.header = h }
}

// WithLiveness sets the media liveness probe consulted before every
// reconnect. Default: always live.
func WithLiveness(fn func() bool) Option {
	return func(s *Session) { s.live = fn }
}

// WithAutoplay sets the gate consulted for every inbound audio frame. Audio
// is dropped while it reports false. Default: always on.
func WithAutoplay(fn func() bool) Option {
	return func(s *Session) { s.autoplay = fn }
}

// WithOnReady registers a callback fired after every completed handshake.
func WithOnReady(fn func()) Option {
	return func(s *Session) { s.onReady = fn }
}

// WithOnInterrupted registers a callback fired when a connection drops
// unexpectedly, before any reconnect decision.
func WithOnInterrupted(fn func()) Option {
	return func(s *Session) { s.onInterrupted = fn }
}

// WithOnAudio registers the handler for synthesized speech payloads.
func WithOnAudio(fn func(data []byte)) Option {
	return func(s *Session) { s.onAudio = fn }
}

// WithOnTranscript registers the handler for transcript updates.
func WithOnTranscript(fn func(Transcript)) Option {
	return func(s *Session) { s.onTranscript = fn }
}

// WithOnClosed registers a callback fired once when the session ends. err is
// nil for an intentional close, or one of [ErrReconnectExhausted] and
// [ErrTrackEnded].
func WithOnClosed(fn func(err error)) Option {
	return func(s *Session) { s.onClosed = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracerProvider sets where connect spans are recorded. Default: the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) { s.tracer = observe.Tracer(tp) }
}

// ── Session ──────────────────────────────────────────────────────────────────

// Session is one participant's translation socket.
//
// Callbacks run on the session's goroutine in message order. They may call
// [Session.Close] and [Session.StopReconnect] but must not block.
type Session struct {
	params           Params
	url              string
	header           audio.Header
	baseDelay        time.Duration
	maxDelay         time.Duration
	maxAttempts      int
	handshakeTimeout time.Duration
	live             func() bool
	autoplay         func() bool
	onReady          func()
	onInterrupted    func()
	onAudio          func([]byte)
	onTranscript     func(Transcript)
	onClosed         func(error)
	metrics          *observe.Metrics
	tracer           trace.Tracer

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	connID          string
	attempts        int
	intentional     bool
	noReconnect     bool
	serverSessionID string
	err             error
	started         bool

	ctx       context.Context
	cancel    context.CancelFunc
	stopWait  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New validates p and returns an unstarted session.
func New(p Params, opts ...Option) (*Session, error) {
	u, err := p.URL()
	if err != nil {
		return nil, err
	}
	s := &Session{
		params:           p,
		url:              u,
		header:           audio.Header{SampleRate: 16000, Channels: 1, BitsPerSample: 16},
		baseDelay:        defaultBaseDelay,
		maxDelay:         defaultMaxDelay,
		maxAttempts:      defaultMaxAttempts,
		handshakeTimeout: defaultHandshakeTimeout,
		live:             func() bool { return true },
		autoplay:         func() bool { return true },
		stopWait:         make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.tracer == nil {
		s.tracer = observe.Tracer(nil)
	}
	return s, nil
}

// Start launches the connect/reconnect loop. It returns immediately; the
// session reports progress through its callbacks.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.intentional {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run()
}

// ParticipantID returns the participant this session translates.
func (s *Session) ParticipantID() string { return s.params.ParticipantID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the handshake completed on the current connection.
func (s *Session) Ready() bool { return s.State() == StateReady }

// Attempts returns the current reconnect attempt counter.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// ServerSessionID returns the session id from the most recent handshake ack.
func (s *Session) ServerSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSessionID
}

// Err returns the terminal error once the session ended, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session's loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendAudio sends one PCM chunk. It fails with [ErrNotReady] unless the
// handshake on the current connection has completed.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateReady || conn == nil {
		return ErrNotReady
	}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("transport: send audio: %w", err)
	}
	return nil
}

// StopReconnect cancels any pending reconnect and prevents future ones. The
// current connection, if any, stays open.
func (s *Session) StopReconnect() {
	s.mu.Lock()
	s.noReconnect = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopWait) })
}

// Close marks the session as intentionally closing and closes the socket with
// a normal closure. It does not wait for the loop to exit; use [Session.Done].
// Safe to call more than once and from callbacks.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.intentional = true
		s.noReconnect = true
		conn, cancel, started := s.conn, s.cancel, s.started
		if s.state != StateClosed {
			s.state = StateClosing
		}
		s.mu.Unlock()
		s.stopOnce.Do(func() { close(s.stopWait) })

		if !started {
			s.finish(nil)
			return
		}
		go func() {
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "client closing")
			}
			cancel()
		}()
	})
	return nil
}

// finish records the terminal state. Only the loop, or Close on a never
// started session, calls it.
func (s *Session) finish(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.conn = nil
	s.err = err
	s.mu.Unlock()
	close(s.done)

	if s.onClosed != nil {
		s.onClosed(err)
	}
}

func (s *Session) stopping() (intentional, noReconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intentional, s.noReconnect
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intentional {
		return
	}
	s.state = st
}

func (s *Session) log() *slog.Logger {
	s.mu.Lock()
	connID := s.connID
	s.mu.Unlock()
	return slog.With("participant_id", s.params.ParticipantID, "conn_id", connID)
}

// run is the connect/reconnect loop.
func (s *Session) run() {
	var err error
	for {
		connErr := s.connectOnce()
		intentional, noReconnect := s.stopping()
		if intentional || noReconnect || s.ctx.Err() != nil {
			err = nil
			break
		}

		s.log().Warn("transport: connection lost", "err", connErr)
		if s.onInterrupted != nil {
			s.onInterrupted()
		}

		if !s.live() {
			err = ErrTrackEnded
			break
		}

		s.mu.Lock()
		attempt := s.attempts
		s.mu.Unlock()
		if attempt >= s.maxAttempts {
			err = ErrReconnectExhausted
			break
		}

		delay := Backoff(s.baseDelay, s.maxDelay, attempt)
		s.setState(StateConnecting)
		s.log().Info("transport: reconnecting", "attempt", attempt+1, "max_attempts", s.maxAttempts, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
		case <-s.stopWait:
			timer.Stop()
		case <-timer.C:
		}
		if intentional, noReconnect := s.stopping(); intentional || noReconnect || s.ctx.Err() != nil {
			err = nil
			break
		}

		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		s.metrics.ReconnectAttempts.Add(s.ctx, 1)

		// The track may have ended while waiting.
		if !s.live() {
			err = ErrTrackEnded
			break
		}
	}

	if err != nil {
		s.log().Error("transport: session ended", "err", err)
	} else {
		s.log().Debug("transport: session closed")
	}
	s.finish(err)
}

// connectOnce dials, sends the header, and reads until the connection ends.
// The connect span covers dial through handshake.
func (s *Session) connectOnce() (err error) {
	connID := uuid.NewString()
	s.mu.Lock()
	s.connID = connID
	attempt := s.attempts
	s.mu.Unlock()
	s.setState(StateConnecting)

	_, span := s.tracer.Start(s.ctx, observe.SpanConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			observe.AttrParticipantID.String(s.params.ParticipantID),
			observe.AttrRoomID.String(s.params.RoomID),
			observe.AttrSourceLang.String(s.params.SourceLang),
			observe.AttrTargetLang.String(s.params.TargetLang),
			observe.AttrAttempt.Int(attempt),
			observe.AttrStage.String("dial"),
		),
	)
	spanOpen := true
	defer func() {
		if spanOpen {
			observe.EndSpan(span, err)
		}
	}()

	connCtx, connCancel := context.WithCancel(s.ctx)
	defer connCancel()

	// Dial and handshake share one deadline; readiness stops it.
	handshakeTimer := time.AfterFunc(s.handshakeTimeout, connCancel)
	defer handshakeTimer.Stop()

	start := time.Now()
	conn, _, err := websocket.Dial(connCtx, s.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Client-Connection-Id": []string{connID}},
	})
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(defaultReadLimit)

	s.mu.Lock()
	if s.intentional {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		return nil
	}
	s.conn = conn
	s.state = StateHandshaking
	s.mu.Unlock()
	span.SetAttributes(observe.AttrStage.String("header"))
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	if err := conn.Write(connCtx, websocket.MessageBinary, audio.EncodeHeader(s.header)); err != nil {
		return fmt.Errorf("transport: send header: %w", err)
	}
	s.log().Debug("transport: header sent", "url", s.url)
	span.SetAttributes(observe.AttrStage.String("handshake"))

	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}
		switch typ {
		case websocket.MessageBinary:
			s.handleAudio(connCtx, data)
		case websocket.MessageText:
			if s.handleText(connCtx, data) {
				handshakeTimer.Stop()
				s.metrics.HandshakeDuration.Record(connCtx, time.Since(start).Seconds())
				span.SetAttributes(
					observe.AttrStage.String("ready"),
					observe.AttrSessionID.String(s.ServerSessionID()),
				)
				span.End()
				spanOpen = false
			}
		}
	}
}

// handleText processes one JSON frame. It reports true when the frame
// completed the handshake.
func (s *Session) handleText(ctx context.Context, data []byte) bool {
	msg, err := parseServerMessage(data)
	if err != nil {
		s.metrics.ProtocolErrors.Add(ctx, 1)
		s.log().Warn("transport: ignoring malformed message", "err", err)
		return false
	}

	s.mu.Lock()
	handshaking := s.state == StateHandshaking
	s.mu.Unlock()

	if handshaking {
		if msg.Status != statusReady {
			s.log().Debug("transport: unexpected pre-handshake message", "status", msg.Status, "type", msg.Type)
			return false
		}
		s.mu.Lock()
		if s.intentional {
			s.mu.Unlock()
			return false
		}
		s.state = StateReady
		s.attempts = 0
		if msg.SessionID != "" {
			s.serverSessionID = msg.SessionID
		}
		s.mu.Unlock()

		s.log().Info("transport: handshake complete", "server_session_id", msg.SessionID)
		if s.onReady != nil {
			s.onReady()
		}
		return true
	}

	if msg.Type != typeTranscript {
		return false
	}
	tr := Transcript{
		ParticipantID: msg.ParticipantID,
		Original:      StripTags(msg.Original),
		Translated:    StripTags(msg.Translated),
		IsFinal:       msg.IsFinal,
	}
	if tr.ParticipantID == "" {
		tr.ParticipantID = s.params.ParticipantID
	}
	s.metrics.RecordTranscript(ctx, tr.IsFinal)
	if s.onTranscript != nil {
		s.onTranscript(tr)
	}
	return false
}

// handleAudio routes a synthesized speech payload to the audio handler unless
// it is the listener's own voice or autoplay is off.
func (s *Session) handleAudio(ctx context.Context, data []byte) {
	if s.params.ParticipantID == s.params.ListenerID || !s.autoplay() {
		s.metrics.RecordTTSPayload(ctx, "skipped")
		return
	}
	s.metrics.RecordTTSPayload(ctx, "played")
	if s.onAudio != nil {
		s.onAudio(data)
	}
}
