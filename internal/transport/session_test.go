package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/transport"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// 1-based connection number and the accepted conn. The server is closed when
// the test finishes.
func startServer(t *testing.T, handler func(n int, conn *websocket.Conn, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(count.Add(1))
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(n, conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

// readHeader reads one frame and fails unless it is the stream header.
func readHeader(t *testing.T, conn *websocket.Conn) audio.Header {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readHeader: %v", err)
		return audio.Header{}
	}
	if typ != websocket.MessageBinary {
		t.Errorf("first frame type = %v, want binary", typ)
	}
	h, err := audio.DecodeHeader(data)
	if err != nil {
		t.Errorf("first frame is not a header: %v", err)
	}
	return h
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func writeRaw(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

func ready(t *testing.T, conn *websocket.Conn, sessionID string) {
	writeJSON(t, conn, map[string]any{"status": "ready", "session_id": sessionID})
}

// waitClosed blocks until the peer closes conn.
func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func params(srv *httptest.Server) transport.Params {
	return transport.Params{
		BaseURL:       wsURL(srv),
		RoomID:        "room-1",
		ListenerID:    "listener",
		ParticipantID: "speaker",
		SourceLang:    "ja",
		TargetLang:    "en",
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func newSession(t *testing.T, p transport.Params, opts ...transport.Option) *transport.Session {
	t.Helper()
	s, err := transport.New(p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ── Pure helpers ──────────────────────────────────────────────────────────────

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		if got := transport.Backoff(100*time.Millisecond, time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestStripTags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"[FINAL] こんにちは", "こんにちは"},
		{"[PARTIAL]hello", "hello"},
		{"[LLM] [FINAL] good morning", "good morning"},
		{"  [FINAL]  spaced ", "spaced"},
		{"no tags", "no tags"},
		{"keep [FINAL] inside", "keep [FINAL] inside"},
		{"[OTHER] kept", "[OTHER] kept"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := transport.StripTags(tt.in); got != tt.want {
			t.Errorf("StripTags(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParams_URL(t *testing.T) {
	t.Parallel()
	p := transport.Params{
		BaseURL:       "wss://example.test/ws/translate?v=2",
		RoomID:        "room 7",
		ListenerID:    "me&you",
		ParticipantID: "p/1",
		SourceLang:    "ja",
		TargetLang:    "en",
	}
	raw, err := p.URL()
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"v":             "2",
		"roomId":        "room 7",
		"listenerId":    "me&you",
		"participantId": "p/1",
		"sourceLang":    "ja",
		"targetLang":    "en",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}

	if _, err := (transport.Params{BaseURL: "ftp://x"}).URL(); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if got := transport.StateHandshaking.String(); got != "handshaking" {
		t.Errorf("String = %q", got)
	}
}

// ── Session ───────────────────────────────────────────────────────────────────

func TestSession_HandshakeAndTranscript(t *testing.T) {
	t.Parallel()
	headers := make(chan audio.Header, 1)
	queries := make(chan url.Values, 1)
	srv, _ := startServer(t, func(_ int, conn *websocket.Conn, r *http.Request) {
		queries <- r.URL.Query()
		headers <- readHeader(t, conn)
		ready(t, conn, "srv-42")
		writeJSON(t, conn, map[string]any{
			"type":          "transcript",
			"participantId": "speaker",
			"original":      "[FINAL] こんにちは",
			"translated":    "[LLM] Hello",
			"isFinal":       true,
		})
		waitClosed(conn)
	})

	readyCh := make(chan struct{}, 1)
	transcripts := make(chan transport.Transcript, 1)
	s := newSession(t, params(srv),
		transport.WithOnReady(func() { readyCh <- struct{}{} }),
		transport.WithOnTranscript(func(tr transport.Transcript) { transcripts <- tr }),
	)
	if err := s.SendAudio(t.Context(), []byte{1, 2}); !errors.Is(err, transport.ErrNotReady) {
		t.Errorf("SendAudio before start = %v, want ErrNotReady", err)
	}
	s.Start(t.Context())

	q := recv(t, queries, "query")
	if q.Get("sourceLang") != "ja" || q.Get("targetLang") != "en" || q.Get("participantId") != "speaker" {
		t.Errorf("query = %v", q)
	}
	h := recv(t, headers, "header")
	if h.SampleRate != 16000 || h.Channels != 1 || h.BitsPerSample != 16 {
		t.Errorf("header = %+v", h)
	}
	recv(t, readyCh, "ready")

	tr := recv(t, transcripts, "transcript")
	if tr.Original != "こんにちは" || tr.Translated != "Hello" || !tr.IsFinal || tr.ParticipantID != "speaker" {
		t.Errorf("transcript = %+v", tr)
	}
	if !s.Ready() {
		t.Error("session not ready after handshake")
	}
	if got := s.ServerSessionID(); got != "srv-42" {
		t.Errorf("ServerSessionID = %q, want srv-42", got)
	}
}

func TestSession_ReconnectBeforeHandshake(t *testing.T) {
	t.Parallel()
	var sess atomic.Pointer[transport.Session]
	attemptsBeforeAck := make(chan int, 1)
	framesAfterHeader := make(chan []byte, 1)

	srv, count := startServer(t, func(n int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
		if n == 1 {
			// Drop before acknowledging.
			return
		}
		attemptsBeforeAck <- sess.Load().Attempts()
		ready(t, conn, "")

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("read after ack: %v", err)
			return
		}
		framesAfterHeader <- data
		waitClosed(conn)
	})

	var interrupted atomic.Int32
	readyCh := make(chan struct{}, 2)
	s := newSession(t, params(srv),
		transport.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		transport.WithOnInterrupted(func() { interrupted.Add(1) }),
		transport.WithOnReady(func() { readyCh <- struct{}{} }),
	)
	sess.Store(s)
	s.Start(t.Context())

	if got := recv(t, attemptsBeforeAck, "second connection"); got != 1 {
		t.Errorf("attempts during reconnect = %d, want 1", got)
	}
	recv(t, readyCh, "ready")
	if got := s.Attempts(); got != 0 {
		t.Errorf("attempts after handshake = %d, want 0", got)
	}

	if err := s.SendAudio(t.Context(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	// The frame after the single header is audio, not a second header.
	if got := recv(t, framesAfterHeader, "audio frame"); len(got) != 4 {
		t.Errorf("frame after ack has %d bytes, want the 4-byte audio chunk", len(got))
	}
	if got := interrupted.Load(); got != 1 {
		t.Errorf("interrupted callbacks = %d, want 1", got)
	}
	if got := count.Load(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}

func TestSession_ConnectSpans(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, func(n int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
		if n == 1 {
			return
		}
		ready(t, conn, "sess-2")
		waitClosed(conn)
	})

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := newSession(t, params(srv),
		transport.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		transport.WithTracerProvider(tp),
	)
	s.Start(t.Context())

	deadline := time.Now().Add(3 * time.Second)
	for len(exp.GetSpans()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("spans = %d, want 2", len(exp.GetSpans()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	attr := func(st tracetest.SpanStub, key attribute.Key) attribute.Value {
		for _, kv := range st.Attributes {
			if kv.Key == key {
				return kv.Value
			}
		}
		return attribute.Value{}
	}
	spans := exp.GetSpans()
	dropped, acked := spans[0], spans[1]
	for _, st := range spans {
		if st.Name != observe.SpanConnect {
			t.Errorf("span name = %q, want %q", st.Name, observe.SpanConnect)
		}
		if got := attr(st, observe.AttrParticipantID).AsString(); got != "speaker" {
			t.Errorf("participant = %q, want speaker", got)
		}
	}

	if dropped.Status.Code != codes.Error {
		t.Errorf("dropped connection status = %v, want Error", dropped.Status.Code)
	}
	if got := attr(dropped, observe.AttrStage).AsString(); got != "handshake" {
		t.Errorf("dropped connection stage = %q, want handshake", got)
	}
	if got := attr(dropped, observe.AttrAttempt).AsInt64(); got != 0 {
		t.Errorf("dropped connection attempt = %d, want 0", got)
	}

	if acked.Status.Code == codes.Error {
		t.Errorf("acknowledged connection status = %v", acked.Status)
	}
	if got := attr(acked, observe.AttrStage).AsString(); got != "ready" {
		t.Errorf("acknowledged stage = %q, want ready", got)
	}
	if got := attr(acked, observe.AttrAttempt).AsInt64(); got != 1 {
		t.Errorf("acknowledged attempt = %d, want 1", got)
	}
	if got := attr(acked, observe.AttrSessionID).AsString(); got != "sess-2" {
		t.Errorf("session id = %q, want sess-2", got)
	}
}

func TestSession_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	closed := make(chan error, 1)
	s := newSession(t, params(srv),
		transport.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		transport.WithMaxAttempts(2),
		transport.WithOnClosed(func(err error) { closed <- err }),
	)
	s.Start(t.Context())

	if err := recv(t, closed, "closed"); !errors.Is(err, transport.ErrReconnectExhausted) {
		t.Errorf("closed with %v, want ErrReconnectExhausted", err)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("dial attempts = %d, want 3 (initial + 2 reconnects)", got)
	}
	if s.State() != transport.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if !errors.Is(s.Err(), transport.ErrReconnectExhausted) {
		t.Errorf("Err = %v", s.Err())
	}
}

func TestSession_TrackEndedAbortsReconnect(t *testing.T) {
	t.Parallel()
	srv, count := startServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
	})

	closed := make(chan error, 1)
	s := newSession(t, params(srv),
		transport.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		transport.WithLiveness(func() bool { return false }),
		transport.WithOnClosed(func(err error) { closed <- err }),
	)
	s.Start(t.Context())

	if err := recv(t, closed, "closed"); !errors.Is(err, transport.ErrTrackEnded) {
		t.Errorf("closed with %v, want ErrTrackEnded", err)
	}
	if got := count.Load(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestSession_TrackEndsDuringBackoff(t *testing.T) {
	t.Parallel()
	srv, count := startServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
	})

	var probes atomic.Int32
	closed := make(chan error, 1)
	s := newSession(t, params(srv),
		transport.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		transport.WithLiveness(func() bool { return probes.Add(1) == 1 }),
		transport.WithOnClosed(func(err error) { closed <- err }),
	)
	s.Start(t.Context())

	if err := recv(t, closed, "closed"); !errors.Is(err, transport.ErrTrackEnded) {
		t.Errorf("closed with %v, want ErrTrackEnded", err)
	}
	if got := count.Load(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
		waitClosed(conn)
	})

	closed := make(chan error, 1)
	s := newSession(t, params(srv),
		transport.WithHandshakeTimeout(50*time.Millisecond),
		transport.WithMaxAttempts(0),
		transport.WithOnClosed(func(err error) { closed <- err }),
	)
	s.Start(t.Context())

	if err := recv(t, closed, "closed"); !errors.Is(err, transport.ErrReconnectExhausted) {
		t.Errorf("closed with %v, want ErrReconnectExhausted", err)
	}
}

func TestSession_AudioRouting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		listener string
		autoplay bool
		want     bool
	}{
		{"delivered", "listener", true, true},
		{"own voice skipped", "speaker", true, false},
		{"autoplay off", "listener", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := startServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
				readHeader(t, conn)
				ready(t, conn, "")
				writeRaw(t, conn, websocket.MessageBinary, []byte("ID3-fake-mp3"))
				writeJSON(t, conn, map[string]any{"type": "transcript", "original": "sentinel"})
				waitClosed(conn)
			})

			p := params(srv)
			p.ListenerID = tt.listener
			var audioCount atomic.Int32
			transcripts := make(chan transport.Transcript, 1)
			newSession(t, p,
				transport.WithAutoplay(func() bool { return tt.autoplay }),
				transport.WithOnAudio(func([]byte) { audioCount.Add(1) }),
				transport.WithOnTranscript(func(tr transport.Transcript) { transcripts <- tr }),
			).Start(t.Context())

			recv(t, transcripts, "sentinel transcript")
			if got := audioCount.Load() == 1; got != tt.want {
				t.Errorf("audio delivered = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_MalformedMessagesIgnored(t *testing.T) {
	t.Parallel()
	srv, count := startServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
		writeJSON(t, conn, map[string]any{"status": "warming_up"})
		ready(t, conn, "")
		writeRaw(t, conn, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"type": "status", "detail": "ignored"})
		writeJSON(t, conn, map[string]any{"type": "transcript", "original": "[PARTIAL] still here", "translated": "여전히"})
		waitClosed(conn)
	})

	var readyCount atomic.Int32
	transcripts := make(chan transport.Transcript, 1)
	s := newSession(t, params(srv),
		transport.WithOnReady(func() { readyCount.Add(1) }),
		transport.WithOnTranscript(func(tr transport.Transcript) { transcripts <- tr }),
	)
	s.Start(t.Context())

	tr := recv(t, transcripts, "transcript")
	if tr.Original != "still here" || tr.Translated != "여전히" || tr.IsFinal {
		t.Errorf("transcript = %+v", tr)
	}
	if !s.Ready() {
		t.Error("malformed message tore down the session")
	}
	if readyCount.Load() != 1 || count.Load() != 1 {
		t.Errorf("ready = %d, connections = %d; want 1 and 1", readyCount.Load(), count.Load())
	}
}

func TestSession_CloseIsIntentional(t *testing.T) {
	t.Parallel()
	serverErr := make(chan error, 1)
	srv, count := startServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
		ready(t, conn, "")
		_, _, err := conn.Read(context.Background())
		serverErr <- err
	})

	readyCh := make(chan struct{}, 1)
	var closeCalls atomic.Int32
	closed := make(chan error, 1)
	s := newSession(t, params(srv),
		transport.WithOnReady(func() { readyCh <- struct{}{} }),
		transport.WithOnClosed(func(err error) {
			closeCalls.Add(1)
			closed <- err
		}),
	)
	s.Start(t.Context())
	recv(t, readyCh, "ready")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = s.Close()

	if err := recv(t, closed, "closed"); err != nil {
		t.Errorf("closed with %v, want nil", err)
	}
	if got := websocket.CloseStatus(recv(t, serverErr, "server read error")); got != websocket.StatusNormalClosure {
		t.Errorf("server saw close status %v, want normal closure", got)
	}
	<-s.Done()
	if err := s.SendAudio(t.Context(), []byte{1}); !errors.Is(err, transport.ErrNotReady) {
		t.Errorf("SendAudio after Close = %v, want ErrNotReady", err)
	}
	if count.Load() != 1 || closeCalls.Load() != 1 {
		t.Errorf("connections = %d, closed callbacks = %d; want 1 and 1", count.Load(), closeCalls.Load())
	}
}

func TestSession_StopReconnectCancelsPendingWait(t *testing.T) {
	t.Parallel()
	srv, count := startServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		readHeader(t, conn)
	})

	interrupted := make(chan struct{}, 1)
	closed := make(chan error, 1)
	s := newSession(t, params(srv),
		transport.WithBackoff(time.Hour, time.Hour),
		transport.WithOnInterrupted(func() { interrupted <- struct{}{} }),
		transport.WithOnClosed(func(err error) { closed <- err }),
	)
	s.Start(t.Context())

	recv(t, interrupted, "interrupted")
	s.StopReconnect()
	if err := recv(t, closed, "closed"); err != nil {
		t.Errorf("closed with %v, want nil", err)
	}
	if count.Load() != 1 {
		t.Errorf("connections = %d, want 1", count.Load())
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var calls int
	s, err := transport.New(transport.Params{BaseURL: "ws://127.0.0.1:1"},
		transport.WithOnClosed(func(error) {
			mu.Lock()
			calls++
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	<-s.Done()
	s.Start(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("closed callbacks = %d, want 1", calls)
	}
	if s.State() != transport.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}
