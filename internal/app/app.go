// Package app wires all eum-translate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the local HTTP API until the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithOutput,
// WithMicOpener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/capture"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/config"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/health"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/playback"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/translate"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/transport"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio/speaker"
)

// writerPeriod is the block length of headless outputs.
const writerPeriod = 20 * time.Millisecond

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	instance string
	level    *slog.LevelVar
	metrics  *observe.Metrics
	tracing  trace.TracerProvider

	// Subsystems, initialised in New and torn down in Shutdown.
	output playback.Output
	engine *playback.Engine
	room   *Room
	orch   *translate.Orchestrator
	health *health.Handler

	openMic       MicOpener
	transportOpts []transport.Option
	handler       http.Handler
	server        *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithOutput injects the playback output instead of creating one from
// config.
func WithOutput(out playback.Output) Option {
	return func(a *App) { a.output = out }
}

// WithMicOpener overrides how participant microphones are opened.
// Default: [OpenWAV].
func WithMicOpener(fn MicOpener) Option {
	return func(a *App) { a.openMic = fn }
}

// WithLevelVar lets the app adjust the log level on hot reload.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTracerProvider records API, connect and flush spans on tp instead of
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *App) { a.tracing = tp }
}

// WithTransportOptions appends options to every translation socket after
// the ones derived from config.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(a *App) { a.transportOpts = append(a.transportOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The orchestrator
// starts reconciling immediately; the HTTP API is served by [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		instance: uuid.NewString(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Playback output ───────────────────────────────────────────────
	var outputCloser func() error
	if a.output == nil {
		out, closer, err := newOutput(cfg.Playback)
		if err != nil {
			return nil, fmt.Errorf("app: init output: %w", err)
		}
		a.output, outputCloser = out, closer
	}

	// ── 2. Playback engine ───────────────────────────────────────────────
	engine, err := playback.New(a.output,
		playback.WithSampleRate(cfg.Playback.SampleRate),
		playback.WithMaxChannels(cfg.Playback.MaxChannels),
		playback.WithIdleTimeout(cfg.Playback.IdleTimeout),
		playback.WithSweepInterval(cfg.Playback.SweepInterval),
		playback.WithMetrics(a.metrics),
		playback.WithOnPlayStart(func(id string) { a.orch.PlaybackStarted(id) }),
		playback.WithOnPlayEnd(func(id string) { a.orch.PlaybackEnded(id) }),
		playback.WithOnError(func(err error) { a.orch.PlaybackFailed(err) }),
	)
	if err != nil {
		if outputCloser != nil {
			_ = outputCloser()
		}
		return nil, fmt.Errorf("app: init playback: %w", err)
	}
	engine.SetVolume(cfg.Playback.EffectiveVolume())
	a.engine = engine

	// ── 3. Room ──────────────────────────────────────────────────────────
	room, err := NewRoom(ctx, cfg.Translation.ListenerID, cfg.Participants, a.openMic)
	if err != nil {
		_ = engine.Close()
		if outputCloser != nil {
			_ = outputCloser()
		}
		return nil, fmt.Errorf("app: init room: %w", err)
	}
	a.room = room

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	a.orch = translate.New(room, engine,
		translate.WithServerURL(cfg.Translation.ServerURL),
		translate.WithRoomID(cfg.Translation.RoomID),
		translate.WithSettings(settingsFromConfig(cfg.Translation)),
		translate.WithCaptureOptions(captureOptions(cfg.Capture, a.metrics, a.tracing)...),
		translate.WithTransportOptions(append(transportOptions(cfg.Transport, a.metrics, a.tracing), a.transportOpts...)...),
		translate.WithMetrics(a.metrics),
		translate.WithOnUpdate(func(s translate.State) {
			slog.Debug("translation state updated", "active", s.Active, "transcripts", len(s.Transcripts), "err", s.Err)
		}),
	)

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	a.health = health.New(a.instance,
		health.Probe{Name: "room", Check: func(context.Context) error {
			if a.room.LocalID() == "" {
				return errors.New("local listener is not known")
			}
			return nil
		}},
		health.StateProbe("translation", a.orch.Err),
	)
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/translation", a.handleState)
	mux.HandleFunc("PUT /api/translation/settings", a.handleSettings)
	a.handler = observe.Middleware(a.metrics, mux, a.tracing)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Sessions go first so nothing plays into a closed engine or reads a
	// closed microphone.
	a.closers = append(a.closers, a.orch.Close, a.engine.Close, a.room.Close)
	if outputCloser != nil {
		a.closers = append(a.closers, outputCloser)
	}

	slog.Info("app initialised",
		"instance", a.instance,
		"participants", len(cfg.Participants),
		"output", cfg.Playback.Output,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// newOutput builds the playback output selected by cfg. The returned closer
// releases resources the engine does not own, such as an output file.
func newOutput(cfg config.PlaybackConfig) (playback.Output, func() error, error) {
	switch cfg.Output {
	case config.OutputFile:
		f, err := os.Create(cfg.OutputPath)
		if err != nil {
			return nil, nil, err
		}
		return playback.NewWriterOutput(f, writerPeriod), f.Close, nil
	case config.OutputDiscard:
		return playback.NewWriterOutput(io.Discard, writerPeriod), nil, nil
	default:
		return speaker.New(cfg.Buffer), nil, nil
	}
}

func settingsFromConfig(t config.TranslationConfig) translate.Settings {
	return translate.Settings{
		Enabled:        t.IsEnabled(),
		Autoplay:       t.IsAutoplay(),
		SourceLanguage: t.SourceLanguage,
		TargetLanguage: t.TargetLanguage,
	}
}

func captureOptions(c config.CaptureConfig, m *observe.Metrics, tp trace.TracerProvider) []capture.Option {
	return []capture.Option{
		capture.WithPolicy(capture.Policy{
			SpeechThreshold:  c.SpeechThreshold,
			SilenceThreshold: c.SilenceThreshold,
			SilenceDuration:  c.SilenceDuration,
			ForcedInterval:   c.ForcedInterval,
			MaxBuffer:        c.MaxBuffer,
		}),
		capture.WithTargetRate(c.TargetSampleRate),
		capture.WithAnalysisWindow(c.AnalysisWindow),
		capture.WithAnalysisInterval(c.AnalysisInterval),
		capture.WithMetrics(m),
		capture.WithTracerProvider(tp),
	}
}

func transportOptions(t config.TransportConfig, m *observe.Metrics, tp trace.TracerProvider) []transport.Option {
	opts := []transport.Option{
		transport.WithBackoff(t.BaseDelay, t.MaxDelay),
		transport.WithHandshakeTimeout(t.HandshakeTimeout),
		transport.WithMetrics(m),
		transport.WithTracerProvider(tp),
	}
	if t.MaxAttempts != nil {
		opts = append(opts, transport.WithMaxAttempts(*t.MaxAttempts))
	}
	return opts
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the local API.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the translation orchestrator.
func (a *App) Orchestrator() *translate.Orchestrator { return a.orch }

// Engine returns the playback engine.
func (a *App) Engine() *playback.Engine { return a.engine }

// Room returns the local conference room.
func (a *App) Room() *Room { return a.room }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. It returns ctx.Err() after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http api listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SettingsChanged {
		s := settingsFromConfig(new.Translation)
		slog.Info("translation settings changed",
			"enabled", s.Enabled,
			"autoplay", s.Autoplay,
			"source", s.SourceLanguage,
			"target", s.TargetLanguage,
		)
		a.orch.SetSettings(s)
	}
	if d.VolumeChanged {
		a.engine.SetVolume(d.NewVolume)
		slog.Info("playback volume changed", "volume", d.NewVolume)
	}
	if d.ParticipantsChanged {
		for _, p := range d.Participants {
			slog.Info("participant changed",
				"id", p.ID,
				"added", p.Added,
				"removed", p.Removed,
				"metadata", p.MetadataChanged,
				"source", p.SourceChanged,
			)
		}
		if err := a.room.Apply(new.Participants); err != nil {
			slog.Warn("some participants could not be applied", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
