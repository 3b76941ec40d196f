package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultSourceLanguage   = "ko"
	DefaultTargetLanguage   = "en"
	DefaultRoomID           = "local"
	DefaultListenerID       = "listener"
	DefaultTargetSampleRate = 16000
	DefaultPlaybackRate     = 48000
)

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	tr := &cfg.Translation
	if tr.RoomID == "" {
		tr.RoomID = DefaultRoomID
	}
	if tr.ListenerID == "" {
		tr.ListenerID = DefaultListenerID
	}
	if tr.SourceLanguage == "" {
		tr.SourceLanguage = DefaultSourceLanguage
	}
	if tr.TargetLanguage == "" {
		tr.TargetLanguage = DefaultTargetLanguage
	}

	c := &cfg.Capture
	setInt(&c.TargetSampleRate, DefaultTargetSampleRate)
	setInt(&c.AnalysisWindow, 3)
	setDuration(&c.AnalysisInterval, 30*time.Millisecond)
	setFloat(&c.SpeechThreshold, 0.015)
	setFloat(&c.SilenceThreshold, 0.008)
	setDuration(&c.SilenceDuration, 350*time.Millisecond)
	setDuration(&c.ForcedInterval, 2500*time.Millisecond)
	setDuration(&c.MaxBuffer, 5*time.Second)

	t := &cfg.Transport
	setDuration(&t.BaseDelay, 500*time.Millisecond)
	setDuration(&t.MaxDelay, 10*time.Second)
	setDuration(&t.HandshakeTimeout, 10*time.Second)
	if t.MaxAttempts == nil {
		n := 5
		t.MaxAttempts = &n
	}

	p := &cfg.Playback
	if p.Output == "" {
		p.Output = OutputSpeaker
	}
	setInt(&p.SampleRate, DefaultPlaybackRate)
	setInt(&p.MaxChannels, 8)
	setDuration(&p.IdleTimeout, 30*time.Second)
	setDuration(&p.SweepInterval, 10*time.Second)
	setDuration(&p.Buffer, 100*time.Millisecond)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Translation
	if cfg.Translation.ServerURL == "" {
		if len(cfg.Participants) > 0 {
			slog.Warn("translation.server_url is empty; no translation sessions can be opened")
		}
	} else if u, err := url.Parse(cfg.Translation.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("translation.server_url: %w", err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("translation.server_url scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
		}
	}

	// Capture
	c := cfg.Capture
	if c.TargetSampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.target_sample_rate %d must be positive", c.TargetSampleRate))
	}
	if c.SpeechThreshold < 0 || c.SilenceThreshold < 0 {
		errs = append(errs, errors.New("capture thresholds must not be negative"))
	}
	if c.SpeechThreshold > 0 && c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("capture.silence_threshold %.4f must not exceed speech_threshold %.4f", c.SilenceThreshold, c.SpeechThreshold))
	}
	for name, d := range map[string]time.Duration{
		"analysis_interval": c.AnalysisInterval,
		"silence_duration":  c.SilenceDuration,
		"forced_interval":   c.ForcedInterval,
		"max_buffer":        c.MaxBuffer,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("capture.%s %v must not be negative", name, d))
		}
	}

	// Transport
	t := cfg.Transport
	if t.MaxAttempts != nil && *t.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_attempts %d must not be negative", *t.MaxAttempts))
	}
	if t.BaseDelay > 0 && t.MaxDelay > 0 && t.BaseDelay > t.MaxDelay {
		errs = append(errs, fmt.Errorf("transport.base_delay %v exceeds max_delay %v", t.BaseDelay, t.MaxDelay))
	}

	// Playback
	p := cfg.Playback
	if p.Output != "" && !p.Output.IsValid() {
		errs = append(errs, fmt.Errorf("playback.output %q is invalid; valid values: speaker, file, discard", p.Output))
	}
	if p.Output == OutputFile && p.OutputPath == "" {
		errs = append(errs, errors.New("playback.output_path is required when output is file"))
	}
	if p.MaxChannels < 0 {
		errs = append(errs, fmt.Errorf("playback.max_channels %d must be positive", p.MaxChannels))
	}
	if p.Volume != nil && (*p.Volume < 0 || *p.Volume > 1) {
		errs = append(errs, fmt.Errorf("playback.volume %.2f is out of range [0, 1]", *p.Volume))
	}

	// Participants
	seen := make(map[string]int, len(cfg.Participants))
	for i, pc := range cfg.Participants {
		prefix := fmt.Sprintf("participants[%d]", i)
		if pc.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[pc.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of participants[%d]", prefix, pc.ID, prev))
		}
		seen[pc.ID] = i
		if pc.ID == cfg.Translation.ListenerID && pc.WAV != "" {
			slog.Warn("the local listener has a microphone file; it is never translated", "id", pc.ID)
		}
	}

	return errors.Join(errs...)
}
