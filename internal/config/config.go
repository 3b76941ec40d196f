// Package config provides the configuration schema, loader, and hot-reload
// watcher for the eum-translate client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to its [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OutputKind selects where mixed playback audio goes.
type OutputKind string

const (
	// OutputSpeaker plays through the system audio device.
	OutputSpeaker OutputKind = "speaker"

	// OutputFile writes 16-bit mono PCM to Playback.OutputPath.
	OutputFile OutputKind = "file"

	// OutputDiscard renders the mix and throws it away. Useful on headless
	// hosts.
	OutputDiscard OutputKind = "discard"
)

// IsValid reports whether k is a recognised output kind.
func (k OutputKind) IsValid() bool {
	switch k {
	case OutputSpeaker, OutputFile, OutputDiscard:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Translation  TranslationConfig   `yaml:"translation"`
	Capture      CaptureConfig       `yaml:"capture"`
	Transport    TransportConfig     `yaml:"transport"`
	Playback     PlaybackConfig      `yaml:"playback"`
	Participants []ParticipantConfig `yaml:"participants"`
}

// ServerConfig holds network and logging settings for the local HTTP API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TranslationConfig selects the translation backend and the listener's
// language preferences.
type TranslationConfig struct {
	// ServerURL is the WebSocket endpoint of the translation service
	// (e.g., "wss://translate.example.com/ws/translate").
	ServerURL string `yaml:"server_url"`

	// RoomID identifies the conference room to the server.
	RoomID string `yaml:"room_id"`

	// ListenerID is the local listener's participant identity.
	ListenerID string `yaml:"listener_id"`

	// Enabled turns translation on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Autoplay plays synthesized speech as it arrives. Default: true.
	Autoplay *bool `yaml:"autoplay"`

	// SourceLanguage is assumed for participants who announce no language.
	// Default: "ko".
	SourceLanguage string `yaml:"source_language"`

	// TargetLanguage is the language the listener wants to hear.
	// Default: "en".
	TargetLanguage string `yaml:"target_language"`
}

// IsEnabled reports the effective Enabled value.
func (t TranslationConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// IsAutoplay reports the effective Autoplay value.
func (t TranslationConfig) IsAutoplay() bool { return t.Autoplay == nil || *t.Autoplay }

// CaptureConfig tunes the voice-activity send policy.
type CaptureConfig struct {
	TargetSampleRate int           `yaml:"target_sample_rate"`
	AnalysisInterval time.Duration `yaml:"analysis_interval"`
	AnalysisWindow   int           `yaml:"analysis_window"`
	SpeechThreshold  float64       `yaml:"speech_threshold"`
	SilenceThreshold float64       `yaml:"silence_threshold"`
	SilenceDuration  time.Duration `yaml:"silence_duration"`
	ForcedInterval   time.Duration `yaml:"forced_interval"`
	MaxBuffer        time.Duration `yaml:"max_buffer"`
}

// TransportConfig tunes reconnection of translation sockets.
type TransportConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxAttempts      *int          `yaml:"max_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// PlaybackConfig configures the playback engine and its output.
type PlaybackConfig struct {
	Output        OutputKind    `yaml:"output"`
	OutputPath    string        `yaml:"output_path"`
	SampleRate    int           `yaml:"sample_rate"`
	MaxChannels   int           `yaml:"max_channels"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Buffer is the speaker buffer length. Larger values trade latency for
	// fewer underruns.
	Buffer time.Duration `yaml:"buffer"`

	// Volume is the master gain in [0, 1]. Default: 1.
	Volume *float64 `yaml:"volume"`
}

// EffectiveVolume returns Volume or 1 when unset.
func (p PlaybackConfig) EffectiveVolume() float64 {
	if p.Volume == nil {
		return 1
	}
	return *p.Volume
}

// ParticipantConfig declares one participant of the local demo roster. Its
// microphone is a WAV file streamed in real time.
type ParticipantConfig struct {
	// ID is the participant identity. Required and unique.
	ID string `yaml:"id"`

	// Name is the display name.
	Name string `yaml:"name"`

	// Metadata is the raw metadata the participant publishes, usually JSON
	// such as {"language":"ja"}.
	Metadata string `yaml:"metadata"`

	// WAV is the path of the audio file used as the microphone. Empty means
	// the participant has no microphone.
	WAV string `yaml:"wav"`

	// Loop restarts the file at EOF instead of ending the track.
	Loop bool `yaml:"loop"`
}
