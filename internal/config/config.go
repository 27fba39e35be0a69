// Package config provides the configuration schema, loader, environment
// overrides, provider registry and file watcher for livecaption.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the livecaption daemon.
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

// Slog returns the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults used when a field is absent from the config file.
const (
	DefaultListenAddr        = "127.0.0.1:8085"
	DefaultProvider          = "deepgram"
	DefaultModel             = "nova-3"
	DefaultLanguage          = "multi"
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultEndpointingMs     = 300
	DefaultUtteranceEndMs    = 1000
	DefaultBackend           = "malgo"
	DefaultDeviceMatch       = "aggregate"
	DefaultFrameSize         = 4096
	DefaultBufferFrames      = 8
	DefaultDiagnosticEvery   = 50
	DefaultSilenceThreshold  = 0.01
	DefaultFadeAfter         = 5 * time.Second
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Capture       CaptureConfig       `yaml:"capture"`
	Overlay       OverlayConfig       `yaml:"overlay"`
}

// ServerConfig holds settings for the local control server.
type ServerConfig struct {
	// ListenAddr is the TCP address for the control and display endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log level.
	LogLevel LogLevel `yaml:"log_level"`
}

// TranscriptionConfig selects and tunes the speech-to-text provider.
type TranscriptionConfig struct {
	// Provider is the registered provider name (e.g., "deepgram").
	Provider string `yaml:"provider"`

	// APIKey is the provider credential. The DEEPGRAM_API_KEY environment
	// variable overrides it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the streaming endpoint. Mainly useful for tests.
	BaseURL string `yaml:"base_url"`

	Model    string `yaml:"model"`
	Language string `yaml:"language"`

	// KeepAliveInterval is how often a keep-alive is sent while the
	// connection is open.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// EndpointingMs is the silence in milliseconds after which the service
	// finalises an utterance.
	EndpointingMs int `yaml:"endpointing_ms"`

	// UtteranceEndMs is the word gap in milliseconds that triggers an
	// utterance-end event.
	UtteranceEndMs int `yaml:"utterance_end_ms"`

	// Keyterms boosts recognition of domain vocabulary.
	Keyterms []string `yaml:"keyterms"`
}

// CaptureConfig tunes the audio capture engine.
type CaptureConfig struct {
	// Backend is the registered capture backend name (e.g., "malgo").
	Backend string `yaml:"backend"`

	// DeviceMatch is a case-insensitive substring of the preferred device
	// label. Empty means always use the system default device.
	DeviceMatch string `yaml:"device_match"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	// BufferFrames is how many frames may queue before new ones are dropped.
	BufferFrames int `yaml:"buffer_frames"`

	// DiagnosticEvery logs a level diagnostic every N frames. Zero disables.
	DiagnosticEvery int `yaml:"diagnostic_every"`

	// SilenceThreshold is the absolute amplitude above which a frame counts
	// as carrying signal.
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// OverlayConfig tunes the subtitle display.
type OverlayConfig struct {
	// FadeAfter is how long a final transcript stays visible.
	FadeAfter time.Duration `yaml:"fade_after"`

	// IdleHint is the text shown while transcription is stopped.
	IdleHint string `yaml:"idle_hint"`
}

// Default returns a config with every field at its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			LogLevel:   LogInfo,
		},
		Transcription: TranscriptionConfig{
			Provider:          DefaultProvider,
			Model:             DefaultModel,
			Language:          DefaultLanguage,
			KeepAliveInterval: DefaultKeepAliveInterval,
			EndpointingMs:     DefaultEndpointingMs,
			UtteranceEndMs:    DefaultUtteranceEndMs,
		},
		Capture: CaptureConfig{
			Backend:          DefaultBackend,
			DeviceMatch:      DefaultDeviceMatch,
			FrameSize:        DefaultFrameSize,
			BufferFrames:     DefaultBufferFrames,
			DiagnosticEvery:  DefaultDiagnosticEvery,
			SilenceThreshold: DefaultSilenceThreshold,
		},
		Overlay: OverlayConfig{
			FadeAfter: DefaultFadeAfter,
		},
	}
}
