package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"deepgram"},
	"capture": {"malgo"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Fields absent from the document keep their defaults;
// an empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses YAML on top of [Default] without validating.
func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr: must not be empty"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: %q is not valid (want debug, info, warn or error)", cfg.Server.LogLevel))
	}

	tc := cfg.Transcription
	if tc.Provider == "" {
		errs = append(errs, errors.New("transcription.provider: must not be empty"))
	}
	validateProviderName("stt", tc.Provider)
	if tc.KeepAliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("transcription.keepalive_interval: must be positive, got %s", tc.KeepAliveInterval))
	}
	if tc.EndpointingMs < 0 {
		errs = append(errs, fmt.Errorf("transcription.endpointing_ms: must not be negative, got %d", tc.EndpointingMs))
	}
	if tc.UtteranceEndMs < 1000 {
		errs = append(errs, fmt.Errorf("transcription.utterance_end_ms: must be at least 1000, got %d", tc.UtteranceEndMs))
	}
	for i, kt := range tc.Keyterms {
		if kt == "" {
			errs = append(errs, fmt.Errorf("transcription.keyterms[%d]: must not be empty", i))
		}
	}

	cc := cfg.Capture
	if cc.Backend == "" {
		errs = append(errs, errors.New("capture.backend: must not be empty"))
	}
	validateProviderName("capture", cc.Backend)
	if cc.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size: must be positive, got %d", cc.FrameSize))
	}
	if cc.BufferFrames <= 0 {
		errs = append(errs, fmt.Errorf("capture.buffer_frames: must be positive, got %d", cc.BufferFrames))
	}
	if cc.DiagnosticEvery < 0 {
		errs = append(errs, fmt.Errorf("capture.diagnostic_every: must not be negative, got %d", cc.DiagnosticEvery))
	}
	if cc.SilenceThreshold < 0 || cc.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("capture.silence_threshold: must be in [0, 1), got %g", cc.SilenceThreshold))
	}

	if cfg.Overlay.FadeAfter <= 0 {
		errs = append(errs, fmt.Errorf("overlay.fade_after: must be positive, got %s", cfg.Overlay.FadeAfter))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning when name is not in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
