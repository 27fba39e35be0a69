package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/pkg/audio"
	audiomock "github.com/MrWong99/livecaption/pkg/audio/mock"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
	sttmock "github.com/MrWong99/livecaption/pkg/provider/stt/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug

transcription:
  provider: deepgram
  api_key: dg-test
  model: nova-3
  language: en
  keepalive_interval: 8s
  endpointing_ms: 500
  utterance_end_ms: 1500
  keyterms:
    - Kubernetes
    - livecaption

capture:
  backend: malgo
  device_match: blackhole
  frame_size: 2048
  buffer_frames: 4
  diagnostic_every: 0
  silence_threshold: 0.02

overlay:
  fade_after: 3s
  idle_hint: Press F9
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	tc := cfg.Transcription
	if tc.APIKey != "dg-test" || tc.Language != "en" {
		t.Errorf("transcription: got %+v", tc)
	}
	if tc.KeepAliveInterval != 8*time.Second {
		t.Errorf("keepalive_interval: got %s, want 8s", tc.KeepAliveInterval)
	}
	if tc.EndpointingMs != 500 || tc.UtteranceEndMs != 1500 {
		t.Errorf("endpointing: got %d/%d", tc.EndpointingMs, tc.UtteranceEndMs)
	}
	if len(tc.Keyterms) != 2 || tc.Keyterms[0] != "Kubernetes" {
		t.Errorf("keyterms: got %v", tc.Keyterms)
	}
	cc := cfg.Capture
	if cc.DeviceMatch != "blackhole" || cc.FrameSize != 2048 || cc.BufferFrames != 4 {
		t.Errorf("capture: got %+v", cc)
	}
	if cc.DiagnosticEvery != 0 {
		t.Errorf("diagnostic_every: got %d, want explicit 0", cc.DiagnosticEvery)
	}
	if cfg.Overlay.FadeAfter != 3*time.Second || cfg.Overlay.IdleHint != "Press F9" {
		t.Errorf("overlay: got %+v", cfg.Overlay)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	want := config.Default()
	if cfg.Server != want.Server || cfg.Capture != want.Capture || cfg.Overlay != want.Overlay {
		t.Errorf("got %+v, want defaults %+v", cfg, want)
	}
	if cfg.Transcription.Model != "nova-3" || cfg.Transcription.Language != "multi" {
		t.Errorf("transcription defaults: got %+v", cfg.Transcription)
	}
	if cfg.Transcription.KeepAliveInterval != 10*time.Second {
		t.Errorf("keepalive default: got %s", cfg.Transcription.KeepAliveInterval)
	}
}

func TestLoadFromReader_PartialKeepsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("capture:\n  frame_size: 1024\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.FrameSize != 1024 {
		t.Errorf("frame_size: got %d, want 1024", cfg.Capture.FrameSize)
	}
	if cfg.Capture.DeviceMatch != config.DefaultDeviceMatch {
		t.Errorf("device_match: got %q, want default", cfg.Capture.DeviceMatch)
	}
}

func TestLoadFromReader_ExplicitEmptyDeviceMatch(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("capture:\n  device_match: \"\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.DeviceMatch != "" {
		t.Errorf("device_match: got %q, want empty", cfg.Capture.DeviceMatch)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("capture:\n  devcie_match: x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/livecaption.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"listen addr", "server:\n  listen_addr: \"\"\n", "listen_addr"},
		{"provider", "transcription:\n  provider: \"\"\n", "transcription.provider"},
		{"keepalive", "transcription:\n  keepalive_interval: 0s\n", "keepalive_interval"},
		{"endpointing", "transcription:\n  endpointing_ms: -1\n", "endpointing_ms"},
		{"utterance end", "transcription:\n  utterance_end_ms: 500\n", "utterance_end_ms"},
		{"empty keyterm", "transcription:\n  keyterms: [\"\"]\n", "keyterms[0]"},
		{"backend", "capture:\n  backend: \"\"\n", "capture.backend"},
		{"frame size", "capture:\n  frame_size: 0\n", "frame_size"},
		{"buffer frames", "capture:\n  buffer_frames: -2\n", "buffer_frames"},
		{"diagnostics", "capture:\n  diagnostic_every: -1\n", "diagnostic_every"},
		{"silence", "capture:\n  silence_threshold: 1.5\n", "silence_threshold"},
		{"fade", "overlay:\n  fade_after: 0s\n", "fade_after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
capture:
  frame_size: 0
overlay:
  fade_after: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "frame_size", "fade_after"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("transcription:\n  provider: acme\n")); err != nil {
		t.Errorf("unknown provider name should not fail validation, got: %v", err)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.level.Slog().String(); got != tt.want {
			t.Errorf("LogLevel(%q).Slog() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownSTT(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.TranscriptionConfig{Provider: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownCapture(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateCapture(config.CaptureConfig{Backend: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredSTT(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &sttmock.Provider{}
	var got config.TranscriptionConfig
	reg.RegisterSTT("mock", func(c config.TranscriptionConfig) (stt.Provider, error) {
		got = c
		return want, nil
	})

	p, err := reg.CreateSTT(config.TranscriptionConfig{Provider: "mock", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("CreateSTT returned a different provider")
	}
	if got.APIKey != "k" {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_RegisteredCapture(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &audiomock.Backend{}
	reg.RegisterCapture("mock", func(config.CaptureConfig) (audio.Backend, error) { return want, nil })

	b, err := reg.CreateCapture(config.CaptureConfig{Backend: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != want {
		t.Error("CreateCapture returned a different backend")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no key")
	reg.RegisterSTT("deepgram", func(config.TranscriptionConfig) (stt.Provider, error) { return nil, boom })

	_, err := reg.CreateSTT(config.TranscriptionConfig{Provider: "deepgram"})
	if !errors.Is(err, boom) {
		t.Errorf("expected factory error to be wrapped, got %v", err)
	}
}
