// Command livecaption captures system audio, streams it to a live
// transcription service and serves the resulting subtitles to overlay clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/livecaption/internal/app"
	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/resilience"
	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/audio/malgo"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
	"github.com/MrWong99/livecaption/pkg/provider/stt/deepgram"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file; missing means defaults")
	envPath := flag.String("env", ".env", "path to an optional dotenv file")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "livecaption: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var current atomic.Pointer[app.App]
	onChange := func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Slog())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if a := current.Load(); a != nil {
			a.ApplyConfig(d)
		}
	}
	cfg, watcher, err := loadConfig(*configPath, onChange)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecaption: %v\n", err)
		return 1
	}
	if watcher != nil {
		defer watcher.Stop()
	}
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("livecaption starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	if cfg.Transcription.APIKey == "" {
		slog.Error("no transcription API key configured", "env", config.EnvAPIKey)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers,
		app.WithTelemetry(observe.DefaultMetrics(), tel.MetricsHandler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	current.Store(application)

	// ── Control signals ───────────────────────────────────────────────────────
	if watcher != nil && len(reloadSignals) > 0 {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, reloadSignals...)
		defer signal.Stop(reload)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-reload:
					slog.Info("config reload requested", "path", *configPath)
					_, _ = watcher.Reload()
				}
			}
		}()
	}
	if len(toggleSignals) > 0 {
		toggle := make(chan os.Signal, 1)
		signal.Notify(toggle, toggleSignals...)
		defer signal.Stop(toggle)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-toggle:
					if err := application.Controller().Toggle(ctx); err != nil {
						slog.Warn("toggle failed", "err", err)
					}
				}
			}
		}()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig loads and watches the file at path. A missing file yields the
// defaults and no watcher. Environment overrides apply in both cases and on
// every reload.
func loadConfig(path string, onChange config.ChangeFunc) (*config.Config, *config.Watcher, error) {
	applyEnv := func(c *config.Config) error { return config.ApplyEnv(c, os.LookupEnv) }

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		if err := applyEnv(cfg); err != nil {
			return nil, nil, err
		}
		return cfg, nil, nil
	}

	w, err := config.NewWatcher(path, onChange, config.WithTransform(applyEnv))
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(tc config.TranscriptionConfig) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithModel(tc.Model),
			deepgram.WithLanguage(tc.Language),
			deepgram.WithEndpointing(tc.EndpointingMs),
			deepgram.WithUtteranceEnd(tc.UtteranceEndMs),
			deepgram.WithKeepAlive(tc.KeepAliveInterval),
		}
		if tc.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(tc.BaseURL))
		}
		p, err := deepgram.New(tc.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterCapture("malgo", func(config.CaptureConfig) (audio.Backend, error) {
		b, err := malgo.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	sttProvider, err := reg.CreateSTT(cfg.Transcription)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Transcription.Provider, "model", cfg.Transcription.Model)

	// Fail fast after repeated handshake failures (bad key, network down)
	// instead of opening a fresh socket on every toggle.
	guarded := resilience.GuardSTT(sttProvider, resilience.BreakerConfig{Name: "stt/" + cfg.Transcription.Provider})

	backend, err := reg.CreateCapture(cfg.Capture)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "capture", "name", cfg.Capture.Backend)

	return &app.Providers{STT: guarded, Capture: backend}, nil
}
