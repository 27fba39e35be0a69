// Package app wires all livecaption subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the capture engine,
// subtitle overlay, websocket hub and session controller; Run serves the HTTP
// control surface; and Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and adjust the
// remaining wiring with functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/internal/health"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/subtitle"
	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry.
type Providers struct {
	STT     stt.Provider
	Capture audio.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener
	ctrlOpts       []ControllerOption

	// Subsystems, initialised in New and torn down in Shutdown.
	capturer   *audio.Capturer
	overlay    *subtitle.Overlay
	hub        *subtitle.Hub
	controller *Controller
	health     *health.Handler
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTelemetry sets the metrics sink and the handler served on /metrics.
// A nil handler disables the endpoint.
func WithTelemetry(m *observe.Metrics, metricsHandler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = metricsHandler
	}
}

// WithListener serves HTTP on ln instead of listening on the configured
// address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithControllerOptions passes extra options to the session controller.
func WithControllerOptions(opts ...ControllerOption) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: an stt provider is required")
	}
	if providers.Capture == nil {
		return nil, errors.New("app: a capture backend is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Overlay + hub ─────────────────────────────────────────────────
	a.hub = subtitle.NewHub(subtitle.Snapshot{})
	a.overlay = subtitle.NewOverlay(
		subtitle.WithFadeAfter(cfg.Overlay.FadeAfter),
		subtitle.WithIdleHint(idleHint(cfg.Overlay)),
		subtitle.WithPublisher(a.hub),
	)
	a.hub.Publish(a.overlay.Snapshot())

	// ── 2. Capture engine ────────────────────────────────────────────────
	capOpts := []audio.CaptureOption{
		audio.WithMatcher(deviceMatcher(cfg.Capture.DeviceMatch)),
		audio.WithFrameSize(cfg.Capture.FrameSize),
		audio.WithBufferFrames(cfg.Capture.BufferFrames),
		audio.WithSilenceThreshold(float32(cfg.Capture.SilenceThreshold)),
		audio.WithStatus(a.overlay.Note),
	}
	if cfg.Capture.DiagnosticEvery > 0 {
		capOpts = append(capOpts, audio.WithDiagnostics(cfg.Capture.DiagnosticEvery, logDiagnostic))
	}
	a.capturer = audio.NewCapturer(providers.Capture, capOpts...)
	if c, ok := providers.Capture.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// ── 3. Controller ────────────────────────────────────────────────────
	ctrlOpts := append([]ControllerOption{
		WithMetrics(a.metrics),
		WithLanguage(cfg.Transcription.Language),
		WithKeyterms(cfg.Transcription.Keyterms),
	}, a.ctrlOpts...)
	a.controller = NewController(a.capturer, providers.STT, a.overlay, ctrlOpts...)

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.health = health.New(a.readinessCheckers()...)
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *Controller { return a.controller }

// Overlay returns the subtitle overlay.
func (a *App) Overlay() *subtitle.Overlay { return a.overlay }

// Run serves the HTTP control surface and blocks until ctx is cancelled or
// the server fails. When ctx is done, Run returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	slog.Info("app running", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies the hot-reloadable parts of a config change. Fields
// listed in d.RestartRequired are only logged.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.DeviceMatchChanged {
		a.capturer.SetMatcher(deviceMatcher(d.NewDeviceMatch))
		slog.Info("app: device match updated", "device_match", d.NewDeviceMatch)
	}
	if d.OverlayChanged {
		a.overlay.SetFadeAfter(d.NewOverlay.FadeAfter)
		a.overlay.SetIdleHint(idleHint(d.NewOverlay))
		slog.Info("app: overlay settings updated", "fade_after", d.NewOverlay.FadeAfter)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes require a restart", "fields", d.RestartRequired)
	}
}

// Shutdown stops the live session and tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.controller.Stop(); err != nil {
			slog.Warn("stop session error", "err", err)
		}
		a.overlay.Note("Shutting down")

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		a.hub.Close()

		// Run closers in order.
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

// checkCapture reports whether the capture backend can enumerate devices.
func (a *App) checkCapture(ctx context.Context) error {
	if _, err := a.providers.Capture.Devices(ctx); err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// deviceMatcher converts the configured device_match to a [audio.Matcher].
// An empty value means the platform default device.
func deviceMatcher(match string) audio.Matcher {
	if match == "" {
		return nil
	}
	return audio.LabelContains(match)
}

func idleHint(oc config.OverlayConfig) string {
	if oc.IdleHint == "" {
		return subtitle.DefaultIdleHint
	}
	return oc.IdleHint
}

// logDiagnostic runs on the audio thread; slog handlers do not block on a
// healthy stderr.
func logDiagnostic(d audio.Diagnostic) {
	slog.Debug("capture: diagnostic",
		"frame", d.Frame,
		"has_signal", d.HasSignal,
		"samples", d.Samples,
		"sample_rate", d.SampleRate,
		"dropped", d.Dropped,
	)
}
