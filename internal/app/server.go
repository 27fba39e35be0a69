package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/livecaption/internal/health"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/resilience"
	"github.com/MrWong99/livecaption/internal/subtitle"
)

// statusResponse is the body of every control endpoint.
type statusResponse struct {
	Status
	Overlay subtitle.Snapshot `json:"overlay"`
	Error   string            `json:"error,omitempty"`
}

// Handler returns the HTTP control surface:
//
//	POST /toggle   start or stop transcription
//	POST /start    start transcription
//	POST /stop     stop transcription
//	GET  /status   controller and overlay state
//	GET  /events   websocket stream of overlay snapshots
//	GET  /healthz  liveness
//	GET  /readyz   readiness
//	GET  /metrics  Prometheus metrics
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /toggle", a.handleToggle)
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /stop", a.handleStop)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /events", a.hub)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	a.respond(w, a.controller.Toggle(r.Context()))
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	a.respond(w, a.controller.Start(r.Context()))
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, a.controller.Stop())
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, nil)
}

// respond writes the current status, mapping err to an HTTP status code.
func (a *App) respond(w http.ResponseWriter, err error) {
	res := statusResponse{
		Status:  a.controller.Status(),
		Overlay: a.overlay.Snapshot(),
	}
	code := http.StatusOK
	if err != nil {
		res.Error = err.Error()
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			code = http.StatusConflict
		case errors.Is(err, ErrStartAborted):
			code = http.StatusAccepted
		case errors.Is(err, resilience.ErrCircuitOpen):
			code = http.StatusServiceUnavailable
		default:
			code = http.StatusBadGateway
		}
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("http: encode response", "err", err)
	}
}

// readinessCheckers reports whether a session could be started.
func (a *App) readinessCheckers() []health.Checker {
	checkers := []health.Checker{
		health.NotEmpty("credentials", func() string { return a.cfg.Transcription.APIKey }),
		{Name: "capture", Check: a.checkCapture},
	}
	if g, ok := a.providers.STT.(breakerGuarded); ok {
		checkers = append(checkers, health.Checker{
			Name:     "transport",
			Check:    breakerCheck(g.Breaker()),
			Optional: true,
		})
	}
	return checkers
}

// breakerGuarded is implemented by providers wrapped with
// [resilience.GuardSTT].
type breakerGuarded interface {
	Breaker() *resilience.Breaker
}

// breakerCheck degrades readiness while b refuses connects.
func breakerCheck(b *resilience.Breaker) func(context.Context) error {
	return func(context.Context) error {
		if s := b.State(); s == resilience.StateOpen {
			return fmt.Errorf("connect breaker %s", s)
		}
		return nil
	}
}
