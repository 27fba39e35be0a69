package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livecaption/internal/app"
	"github.com/MrWong99/livecaption/internal/config"
	"github.com/MrWong99/livecaption/internal/observe"
	"github.com/MrWong99/livecaption/internal/resilience"
	"github.com/MrWong99/livecaption/internal/subtitle"
	"github.com/MrWong99/livecaption/pkg/audio"
	audiomock "github.com/MrWong99/livecaption/pkg/audio/mock"
	sttmock "github.com/MrWong99/livecaption/pkg/provider/stt/mock"
)

// closingBackend counts Close calls on top of the mock backend.
type closingBackend struct {
	*audiomock.Backend
	closes atomic.Int32
}

func (b *closingBackend) Close() error {
	b.closes.Add(1)
	return nil
}

// testConfig returns the default config with credentials set.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transcription.APIKey = "test-key"
	cfg.Overlay.FadeAfter = time.Hour
	return cfg
}

type testApp struct {
	app      *app.App
	backend  *closingBackend
	provider *sttmock.Provider
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *testApp {
	t.Helper()

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ta := &testApp{
		backend: &closingBackend{Backend: &audiomock.Backend{
			DevicesResult: []audio.Device{
				{ID: "builtin", Label: "Built-in Microphone", IsDefault: true},
				{ID: "agg", Label: "Aggregate Device"},
				{ID: "usb", Label: "USB Headset"},
			},
		}},
		provider: &sttmock.Provider{},
	}
	opts = append([]app.Option{app.WithTelemetry(m, nil)}, opts...)
	a, err := app.New(cfg, &app.Providers{STT: ta.provider, Capture: ta.backend}, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ta.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return ta
}

// statusBody mirrors the JSON returned by the control endpoints.
type statusBody struct {
	State     string            `json:"state"`
	SessionID string            `json:"session_id"`
	Device    string            `json:"device"`
	Error     string            `json:"error"`
	Overlay   subtitle.Snapshot `json:"overlay"`
}

func do(t *testing.T, h http.Handler, method, path string) (int, statusBody) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body statusBody
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: decode body: %v", method, path, err)
		}
	}
	return rec.Code, body
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	if _, err := app.New(cfg, &app.Providers{Capture: &audiomock.Backend{}}); err == nil {
		t.Error("New without stt provider succeeded")
	}
	if _, err := app.New(cfg, &app.Providers{STT: &sttmock.Provider{}}); err == nil {
		t.Error("New without capture backend succeeded")
	}
	if _, err := app.New(cfg, nil); err == nil {
		t.Error("New with nil providers succeeded")
	}
}

func TestNew_UsesConfiguredIdleHint(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Overlay.IdleHint = "Press the hotkey"
	ta := newTestApp(t, cfg)

	if got := ta.app.Overlay().Snapshot().Text; got != "Press the hotkey" {
		t.Errorf("idle text = %q, want configured hint", got)
	}
}

func TestHandler_ToggleLifecycle(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, testConfig())
	h := ta.app.Handler()

	code, body := do(t, h, http.MethodPost, "/toggle")
	if code != http.StatusOK {
		t.Fatalf("POST /toggle = %d, want 200 (error %q)", code, body.Error)
	}
	if body.State != "recording" {
		t.Errorf("state = %q, want recording", body.State)
	}
	if body.Device != "agg" {
		t.Errorf("device = %q, want agg (default device_match is aggregate)", body.Device)
	}
	if body.Overlay.State != subtitle.IndicatorListening {
		t.Errorf("overlay state = %q, want listening", body.Overlay.State)
	}

	code, body = do(t, h, http.MethodPost, "/start")
	if code != http.StatusConflict {
		t.Errorf("POST /start while recording = %d, want 409", code)
	}
	if body.Error == "" {
		t.Error("conflict response has no error message")
	}

	code, body = do(t, h, http.MethodGet, "/status")
	if code != http.StatusOK || body.SessionID == "" {
		t.Errorf("GET /status = %d, session %q", code, body.SessionID)
	}

	code, body = do(t, h, http.MethodPost, "/toggle")
	if code != http.StatusOK || body.State != "idle" {
		t.Errorf("POST /toggle (stop) = %d, state %q; want 200 idle", code, body.State)
	}

	code, body = do(t, h, http.MethodPost, "/stop")
	if code != http.StatusOK || body.State != "idle" {
		t.Errorf("POST /stop while idle = %d, state %q; want 200 idle", code, body.State)
	}
}

func TestHandler_StartFailure(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, testConfig())
	ta.provider.StartStreamErr = errors.New("dial: connection refused")

	code, body := do(t, ta.app.Handler(), http.MethodPost, "/start")
	if code != http.StatusBadGateway {
		t.Fatalf("POST /start = %d, want 502", code)
	}
	if body.State != "error" {
		t.Errorf("state = %q, want error", body.State)
	}
	if body.Overlay.Error == nil || body.Overlay.Error.Type != subtitle.ErrorTransport {
		t.Errorf("overlay error = %+v, want transport", body.Overlay.Error)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, testConfig())

	code, _ := do(t, ta.app.Handler(), http.MethodGet, "/toggle")
	if code != http.StatusMethodNotAllowed {
		t.Errorf("GET /toggle = %d, want 405", code)
	}
}

func TestHandler_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		apiKey     string
		devicesErr error
		want       int
	}{
		{name: "ready", apiKey: "key", want: http.StatusOK},
		{name: "missing credentials", apiKey: "", want: http.StatusServiceUnavailable},
		{name: "capture unavailable", apiKey: "key", devicesErr: errors.New("permission denied"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Transcription.APIKey = tt.apiKey
			ta := newTestApp(t, cfg)
			ta.backend.DevicesError = tt.devicesErr

			rec := httptest.NewRecorder()
			ta.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.want {
				t.Errorf("GET /readyz = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestHandler_ConnectBreaker(t *testing.T) {
	t.Parallel()

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	inner := &sttmock.Provider{StartStreamErr: errors.New("handshake: 401")}
	guarded := resilience.GuardSTT(inner, resilience.BreakerConfig{Name: "stt", MaxFailures: 1, Cooldown: time.Hour})
	backend := &audiomock.Backend{DevicesResult: []audio.Device{{ID: "builtin", Label: "Built-in Microphone"}}}

	a, err := app.New(testConfig(), &app.Providers{STT: guarded, Capture: backend}, app.WithTelemetry(m, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	h := a.Handler()

	readyz := func() (int, string) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		var body struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		return rec.Code, body.Status
	}
	if code, status := readyz(); code != http.StatusOK || status != "ok" {
		t.Fatalf("GET /readyz before failures = %d %q", code, status)
	}

	if code, _ := do(t, h, http.MethodPost, "/start"); code != http.StatusBadGateway {
		t.Fatalf("first POST /start = %d, want 502", code)
	}
	code, body := do(t, h, http.MethodPost, "/start")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("second POST /start = %d, want 503", code)
	}
	if !strings.Contains(body.Error, "retry in") {
		t.Errorf("error %q does not say when to retry", body.Error)
	}
	if got := inner.StartStreamCallCount(); got != 1 {
		t.Errorf("provider dialled %d times, want 1", got)
	}

	if code, status := readyz(); code != http.StatusOK || status != "degraded" {
		t.Errorf("GET /readyz with open breaker = %d %q, want 200 degraded", code, status)
	}
}

func TestHandler_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "livecaption_errors_total 0\n")
	})
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ta := newTestApp(t, testConfig(), app.WithTelemetry(m, metricsHandler))

	rec := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "livecaption_errors") {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}

	// Without a handler the route does not exist.
	plain := newTestApp(t, testConfig())
	rec = httptest.NewRecorder()
	plain.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without handler = %d, want 404", rec.Code)
	}
}

func TestApp_ApplyConfigDeviceMatch(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	ta := newTestApp(t, cfg)

	next := *cfg
	next.Capture.DeviceMatch = "usb"
	d := config.Diff(cfg, &next)
	ta.app.ApplyConfig(d)

	ctrl := ta.app.Controller()
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ctrl.Status().Device; got != "usb" {
		t.Errorf("device = %q, want usb after reload", got)
	}
}

func TestApp_ApplyConfigOverlay(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	ta := newTestApp(t, cfg)

	next := *cfg
	next.Overlay.IdleHint = "Reloaded hint"
	ta.app.ApplyConfig(config.Diff(cfg, &next))

	if got := ta.app.Overlay().Snapshot().Text; got != "Reloaded hint" {
		t.Errorf("idle text = %q, want reloaded hint", got)
	}
}

func TestApp_ShutdownStopsSession(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t, testConfig())

	if err := ta.app.Controller().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ta.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := ta.app.Controller().State(); got != app.StateIdle {
		t.Errorf("state after shutdown = %s, want idle", got)
	}
	if got := ta.provider.Sessions()[0].Closes(); got != 1 {
		t.Errorf("transport Close calls = %d, want 1", got)
	}
	if got := ta.backend.closes.Load(); got != 1 {
		t.Errorf("backend Close calls = %d, want 1", got)
	}

	// Shutdown is idempotent.
	if err := ta.app.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
	if got := ta.backend.closes.Load(); got != 1 {
		t.Errorf("backend Close calls after second Shutdown = %d, want 1", got)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ta := newTestApp(t, testConfig(), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ta.app.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	waitFor(t, "healthz", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := ta.app.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Error("server still accepting requests after Shutdown")
	}
}
