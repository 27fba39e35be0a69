package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
capture:
  device_match: aggregate
`

const watcherUpdatedYAML = `
server:
  log_level: debug
capture:
  device_match: blackhole
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// recorder collects watcher callbacks.
type recorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	cfgs  []*config.Config
	ch    chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 8)} }

func (r *recorder) onChange(d config.ConfigDiff, cfg *config.Config) {
	r.mu.Lock()
	r.diffs = append(r.diffs, d)
	r.cfgs = append(r.cfgs, cfg)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

// newManualWatcher writes content and returns a watcher that only reloads on
// demand.
func newManualWatcher(t *testing.T, content string, rec *recorder, opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	var cb config.ChangeFunc
	if rec != nil {
		cb = rec.onChange
	}
	w, err := config.NewWatcher(path, cb, append([]config.WatcherOption{config.WithInterval(-1)}, opts...)...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newManualWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_ReloadReportsDiff(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newManualWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherUpdatedYAML)
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !d.DeviceMatchChanged || d.NewDeviceMatch != "blackhole" {
		t.Errorf("device match diff: got %+v", d)
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff: got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired: got %v, want none", d.RestartRequired)
	}

	if rec.calls() != 1 {
		t.Fatalf("callbacks: got %d, want 1", rec.calls())
	}
	if rec.cfgs[0] != w.Current() {
		t.Error("callback config is not the current config")
	}
	if cur := w.Current(); cur.Capture.DeviceMatch != "blackhole" {
		t.Errorf("Current() device_match: got %q", cur.Capture.DeviceMatch)
	}
}

func TestWatcher_ReloadUnchangedIsSilent(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, _ := newManualWatcher(t, watcherValidYAML, rec)

	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if d.Changed() {
		t.Errorf("diff: got %+v, want no change", d)
	}
	if rec.calls() != 0 {
		t.Errorf("callbacks: got %d, want 0", rec.calls())
	}
}

func TestWatcher_CommentOnlyEditIsSilent(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newManualWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherValidYAML+"# tweaked\n")
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if d.Changed() || rec.calls() != 0 {
		t.Errorf("comment edit reported a change: %+v", d)
	}
}

func TestWatcher_RestartRequiredFields(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newManualWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherValidYAML+"transcription:\n  model: nova-2\n")
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slices.Equal(d.RestartRequired, []string{"transcription.model"}) {
		t.Errorf("RestartRequired: got %v", d.RestartRequired)
	}
	if rec.calls() != 1 {
		t.Errorf("callbacks: got %d, want 1", rec.calls())
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := newManualWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherInvalidYAML)
	if _, err := w.Reload(); err == nil {
		t.Fatal("expected error for invalid config, got nil")
	}
	if rec.calls() != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", rec.calls())
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_TransformApplied(t *testing.T) {
	t.Parallel()
	key := "from-env"
	var mu sync.Mutex
	transform := config.WithTransform(func(c *config.Config) error {
		mu.Lock()
		defer mu.Unlock()
		c.Transcription.APIKey = key
		return nil
	})
	w, path := newManualWatcher(t, watcherValidYAML, nil, transform)

	if got := w.Current().Transcription.APIKey; got != "from-env" {
		t.Errorf("api key: got %q, want transform applied", got)
	}

	// The transform runs again on every reload.
	mu.Lock()
	key = "rotated"
	mu.Unlock()
	writeFile(t, path, watcherValidYAML+"\n")
	d, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !slices.Contains(d.RestartRequired, "transcription.api_key") {
		t.Errorf("RestartRequired: got %v, want api_key", d.RestartRequired)
	}
}

func TestWatcher_TransformRunsBeforeValidation(t *testing.T) {
	t.Parallel()
	w, _ := newManualWatcher(t, "transcription:\n  utterance_end_ms: 10\n", nil,
		config.WithTransform(func(c *config.Config) error {
			c.Transcription.UtteranceEndMs = 1000
			return nil
		}))
	if got := w.Current().Transcription.UtteranceEndMs; got != 1000 {
		t.Errorf("utterance_end_ms: got %d, want 1000", got)
	}
}

func TestWatcher_TransformErrorRejects(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	_, err := config.NewWatcher(path, nil, config.WithTransform(func(*config.Config) error {
		return errors.New("bad env")
	}))
	if err == nil {
		t.Fatal("expected transform error, got nil")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher("/nonexistent/path.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w.Stop()
	w.Stop()
	w.Stop()
}

func TestWatcher_PollsForChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	rec := newRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML)
	// Force a distinct mtime on filesystems with coarse timestamps.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cur.Server.LogLevel)
	}
}
