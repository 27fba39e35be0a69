package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// ChangeFunc receives the classified difference between the previous and the
// newly loaded config. It runs on the watcher goroutine, or on the goroutine
// calling [Watcher.Reload].
type ChangeFunc func(d ConfigDiff, cfg *Config)

// Watcher keeps the current config in sync with a file on disk. It polls the
// file's mtime and reloads when it moves; [Watcher.Reload] forces a reload.
// A file that fails to parse or validate is logged and the last valid config
// stays current. Callbacks fire only when [ConfigDiff.Changed] is true.
type Watcher struct {
	path      string
	interval  time.Duration
	onChange  ChangeFunc
	transform func(*Config) error

	// reload serialises loads so callbacks see configs in file order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultPollInterval].
// A negative interval disables polling; only [Watcher.Reload] reloads.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d != 0 {
			w.interval = d
		}
	}
}

// WithTransform sets a function applied to every loaded config before it is
// validated, e.g. to apply environment overrides. A transform error rejects
// the file.
func WithTransform(fn func(*Config) error) WatcherOption {
	return func(w *Watcher) { w.transform = fn }
}

// NewWatcher loads path and, unless polling is disabled, starts watching it.
// onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently loaded valid config. Callers must treat
// it as read-only.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file regardless of its mtime. It returns the applied
// diff, which is empty when the content did not change. On error the current
// config is kept.
func (w *Watcher) Reload() (ConfigDiff, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	snap, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected", "path", w.path, "err", err)
		return ConfigDiff{}, err
	}
	return w.apply(snap), nil
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.modified() {
				_, _ = w.Reload()
			}
		}
	}
}

// modified reports whether the file's mtime differs from the last load.
func (w *Watcher) modified() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.mtime)
}

// apply swaps in snap and notifies onChange if anything differs.
func (w *Watcher) apply(snap snapshot) ConfigDiff {
	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		w.mu.Unlock()
		return ConfigDiff{}
	}
	old := w.current
	w.current, w.sum = snap.cfg, snap.sum
	w.mu.Unlock()

	d := Diff(old, snap.cfg)
	if !d.Changed() {
		return d
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"device_match", d.DeviceMatchChanged,
		"overlay", d.OverlayChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(d, snap.cfg)
	}
	return d
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// read loads, transforms and validates the file. The hash covers the raw
// bytes, so a touch without edits is not a change.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	if w.transform != nil {
		if err := w.transform(cfg); err != nil {
			return snapshot{}, err
		}
	}
	if err := Validate(cfg); err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
