// Package resilience guards the transcription transport against repeated
// connect failures.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [GuardedSTT] wraps an [stt.Provider] so that after a run of failed
// handshakes, for example with a revoked API key, further starts fail fast
// until a cooldown passes. Sessions are never retried automatically.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Defaults for [BreakerConfig].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
)

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown passes.
	StateOpen

	// StateHalfOpen lets a single probe through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: [DefaultCooldown].
	Cooldown time.Duration

	// Now returns the current time. Default: [time.Now].
	Now func() time.Time
}

// Breaker counts consecutive failures and opens after MaxFailures of them.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker]. Zero-value config fields are replaced
// with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
	}
}

// Allow reports whether a call may proceed. A nil return obliges the caller
// to report the outcome with [Breaker.Done] or [Breaker.Abandon]. While open,
// the error wraps [ErrCircuitOpen] and says how long the cooldown still runs.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		left := b.cooldown - b.now().Sub(b.openedAt)
		if left > 0 {
			return fmt.Errorf("%w: retry in %s", ErrCircuitOpen, left.Round(time.Second))
		}
		b.state = StateHalfOpen
		b.probing = false
		slog.Info("resilience: breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}
		b.probing = true
	}
	return nil
}

// Done records the outcome of a call admitted by [Breaker.Allow]. A nil err
// closes the breaker.
func (b *Breaker) Done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			slog.Info("resilience: breaker closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		slog.Warn("resilience: breaker opened",
			"name", b.name,
			"consecutive_failures", b.failures,
			"cooldown", b.cooldown,
		)
	}
}

// Abandon releases a call admitted by [Breaker.Allow] without recording an
// outcome.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Execute runs fn if the breaker allows it and records its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Done(err)
	return err
}

// State returns the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen]; the transition itself happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	slog.Info("resilience: breaker reset", "name", b.name)
}
