package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/MrWong99/livecaption/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     map[string]func(TranscriptionConfig) (stt.Provider, error)
	capture map[string]func(CaptureConfig) (audio.Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:     make(map[string]func(TranscriptionConfig) (stt.Provider, error)),
		capture: make(map[string]func(CaptureConfig) (audio.Backend, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(TranscriptionConfig) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterCapture registers an audio capture backend factory under name.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// CreateSTT instantiates the STT provider named by cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory is registered for that name.
func (r *Registry) CreateSTT(cfg TranscriptionConfig) (stt.Provider, error) {
	r.mu.RLock()
	f, ok := r.stt[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: stt provider %q: %w", cfg.Provider, ErrProviderNotRegistered)
	}
	p, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create stt provider %q: %w", cfg.Provider, err)
	}
	return p, nil
}

// CreateCapture instantiates the capture backend named by cfg.Backend.
// Returns [ErrProviderNotRegistered] if no factory is registered for that name.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.Backend, error) {
	r.mu.RLock()
	f, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: capture backend %q: %w", cfg.Backend, ErrProviderNotRegistered)
	}
	b, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create capture backend %q: %w", cfg.Backend, err)
	}
	return b, nil
}
