// Package mock provides in-memory mock implementations of the [audio.Backend]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{Rate: 48000}
//	backend := &mock.Backend{
//	    DevicesResult: []audio.Device{{ID: "agg", Label: "Aggregate Device"}},
//	    OpenResult:    stream,
//	}
//	capturer := audio.NewCapturer(backend)
//	sess, _ := capturer.Start(ctx)
//	stream.Push(make([]float32, 4096)) // delivers one frame
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecaption/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Samples are injected with
// [Stream.Push]; they reach the capture engine only after Start and before Stop,
// mirroring a real device.
type Stream struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// StartError, StopError and CloseError are returned by the matching methods.
	StartError error
	StopError  error
	CloseError error

	// CallCountStart, CallCountStop and CallCountClose record invocations.
	CallCountStart int
	CallCountStop  int
	CallCountClose int

	callbacks audio.StreamCallbacks
	running   bool
}

// SampleRate implements [audio.Stream].
func (s *Stream) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.running = true
	return nil
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return s.StopError
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.running = false
	return s.CloseError
}

// Push delivers samples to the data callback as the audio thread would.
// It is a no-op unless the stream is running. Returns whether the samples
// were delivered.
func (s *Stream) Push(samples []float32) bool {
	s.mu.Lock()
	cb := s.callbacks.Data
	running := s.running
	s.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(samples)
	return true
}

// PushUnchecked delivers samples to the data callback even if the stream is
// stopped. Use it to simulate a callback already in flight when Stop ran.
func (s *Stream) PushUnchecked(samples []float32) {
	s.mu.Lock()
	cb := s.callbacks.Data
	s.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

// Fail invokes the error callback, simulating an asynchronous device failure.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	cb := s.callbacks.Error
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Running reports whether Start was called without a later Stop/Close.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Stream) bind(cb audio.StreamCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

var _ audio.Stream = (*Stream)(nil)

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	// Constraints is the constraints argument passed to Open.
	Constraints audio.Constraints
}

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []audio.Device

	// DevicesError is returned by Devices.
	DevicesError error

	// OpenResult is the stream returned by Open. If nil, Open creates a new
	// 48 kHz [Stream] per call; see [Backend.Streams].
	OpenResult *Stream

	// OpenError is returned by Open.
	OpenError error

	// OpenHook, if set, runs inside Open before it returns. Tests use it to
	// block Open or to race a Stop against it.
	OpenHook func(ctx context.Context)

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	streams []*Stream
}

// Devices implements [audio.Backend].
func (b *Backend) Devices(_ context.Context) ([]audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountDevices++
	if b.DevicesError != nil {
		return nil, b.DevicesError
	}
	out := make([]audio.Device, len(b.DevicesResult))
	copy(out, b.DevicesResult)
	return out, nil
}

// Open implements [audio.Backend].
func (b *Backend) Open(ctx context.Context, c audio.Constraints, cb audio.StreamCallbacks) (audio.Stream, error) {
	b.mu.Lock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Constraints: c})
	hook := b.OpenHook
	err := b.OpenError
	s := b.OpenResult
	b.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = &Stream{Rate: 48000}
	}
	s.bind(cb)

	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()
	return s, nil
}

// Streams returns every stream handed out by Open, in order.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, len(b.streams))
	copy(out, b.streams)
	return out
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (b *Backend) OpenCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenCalls)
}

var _ audio.Backend = (*Backend)(nil)
