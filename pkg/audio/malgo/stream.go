package malgo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertion.
var _ audio.Stream = (*stream)(nil)

// ErrDeviceStopped is reported through the stream's error callback when the
// device stops without a call to Stop (for example, it was unplugged).
var ErrDeviceStopped = errors.New("malgo: device stopped unexpectedly")

// stream wraps a miniaudio capture device.
type stream struct {
	dev       *malgo.Device
	deviceID  malgo.DeviceID
	channels  int
	callbacks audio.StreamCallbacks

	// buf is reused across data callbacks; the capture engine copies.
	buf []float32

	stopping atomic.Bool

	mu     sync.Mutex
	closed bool
}

// SampleRate returns the rate miniaudio negotiated with the device.
func (s *stream) SampleRate() int {
	return int(s.dev.SampleRate())
}

func (s *stream) Start() error {
	s.stopping.Store(false)
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start device: %w", err)
	}
	return nil
}

// Stop halts the device. Stopping a device that is not started is a no-op.
func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.dev.IsStarted() {
		return nil
	}
	s.stopping.Store(true)
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop device: %w", err)
	}
	return nil
}

// Close uninitialises the device. Subsequent calls are no-ops.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopping.Store(true)
	s.dev.Uninit()
	return nil
}

func (s *stream) onData(_, input []byte, frameCount uint32) {
	if s.callbacks.Data == nil {
		return
	}
	n := int(frameCount) * s.channels
	s.buf = decodeF32(input, n, s.buf)
	s.callbacks.Data(s.buf)
}

func (s *stream) onStop() {
	if s.stopping.Load() || s.callbacks.Error == nil {
		return
	}
	s.callbacks.Error(ErrDeviceStopped)
}

// decodeF32 decodes up to n little-endian float32 samples from b into dst,
// growing dst as needed. A short buffer yields as many whole samples as it
// holds.
func decodeF32(b []byte, n int, dst []float32) []float32 {
	if avail := len(b) / 4; n > avail {
		n = avail
	}
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}
