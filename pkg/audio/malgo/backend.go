// Package malgo provides an [audio.Backend] implementation backed by
// miniaudio via the gen2brain/malgo bindings. It opens capture devices in
// 32-bit float mono at the device's native sample rate and hands raw samples
// to the capture engine.
//
// miniaudio applies no echo cancellation, noise suppression or gain control
// of its own, so every stream opened here is unprocessed regardless of the
// corresponding [audio.Constraints] flags. Requests that enable them are
// logged and ignored.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livecaption/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// ErrUnknownDevice is returned by [Backend.Open] when the requested device ID
// was not seen by the last call to [Backend.Devices].
var ErrUnknownDevice = errors.New("malgo: unknown device")

// Backend implements [audio.Backend] on top of a miniaudio context.
//
// Backend is safe for concurrent use.
type Backend struct {
	ctx *malgo.AllocatedContext

	mu  sync.Mutex
	ids map[string]malgo.DeviceID
}

// New initialises a miniaudio context using the platform's default backend
// order. Call [Backend.Close] to release it.
func New() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo: " + msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Backend{
		ctx: ctx,
		ids: make(map[string]malgo.DeviceID),
	}, nil
}

// Devices implements [audio.Backend]. The returned IDs are only valid for
// [Backend.Open] on the same Backend.
func (b *Backend) Devices(_ context.Context) ([]audio.Device, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: list capture devices: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ids)

	devices := make([]audio.Device, 0, len(infos))
	for i := range infos {
		info := &infos[i]
		id := info.ID.String()
		b.ids[id] = info.ID
		devices = append(devices, audio.Device{
			ID:        id,
			Label:     info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Open implements [audio.Backend]. An empty DeviceID opens the system default
// capture device. The sample rate is left to the device.
func (b *Backend) Open(ctx context.Context, c audio.Constraints, cb audio.StreamCallbacks) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Warn("malgo: voice processing not supported, opening raw stream")
	}

	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}

	s := &stream{
		channels:  channels,
		callbacks: cb,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = 0
	if c.PeriodFrames > 0 {
		cfg.PeriodSizeInFrames = uint32(c.PeriodFrames)
	}
	cfg.Alsa.NoMMap = 1

	if c.DeviceID != "" {
		b.mu.Lock()
		id, ok := b.ids[c.DeviceID]
		b.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, c.DeviceID)
		}
		s.deviceID = id
		cfg.Capture.DeviceID = s.deviceID.Pointer()
	}

	dev, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init device: %w", err)
	}
	s.dev = dev
	return s, nil
}

// Close releases the miniaudio context. Streams opened from this Backend must
// be closed first.
func (b *Backend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}
