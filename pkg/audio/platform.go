// Package audio defines the capture-side audio pipeline of livecaption:
// device selection, the capture engine, and the resample/encode stage that
// turns native float frames into 16 kHz linear16 PCM.
//
// The platform boundary is the [Backend] interface. A backend enumerates
// input devices and opens a [Stream] that pushes raw float samples into a
// callback. Backends live in sub-packages (audio/malgo for real devices,
// audio/mock for tests) so that this package stays free of cgo.
//
// Data flows as:
//
//	Backend callback → Capturer (fixed-size framing) → CaptureSession.Frames()
//	    → EncodeStream → EncodedFrame.Bytes() → transport
package audio

import "context"

// Constraints describes the stream requested from a [Backend]. The zero value
// asks for an unprocessed stream on the default device with the backend's
// native channel layout.
type Constraints struct {
	// DeviceID pins a specific device. Empty selects the platform default.
	DeviceID string

	// Channels is the requested channel count. The capture engine always asks
	// for 1 (mono).
	Channels int

	// EchoCancellation, NoiseSuppression and AutoGainControl request platform
	// voice processing. The capture engine always disables all three so the
	// transcription service receives the raw signal.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// PeriodFrames is a hint for the backend callback size. Backends may
	// deliver any number of samples per callback; the capture engine re-frames.
	PeriodFrames int
}

// StreamCallbacks are invoked by a [Stream] on the backend's audio thread.
type StreamCallbacks struct {
	// Data receives interleaved float samples. The slice may be reused by the
	// backend after Data returns; receivers must copy what they keep.
	Data func(samples []float32)

	// Error reports an asynchronous stream failure (device unplugged, stream
	// stopped by the OS). May be nil.
	Error func(err error)
}

// Stream is an open device stream. Start begins delivery to the callbacks;
// Stop halts it (the equivalent of stopping the media tracks) and Close
// releases the underlying audio context. Implementations must tolerate Stop
// and Close being called on a stream that was never started.
type Stream interface {
	// SampleRate returns the native rate the stream runs at. The capture engine
	// never forces a rate.
	SampleRate() int

	Start() error
	Stop() error
	Close() error
}

// Backend is the entry point to a platform audio system.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Devices enumerates the available capture devices. An error here (for
	// example, permission denied) is fatal to a capture start.
	Devices(ctx context.Context) ([]Device, error)

	// Open acquires a capture stream satisfying c. It may block on platform
	// permission prompts; callers bound it with ctx where the backend allows.
	Open(ctx context.Context, c Constraints, cb StreamCallbacks) (Stream, error)
}
