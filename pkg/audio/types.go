package audio

import (
	"encoding/binary"
	"time"
)

// TargetSampleRate is the sample rate, in Hz, expected by the transcription
// transport. Every [EncodedFrame] is at this rate.
const TargetSampleRate = 16000

// DefaultFrameSize is the number of samples per [AudioFrame] delivered by the
// capture engine.
const DefaultFrameSize = 4096

// AudioFrame is one fixed-size batch of raw samples captured in a single
// buffer interval. Frames are produced by a [CaptureSession] in capture order
// and must be treated as immutable once received.
type AudioFrame struct {
	// Samples holds float PCM, nominally in [-1.0, 1.0].
	Samples []float32

	// SampleRate is the native device rate in Hz (e.g. 44100, 48000).
	SampleRate int

	// Channels is the channel count of Samples. The capture engine requests
	// mono, so this is 1 in practice.
	Channels int

	// Seq is the 1-based sequence number of the frame within its session.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to session start.
	Timestamp time.Duration
}

// EncodedFrame is an [AudioFrame] after resampling to [TargetSampleRate] and
// quantisation to 16-bit signed linear PCM (mono). It exists only long enough
// to be handed to the transport as bytes.
type EncodedFrame struct {
	Samples []int16

	// Seq is copied from the source frame.
	Seq uint64
}

// Bytes returns the frame as little-endian int16 PCM, the wire format of the
// transcription transport.
func (f EncodedFrame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration returns the playback length of the frame at [TargetSampleRate].
func (f EncodedFrame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / TargetSampleRate
}
