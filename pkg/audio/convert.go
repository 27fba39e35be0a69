package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// passThroughTolerance is the maximum |ratio-1| at which a frame is treated as
// already being at [TargetSampleRate].
const passThroughTolerance = 0.01

// ResampleRatio returns nativeRate / [TargetSampleRate].
func ResampleRatio(nativeRate int) float64 {
	return float64(nativeRate) / TargetSampleRate
}

// Resample converts samples captured at nativeRate to [TargetSampleRate] using
// nearest-neighbour index selection: output sample i is input sample
// floor(i*ratio). There is no interpolation and no anti-aliasing filter, so
// downsampling aliases content above 8 kHz. This is a known, accepted
// limitation for speech.
//
// If the ratio is within 1% of 1.0, or nativeRate is not positive, the input
// slice is returned unchanged.
func Resample(samples []float32, nativeRate int) []float32 {
	if nativeRate <= 0 {
		return samples
	}
	ratio := ResampleRatio(nativeRate)
	if math.Abs(ratio-1.0) < passThroughTolerance {
		return samples
	}

	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range n {
		idx := int(math.Floor(float64(i) * ratio))
		if idx > last {
			idx = last
		}
		out[i] = samples[idx]
	}
	return out
}

// Quantize maps a float sample to int16 as round(clamp(s*32768, -32768, 32767)).
// Out-of-range input saturates; it never wraps. NaN maps to 0.
func Quantize(sample float32) int16 {
	v := float64(sample) * 32768
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// Encode resamples frame to [TargetSampleRate] and quantises it to int16. It
// is a pure function: one frame in, one frame out.
func Encode(frame AudioFrame) EncodedFrame {
	resampled := Resample(frame.Samples, frame.SampleRate)
	out := make([]int16, len(resampled))
	for i, s := range resampled {
		out[i] = Quantize(s)
	}
	return EncodedFrame{Samples: out, Seq: frame.Seq}
}

// Encoder applies [Encode] to a stream of frames. It logs once when the
// native rate differs from the target. Create one per stream.
type Encoder struct {
	warnedMismatch sync.Once
}

// Encode encodes frame, logging the first rate conversion it performs.
func (e *Encoder) Encode(frame AudioFrame) EncodedFrame {
	if frame.SampleRate != TargetSampleRate {
		e.warnedMismatch.Do(func() {
			slog.Info("audio encoder: resampling",
				"from", formatString(frame.SampleRate, frame.Channels),
				"to", formatString(TargetSampleRate, 1),
				"ratio", ResampleRatio(frame.SampleRate),
			)
		})
	}
	return Encode(frame)
}

// EncodeStream wraps a frame channel with an encoding goroutine. Order is
// preserved 1:1. The returned channel has the same capacity as in and is
// closed when in closes.
func EncodeStream(in <-chan AudioFrame) <-chan EncodedFrame {
	out := make(chan EncodedFrame, cap(in))
	go func() {
		defer close(out)
		var enc Encoder
		for frame := range in {
			out <- enc.Encode(frame)
		}
	}()
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
