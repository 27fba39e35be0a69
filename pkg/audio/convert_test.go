package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/livecaption/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// ramp returns n samples spanning [-1, 1) so that every index is distinguishable.
func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = -1 + 2*float32(i)/float32(n)
	}
	return out
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEncode_PassThroughNearTarget(t *testing.T) {
	// |ratio-1| < 0.01 for all of these.
	for _, rate := range []int{16000, 15900, 16100, 16150} {
		in := ramp(512)
		got := audio.Encode(audio.AudioFrame{Samples: in, SampleRate: rate, Channels: 1})
		if len(got.Samples) != len(in) {
			t.Fatalf("rate %d: length = %d, want %d", rate, len(got.Samples), len(in))
		}
		for i, s := range in {
			if want := audio.Quantize(s); got.Samples[i] != want {
				t.Fatalf("rate %d: sample %d = %d, want %d", rate, i, got.Samples[i], want)
			}
		}
	}
}

func TestEncode_NearestNeighbourProperty(t *testing.T) {
	rates := []int{22050, 32000, 44100, 48000, 96000}
	for _, rate := range rates {
		in := ramp(4096)
		ratio := float64(rate) / 16000
		got := audio.Encode(audio.AudioFrame{Samples: in, SampleRate: rate, Channels: 1})

		wantLen := int(math.Floor(float64(len(in)) / ratio))
		if len(got.Samples) != wantLen {
			t.Fatalf("rate %d: length = %d, want %d", rate, len(got.Samples), wantLen)
		}
		for i := range got.Samples {
			src := int(math.Floor(float64(i) * ratio))
			if want := audio.Quantize(in[src]); got.Samples[i] != want {
				t.Fatalf("rate %d: sample %d = %d, want quantize(in[%d]) = %d", rate, i, got.Samples[i], src, want)
			}
		}
	}
}

func TestEncode_48kHzScenario(t *testing.T) {
	frame := audio.AudioFrame{Samples: constant(4096, 0.5), SampleRate: 48000, Channels: 1, Seq: 7}
	got := audio.Encode(frame)

	if len(got.Samples) != 1365 {
		t.Fatalf("length = %d, want 1365", len(got.Samples))
	}
	for i, s := range got.Samples {
		if s != 16384 {
			t.Fatalf("sample %d = %d, want 16384", i, s)
		}
	}
	if got.Seq != 7 {
		t.Errorf("Seq = %d, want 7", got.Seq)
	}
}

func TestEncode_Upsample(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3, 0.4}
	got := audio.Resample(in, 8000)
	want := []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3, 0.4, 0.4}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResample_InvalidRatePassesThrough(t *testing.T) {
	in := []float32{0.1, 0.2}
	if got := audio.Resample(in, 0); len(got) != 2 {
		t.Errorf("rate 0: length = %d, want 2", len(got))
	}
	if got := audio.Resample(nil, 48000); len(got) != 0 {
		t.Errorf("empty input: length = %d, want 0", len(got))
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"full positive", 1.0, 32767},
		{"over positive", 1.7, 32767},
		{"full negative", -1.0, -32768},
		{"over negative", -3, -32768},
		{"tiny rounds", 1.0 / 65536, 1},
		{"NaN", float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Quantize(tt.in); got != tt.want {
				t.Errorf("Quantize(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestQuantize_Monotonic(t *testing.T) {
	prev := audio.Quantize(-2)
	for v := float32(-2); v <= 2; v += 0.0005 {
		got := audio.Quantize(v)
		if got < prev {
			t.Fatalf("Quantize not monotonic at %v: %d < %d", v, got, prev)
		}
		prev = got
	}
}

func TestEncodedFrame_Bytes(t *testing.T) {
	f := audio.EncodedFrame{Samples: []int16{0, 1, -1, 32767, -32768}}
	b := f.Bytes()
	if len(b) != 10 {
		t.Fatalf("len = %d, want 10", len(b))
	}
	// Little-endian: 1 → 0x01 0x00, -1 → 0xFF 0xFF.
	if b[2] != 0x01 || b[3] != 0x00 || b[4] != 0xFF || b[5] != 0xFF {
		t.Errorf("unexpected byte layout: % x", b)
	}
	got := bytesToSamples(b)
	for i, s := range f.Samples {
		if got[i] != s {
			t.Errorf("sample %d = %d, want %d", i, got[i], s)
		}
	}
}

func TestEncodedFrame_Duration(t *testing.T) {
	f := audio.EncodedFrame{Samples: make([]int16, 1600)}
	if got := f.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}
}

func TestEncodeStream_PreservesOrder(t *testing.T) {
	in := make(chan audio.AudioFrame, 4)
	out := audio.EncodeStream(in)

	go func() {
		defer close(in)
		for i := 1; i <= 20; i++ {
			in <- audio.AudioFrame{Samples: constant(96, 0.25), SampleRate: 48000, Channels: 1, Seq: uint64(i)}
		}
	}()

	var seq uint64
	for f := range out {
		seq++
		if f.Seq != seq {
			t.Fatalf("frame %d arrived with Seq %d", seq, f.Seq)
		}
		if len(f.Samples) != 32 {
			t.Fatalf("frame %d length = %d, want 32", seq, len(f.Samples))
		}
	}
	if seq != 20 {
		t.Errorf("received %d frames, want 20", seq)
	}
}

func TestResampleRatio(t *testing.T) {
	if got := audio.ResampleRatio(48000); got != 3 {
		t.Errorf("ResampleRatio(48000) = %v, want 3", got)
	}
	if got := audio.ResampleRatio(44100); math.Abs(got-2.75625) > 1e-9 {
		t.Errorf("ResampleRatio(44100) = %v, want 2.75625", got)
	}
}
