package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

func almostEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=0.2,R=0.4 and L=-0.2,R=-0.4
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.4}, 2)
	want := []float32{0.3, -0.3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !almostEqual(got[i], want[i]) {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestDownmix_MonoPassthrough(t *testing.T) {
	t.Parallel()
	in := []float32{0.1, 0.2}
	got := audio.Downmix(in, 1)
	if &got[0] != &in[0] {
		t.Error("expected mono input to be returned unchanged")
	}
}

func TestDownmix_DropsPartialFrame(t *testing.T) {
	t.Parallel()
	got := audio.Downmix([]float32{0.5, 0.5, 0.9}, 2)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()
	in := []float32{0.1, 0.2, 0.3}
	got := audio.Resample(in, 24000, 24000)
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()
	got := audio.Resample([]float32{0, 1}, 12000, 24000)
	want := []float32{0, 0.5, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !almostEqual(got[i], want[i]) {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestResample_Downsample(t *testing.T) {
	t.Parallel()
	in := make([]float32, 480)
	got := audio.Resample(in, 48000, 24000)
	if len(got) != 240 {
		t.Fatalf("len = %d, want 240", len(got))
	}
}

func TestResample_InvalidRates(t *testing.T) {
	t.Parallel()
	in := []float32{0.5}
	if got := audio.Resample(in, 0, 24000); len(got) != 1 {
		t.Errorf("srcRate=0: len = %d, want 1", len(got))
	}
	if got := audio.Resample(in, 24000, -1); len(got) != 1 {
		t.Errorf("dstRate=-1: len = %d, want 1", len(got))
	}
}

func TestNormalizer_16BitMono(t *testing.T) {
	t.Parallel()
	n := audio.Normalizer{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	got := n.Normalize([]int{16384, -32768}, 16, audio.Format{SampleRate: 24000, Channels: 1})
	want := []float32{0.5, -1}
	for i := range want {
		if !almostEqual(got[i], want[i]) {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestNormalizer_StereoResample(t *testing.T) {
	t.Parallel()
	n := audio.Normalizer{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	// 4 stereo frames at 48 kHz -> 4 mono samples -> 2 samples at 24 kHz.
	ints := []int{100, 300, 100, 300, 100, 300, 100, 300}
	got := n.Normalize(ints, 16, audio.Format{SampleRate: 48000, Channels: 2})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !almostEqual(got[0], 200.0/32768) {
		t.Errorf("sample 0: got %f, want %f", got[0], 200.0/32768)
	}
}
