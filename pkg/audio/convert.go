package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Downmix averages interleaved multi-channel float samples into mono. Mono
// input (channels <= 1) is returned unchanged. A trailing partial frame is
// dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is non-positive the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Normalizer turns interleaved integer PCM of any bit depth, rate and channel
// count into mono float samples at the target rate. It logs once when the
// source format differs from the target.
// Create one per stream; not designed for shared use across goroutines.
type Normalizer struct {
	Target         Format
	warnedMismatch sync.Once
}

// Normalize converts ints (as produced by a WAV decoder) with the given bit
// depth and source format. Conversion order: scale, downmix, resample.
func (n *Normalizer) Normalize(ints []int, bitDepth int, src Format) []float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	samples := make([]float32, len(ints))
	for i, v := range ints {
		samples[i] = float32(v) / scale
	}

	if src.SampleRate == n.Target.SampleRate && src.Channels <= 1 {
		return samples
	}
	n.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(n.Target.SampleRate, 1),
		)
	})

	samples = Downmix(samples, src.Channels)
	return Resample(samples, src.SampleRate, n.Target.SampleRate)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
