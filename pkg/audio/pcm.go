package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrOddLength is returned by [DecodePCM16] when the input is not a whole
// number of 16-bit samples.
var ErrOddLength = errors.New("audio: odd PCM16 byte count")

// EncodePCM16 converts float samples to little-endian int16 PCM.
//
// Samples are clamped to [-1, 1]. Negative values are scaled by 32768 and
// positive values by 32767 so that both -1 and +1 map onto the full int16
// range; the result is rounded to the nearest integer.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// DecodePCM16 converts little-endian int16 PCM to float samples using a
// uniform divisor of 32768, so +32767 decodes to slightly below 1.0.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}
