package audio

import "time"

// AudioFrame is one chunk of little-endian PCM16 mono audio as it travels
// between the chunker, the transport and the playback scheduler. Frames are
// treated as immutable once built; ownership moves with the value.
type AudioFrame struct {
	// Data holds little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (24000 on the wire).
	SampleRate int

	// Timestamp is the capture time of the first sample in the frame.
	Timestamp time.Time
}

// SampleCount returns the number of PCM16 samples carried by the frame.
func (f AudioFrame) SampleCount() int {
	return len(f.Data) / 2
}

// Duration returns SampleCount / SampleRate. A frame without a sample rate has
// zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(f.SampleCount()) * int64(time.Second) / int64(f.SampleRate))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
