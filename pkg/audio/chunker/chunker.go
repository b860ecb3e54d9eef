// Package chunker turns a stream of captured sample blocks into PCM16
// [audio.AudioFrame] values, gated by a simple energy-based voice activity
// detector.
//
// Accumulation starts with the first block that contains sound. Silent blocks
// that follow are still appended so that pauses inside an utterance survive.
// A frame is emitted as soon as enough samples have accumulated, or when the
// silence run reaches the configured limit, after which the chunker disarms
// until sound is detected again.
package chunker

import (
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

const (
	// DefaultSampleRate is the wire sample rate in Hz.
	DefaultSampleRate = 24000

	// DefaultSilenceThreshold is the absolute amplitude above which a sample
	// counts as sound.
	DefaultSilenceThreshold = 0.01

	// DefaultMinBuffer is the minimum amount of audio per emitted frame.
	DefaultMinBuffer = 100 * time.Millisecond

	// DefaultMaxSilenceFrames is the number of consecutive silent blocks that
	// flushes a partial frame and ends the utterance.
	DefaultMaxSilenceFrames = 1000
)

// Config holds the chunker tuning parameters. Zero values are replaced by the
// package defaults.
type Config struct {
	// SampleRate of the incoming blocks in Hz.
	SampleRate int

	// SilenceThreshold is compared against |sample|; strictly greater means sound.
	SilenceThreshold float64

	// MinBufferSamples is the accumulated sample count that triggers emission.
	// Defaults to SampleRate × [DefaultMinBuffer].
	MinBufferSamples int

	// MaxSilenceFrames is the silent block count that flushes a non-empty buffer.
	MaxSilenceFrames int

	// Clock stamps each block with its capture time. Defaults to time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MinBufferSamples <= 0 {
		c.MinBufferSamples = int(int64(c.SampleRate) * int64(DefaultMinBuffer) / int64(time.Second))
	}
	if c.MaxSilenceFrames <= 0 {
		c.MaxSilenceFrames = DefaultMaxSilenceFrames
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Chunker accumulates captured blocks into frames.
//
// A Chunker is owned by a single capture loop and is not safe for concurrent
// use.
type Chunker struct {
	cfg Config

	buf     []float32
	start   time.Time // capture time of buf[0]
	silence int       // consecutive silent blocks since the last sound
	armed   bool      // true once sound was seen in the current utterance
}

// New returns a Chunker configured by cfg.
func New(cfg Config) *Chunker {
	cfg.applyDefaults()
	return &Chunker{
		cfg: cfg,
		buf: make([]float32, 0, cfg.MinBufferSamples),
	}
}

// Config returns the effective configuration after defaults.
func (c *Chunker) Config() Config {
	return c.cfg
}

// Feed processes one capture block. It returns a frame and true when the
// block completed one; otherwise the zero frame and false. Empty blocks are
// ignored.
func (c *Chunker) Feed(block []float32) (audio.AudioFrame, bool) {
	if len(block) == 0 {
		return audio.AudioFrame{}, false
	}
	now := c.cfg.Clock()

	if c.hasSound(block) {
		c.silence = 0
		c.armed = true
	} else if c.armed {
		c.silence++
	}

	if !c.armed {
		return audio.AudioFrame{}, false
	}

	if len(c.buf) == 0 {
		c.start = now
	}
	c.buf = append(c.buf, block...)

	flush := c.silence >= c.cfg.MaxSilenceFrames
	if len(c.buf) < c.cfg.MinBufferSamples && !flush {
		return audio.AudioFrame{}, false
	}

	frame := audio.AudioFrame{
		Data:       audio.EncodePCM16(c.buf),
		SampleRate: c.cfg.SampleRate,
		Timestamp:  c.start,
	}
	c.buf = c.buf[:0]
	if flush {
		c.armed = false
		c.silence = 0
	}
	return frame, true
}

// Reset discards any accumulated audio and disarms the detector.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
	c.silence = 0
	c.armed = false
	c.start = time.Time{}
}

// Buffered returns the number of samples waiting for the next frame.
func (c *Chunker) Buffered() int {
	return len(c.buf)
}

func (c *Chunker) hasSound(block []float32) bool {
	for _, s := range block {
		v := float64(s)
		if v > c.cfg.SilenceThreshold || v < -c.cfg.SilenceThreshold {
			return true
		}
	}
	return false
}
