// Package wavdev implements [audio.CaptureDevice] and [audio.OutputDevice] on
// top of WAV files, so the client pipeline can run headless: a recorded
// utterance stands in for the microphone and the assistant's reply is written
// to disk instead of a speaker.
package wavdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.OutputDevice  = (*Sink)(nil)
)

const (
	// DefaultBlockSize is the number of samples per capture block.
	DefaultBlockSize = 128

	// DefaultSampleRate is the output rate of both devices in Hz.
	DefaultSampleRate = 24000
)

// ErrClosed is returned by [Sink.Play] after Close.
var ErrClosed = errors.New("wavdev: device closed")

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithBlockSize sets the number of samples per delivered block.
func WithBlockSize(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithSampleRate sets the rate blocks are resampled to.
func WithSampleRate(hz int) CaptureOption {
	return func(c *Capture) {
		if hz > 0 {
			c.sampleRate = hz
		}
	}
}

// WithRealtime controls pacing. When true (the default) blocks are released
// at the rate a microphone would produce them; when false they are delivered
// as fast as the consumer reads.
func WithRealtime(on bool) CaptureOption {
	return func(c *Capture) {
		c.realtime = on
	}
}

// WithTrailingSilence appends d of silence after the file's audio so the
// voice activity detector can close the final utterance.
func WithTrailingSilence(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.trailing = d
		}
	}
}

// Capture replays a WAV file as a microphone. Any PCM bit depth, rate and
// channel count is normalised to mono float samples at the configured rate.
type Capture struct {
	path       string
	blockSize  int
	sampleRate int
	realtime   bool
	trailing   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCapture returns a Capture reading from path. The file is opened by Start.
func NewCapture(path string, opts ...CaptureOption) *Capture {
	c := &Capture{
		path:       path,
		blockSize:  DefaultBlockSize,
		sampleRate: DefaultSampleRate,
		realtime:   true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start decodes the file and begins delivering blocks.
func (c *Capture) Start(ctx context.Context) (<-chan []float32, error) {
	samples, err := c.load()
	if err != nil {
		return nil, err
	}
	if c.trailing > 0 {
		n := int(int64(c.sampleRate) * int64(c.trailing) / int64(time.Second))
		samples = append(samples, make([]float32, n)...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, fmt.Errorf("wavdev: capture %s already started", c.path)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	out := make(chan []float32, 8)
	go c.run(ctx, samples, out, c.done)
	return out, nil
}

// Stop ends capture and waits for the delivery goroutine. Safe to call more
// than once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Capture) load() ([]float32, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("wavdev: open %s: %w", c.path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavdev: %s is not a valid WAV file", c.path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavdev: decode %s: %w", c.path, err)
	}

	bitDepth := int(dec.BitDepth)
	ints := buf.Data
	if bitDepth == 8 {
		// 8-bit WAV is unsigned.
		for i := range ints {
			ints[i] -= 128
		}
	}
	n := audio.Normalizer{Target: audio.Format{SampleRate: c.sampleRate, Channels: 1}}
	return n.Normalize(ints, bitDepth, audio.Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}), nil
}

func (c *Capture) run(ctx context.Context, samples []float32, out chan<- []float32, done chan struct{}) {
	defer close(done)
	defer close(out)

	var tick <-chan time.Time
	if c.realtime {
		interval := time.Duration(int64(c.blockSize) * int64(time.Second) / int64(c.sampleRate))
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for off := 0; off < len(samples); off += c.blockSize {
		end := min(off+c.blockSize, len(samples))
		block := make([]float32, c.blockSize)
		copy(block, samples[off:end])

		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}
		select {
		case <-ctx.Done():
			return
		case out <- block:
		}
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink writes played audio to a 16-bit mono WAV file. When realtime is set,
// Play also blocks for the buffer's duration as a speaker would.
type Sink struct {
	sampleRate int
	realtime   bool

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	wrote  bool
	closed bool
}

// NewSink creates path and returns a Sink writing samples at sampleRate.
func NewSink(path string, sampleRate int, realtime bool) (*Sink, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavdev: create %s: %w", path, err)
	}
	return &Sink{
		sampleRate: sampleRate,
		realtime:   realtime,
		file:       f,
		enc:        wav.NewEncoder(f, sampleRate, 16, 1, 1),
	}, nil
}

// Play writes samples and, in realtime mode, waits for their duration.
func (s *Sink) Play(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ints := make([]int, len(samples))
	for i, v := range samples {
		v = max(-1, min(1, v))
		ints[i] = int(v * 32767)
	}
	err := s.enc.Write(s.buffer(ints))
	s.wrote = true
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wavdev: write: %w", err)
	}

	if !s.realtime || len(samples) == 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(int64(len(samples)) * int64(time.Second) / int64(s.sampleRate)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Sink) buffer(ints []int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: s.sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
}

// Close finalises the WAV header and closes the file. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var encErr error
	if !s.wrote {
		// The encoder writes its header lazily; emit an empty data chunk so
		// a silent session still yields a valid file.
		encErr = s.enc.Write(s.buffer(nil))
	}
	encErr = errors.Join(encErr, s.enc.Close())
	fileErr := s.file.Close()
	return errors.Join(encErr, fileErr)
}
