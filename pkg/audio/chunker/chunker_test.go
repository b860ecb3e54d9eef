package chunker_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/chunker"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func block(n int, v float32) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	cfg := chunker.New(chunker.Config{}).Config()
	if cfg.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", cfg.SampleRate)
	}
	if cfg.SilenceThreshold != 0.01 {
		t.Errorf("SilenceThreshold = %v, want 0.01", cfg.SilenceThreshold)
	}
	if cfg.MinBufferSamples != 2400 {
		t.Errorf("MinBufferSamples = %d, want 2400", cfg.MinBufferSamples)
	}
	if cfg.MaxSilenceFrames != 1000 {
		t.Errorf("MaxSilenceFrames = %d, want 1000", cfg.MaxSilenceFrames)
	}
	if cfg.Clock == nil {
		t.Error("Clock is nil")
	}
}

func TestNew_MinBufferFollowsSampleRate(t *testing.T) {
	t.Parallel()
	cfg := chunker.New(chunker.Config{SampleRate: 16000}).Config()
	if cfg.MinBufferSamples != 1600 {
		t.Errorf("MinBufferSamples = %d, want 1600", cfg.MinBufferSamples)
	}
}

func TestFeed_SilenceNeverArms(t *testing.T) {
	t.Parallel()
	c := chunker.New(chunker.Config{})
	for range 5000 {
		if _, ok := c.Feed(block(128, 0.005)); ok {
			t.Fatal("frame emitted for pure silence")
		}
	}
	if c.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", c.Buffered())
	}
}

func TestFeed_ThresholdIsStrict(t *testing.T) {
	t.Parallel()
	c := chunker.New(chunker.Config{MinBufferSamples: 4})
	if _, ok := c.Feed(block(4, 0.01)); ok {
		t.Fatal("block at exactly the threshold counted as sound")
	}
	if _, ok := c.Feed(block(4, -0.0101)); !ok {
		t.Fatal("negative block above threshold did not count as sound")
	}
}

func TestFeed_EmptyBlockIgnored(t *testing.T) {
	t.Parallel()
	c := chunker.New(chunker.Config{MinBufferSamples: 1})
	if _, ok := c.Feed(nil); ok {
		t.Error("nil block produced a frame")
	}
	if _, ok := c.Feed([]float32{}); ok {
		t.Error("empty block produced a frame")
	}
}

func TestFeed_FlushOnSilence(t *testing.T) {
	t.Parallel()
	const (
		rate       = 24000
		blockSize  = 128
		soundCount = 5
		maxSilence = 20
	)
	c := chunker.New(chunker.Config{
		SampleRate:       rate,
		MinBufferSamples: 1_000_000,
		MaxSilenceFrames: maxSilence,
	})

	var frames []audio.AudioFrame
	feed := func(b []float32) {
		if f, ok := c.Feed(b); ok {
			frames = append(frames, f)
		}
	}
	for range soundCount {
		feed(block(blockSize, 0.5))
	}
	for range maxSilence + 50 {
		feed(block(blockSize, 0))
	}

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	wantSamples := (soundCount + maxSilence) * blockSize
	if f.SampleCount() != wantSamples {
		t.Errorf("SampleCount = %d, want %d", f.SampleCount(), wantSamples)
	}
	decoded, err := audio.DecodePCM16(f.Data)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	for i := range soundCount * blockSize {
		if decoded[i] < 0.49 {
			t.Fatalf("sample %d = %v, want sound sample", i, decoded[i])
		}
	}
	wantDur := time.Duration(wantSamples) * time.Second / rate
	if f.Duration() != wantDur {
		t.Errorf("Duration = %v, want %v", f.Duration(), wantDur)
	}
	if c.Buffered() != 0 {
		t.Errorf("Buffered after flush = %d, want 0", c.Buffered())
	}
}

func TestFeed_DisarmsAfterFlush(t *testing.T) {
	t.Parallel()
	c := chunker.New(chunker.Config{MinBufferSamples: 1000, MaxSilenceFrames: 2})
	c.Feed(block(10, 0.5))
	c.Feed(block(10, 0))
	if _, ok := c.Feed(block(10, 0)); !ok {
		t.Fatal("expected flush on second silent block")
	}
	// Disarmed: further silence is not accumulated.
	c.Feed(block(10, 0))
	if c.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0 after disarm", c.Buffered())
	}
	// Sound re-arms.
	c.Feed(block(10, 0.5))
	if c.Buffered() != 10 {
		t.Errorf("Buffered = %d, want 10 after re-arm", c.Buffered())
	}
}

func TestFeed_SpeechScenario(t *testing.T) {
	t.Parallel()
	const (
		rate      = 24000
		blockSize = 120 // 5 ms
	)
	clk := &fakeClock{now: time.Unix(1000, 0), step: 5 * time.Millisecond}
	c := chunker.New(chunker.Config{SampleRate: rate, Clock: clk.Now})

	type emitted struct {
		blockIdx int
		frame    audio.AudioFrame
	}
	var frames []emitted
	idx := 0
	feed := func(n int, v float32) {
		for range n {
			if f, ok := c.Feed(block(blockSize, v)); ok {
				frames = append(frames, emitted{idx, f})
			}
			idx++
		}
	}

	feed(10, 0)   // 50 ms silence lead-in
	leadIn := len(frames)
	feed(40, 0.3) // 200 ms speech
	feed(30, 0)   // 150 ms trailing silence

	if leadIn != 0 {
		t.Fatalf("%d frames emitted during silence lead-in", leadIn)
	}
	if len(frames) == 0 {
		t.Fatal("no frames emitted")
	}

	first := frames[0]
	// 100 ms = 20 blocks of speech, starting at block 10.
	if first.blockIdx != 29 {
		t.Errorf("first frame emitted at block %d, want 29", first.blockIdx)
	}
	if first.frame.SampleCount() != 2400 {
		t.Errorf("first frame SampleCount = %d, want 2400", first.frame.SampleCount())
	}
	if first.frame.Duration() != 100*time.Millisecond {
		t.Errorf("first frame Duration = %v, want 100ms", first.frame.Duration())
	}
	wantStart := time.Unix(1000, 0).Add(50 * time.Millisecond)
	if !first.frame.Timestamp.Equal(wantStart) {
		t.Errorf("first frame Timestamp = %v, want %v", first.frame.Timestamp, wantStart)
	}

	// Speech continues into a second frame and trailing silence is
	// accumulated while armed.
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if c.Buffered() != 1200 {
		t.Errorf("Buffered = %d, want 1200", c.Buffered())
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	c := chunker.New(chunker.Config{MinBufferSamples: 1000})
	c.Feed(block(100, 0.5))
	if c.Buffered() != 100 {
		t.Fatalf("Buffered = %d, want 100", c.Buffered())
	}
	c.Reset()
	if c.Buffered() != 0 {
		t.Errorf("Buffered after Reset = %d, want 0", c.Buffered())
	}
	// Reset disarms: silence is not accumulated.
	c.Feed(block(100, 0))
	if c.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0 after silence post-Reset", c.Buffered())
	}
}
