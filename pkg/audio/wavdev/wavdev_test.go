package wavdev_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxbridge/pkg/audio/wavdev"
)

// writeWAV writes a 16-bit PCM file with the given interleaved samples.
func writeWAV(t *testing.T, path string, rate, channels int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("encoder close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
}

func readWAV(t *testing.T, path string) (*goaudio.IntBuffer, *wav.Decoder) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("output is not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return buf, dec
}

func collect(t *testing.T, ch <-chan []float32) [][]float32 {
	t.Helper()
	var blocks [][]float32
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return blocks
			}
			blocks = append(blocks, b)
		case <-timeout:
			t.Fatal("capture did not finish")
		}
	}
}

func TestCapture_BlocksAtTargetRate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.wav")
	data := make([]int, 300)
	for i := range data {
		data[i] = 16384
	}
	writeWAV(t, path, 24000, 1, data)

	c := wavdev.NewCapture(path, wavdev.WithRealtime(false), wavdev.WithBlockSize(128))
	ch, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	blocks := collect(t, ch)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// 300 samples -> 3 blocks of 128, last one zero padded.
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	for i, b := range blocks {
		if len(b) != 128 {
			t.Errorf("block %d has %d samples, want 128", i, len(b))
		}
	}
	if blocks[0][0] != 0.5 {
		t.Errorf("first sample = %v, want 0.5", blocks[0][0])
	}
	if blocks[2][127] != 0 {
		t.Errorf("padding sample = %v, want 0", blocks[2][127])
	}
}

func TestCapture_StereoDownsampled(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.wav")
	data := make([]int, 48000*2/10) // 100 ms stereo at 48 kHz
	writeWAV(t, path, 48000, 2, data)

	c := wavdev.NewCapture(path, wavdev.WithRealtime(false), wavdev.WithBlockSize(100))
	ch, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	total := 0
	for _, b := range collect(t, ch) {
		total += len(b)
	}
	if total != 2400 {
		t.Errorf("total samples = %d, want 2400", total)
	}
}

func TestCapture_TrailingSilence(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.wav")
	writeWAV(t, path, 24000, 1, make([]int, 100))

	c := wavdev.NewCapture(path,
		wavdev.WithRealtime(false),
		wavdev.WithBlockSize(100),
		wavdev.WithTrailingSilence(10*time.Millisecond),
	)
	ch, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(collect(t, ch)); n != 4 {
		t.Errorf("got %d blocks, want 4", n)
	}
}

func TestCapture_MissingFile(t *testing.T) {
	t.Parallel()
	c := wavdev.NewCapture(filepath.Join(t.TempDir(), "nope.wav"))
	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCapture_StopBeforeEnd(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in.wav")
	writeWAV(t, path, 24000, 1, make([]int, 24000))

	c := wavdev.NewCapture(path)
	ch, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	collect(t, ch)
}

func TestSink_WritesPlayableFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.wav")
	s, err := wavdev.NewSink(path, 24000, false)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if err := s.Play(context.Background(), []float32{0.5, -1, 2}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Play(context.Background(), []float32{0}); !errors.Is(err, wavdev.ErrClosed) {
		t.Errorf("Play after Close: err = %v, want ErrClosed", err)
	}

	buf, dec := readWAV(t, path)
	if dec.SampleRate != 24000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("format = %d Hz %d ch %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	want := []int{16383, -32767, 32767}
	if len(buf.Data) != len(want) {
		t.Fatalf("got %d samples, want %d", len(buf.Data), len(want))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, buf.Data[i], want[i])
		}
	}
}

func TestSink_EmptySessionIsValid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.wav")
	s, err := wavdev.NewSink(path, 24000, false)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	buf, _ := readWAV(t, path)
	if len(buf.Data) != 0 {
		t.Errorf("got %d samples, want 0", len(buf.Data))
	}
}

func TestSink_RealtimeCancel(t *testing.T) {
	t.Parallel()
	s, err := wavdev.NewSink(filepath.Join(t.TempDir(), "out.wav"), 24000, true)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Play(ctx, make([]float32, 24000)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
