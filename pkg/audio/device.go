// Package audio defines the frame type, PCM16 codec and device abstractions
// shared by the voxbridge client pipeline.
//
// The two device abstractions are:
//
//   - [CaptureDevice] produces fixed-size blocks of mono float samples.
//   - [OutputDevice] plays blocks of mono float samples, blocking until done.
//
// Concrete devices live in sub-packages (e.g. audio/wavdev); tests use the
// in-memory devices from audio/mock.
package audio

import "context"

// CaptureDevice is a source of mono float32 sample blocks in [-1, 1] at the
// negotiated sample rate.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Start begins capture. The returned channel delivers blocks in capture
	// order and is closed when capture stops, either because Stop was called,
	// ctx was cancelled, or the source ran dry.
	//
	// Start returns an error if the device cannot be acquired (permission
	// denied, missing file, unsupported format).
	Start(ctx context.Context) (<-chan []float32, error)

	// Stop releases the device. It is safe to call Stop more than once.
	Stop() error
}

// OutputDevice plays mono float32 samples.
//
// Play is called sequentially by a single goroutine; implementations need not
// support concurrent Play calls but Close may race with Play.
type OutputDevice interface {
	// Play blocks until samples have been played in full or ctx is cancelled.
	// A cancelled play returns ctx.Err().
	Play(ctx context.Context, samples []float32) error

	// Close releases the device. Subsequent Play calls return an error.
	Close() error
}
