// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice] and [audio.OutputDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.CaptureDevice{Blocks: [][]float32{speech, silence}}
//	out := &mock.OutputDevice{}
//	blocks, err := capture.Start(ctx)
//	capture.Push(moreSpeech)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
)

// ErrDeviceClosed is returned by [OutputDevice.Play] after Close.
var ErrDeviceClosed = errors.New("mock: device closed")

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
// Set the exported fields before use; inspect the CallCount* fields after.
//
// The block channel stays open after Blocks have been delivered so tests can
// inject more audio with [CaptureDevice.Push]. It is closed by Stop, by
// cancellation of the Start context, or by [CaptureDevice.End].
type CaptureDevice struct {
	mu sync.Mutex

	// Blocks are queued on the channel as soon as Start succeeds.
	Blocks [][]float32

	// StartErr is returned by Start when non-nil.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	ch     chan []float32
	closed bool
}

// Start implements [audio.CaptureDevice].
func (c *CaptureDevice) Start(ctx context.Context) (<-chan []float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return nil, c.StartErr
	}

	c.ch = make(chan []float32, len(c.Blocks)+64)
	c.closed = false
	for _, b := range c.Blocks {
		c.ch <- b
	}

	ch := c.ch
	go func() {
		<-ctx.Done()
		c.closeIf(ch)
	}()
	return ch, nil
}

// Push delivers block on the running capture channel. It returns false if the
// device is not running.
func (c *CaptureDevice) Push(block []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || c.closed {
		return false
	}
	c.ch <- block
	return true
}

// End closes the capture channel as if the source ran dry.
func (c *CaptureDevice) End() {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	c.closeIf(ch)
}

// Stop implements [audio.CaptureDevice].
func (c *CaptureDevice) Stop() error {
	c.mu.Lock()
	c.CallCountStop++
	ch := c.ch
	err := c.StopErr
	c.mu.Unlock()
	c.closeIf(ch)
	return err
}

// Running reports whether the capture channel is open.
func (c *CaptureDevice) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && !c.closed
}

func (c *CaptureDevice) closeIf(ch chan []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch == nil || ch != c.ch || c.closed {
		return
	}
	c.closed = true
	close(ch)
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. Every buffer
// passed to Play is recorded in order.
type OutputDevice struct {
	mu sync.Mutex

	// PlayDelay makes each Play call take this long (or until ctx is done).
	PlayDelay time.Duration

	// Gate, when non-nil, makes each Play call wait for one receive from Gate
	// (or ctx cancellation) before returning. Tests use it to control exactly
	// when a buffer finishes playing.
	Gate chan struct{}

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	played    [][]float32
	cancelled int
	closed    bool
	started   chan struct{}
}

// Play implements [audio.OutputDevice].
func (o *OutputDevice) Play(ctx context.Context, samples []float32) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrDeviceClosed
	}
	cp := make([]float32, len(samples))
	copy(cp, samples)
	o.played = append(o.played, cp)
	delay, gate, playErr := o.PlayDelay, o.Gate, o.PlayErr
	if o.started != nil {
		select {
		case o.started <- struct{}{}:
		default:
		}
	}
	o.mu.Unlock()

	if playErr != nil {
		return playErr
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			o.markCancelled()
			return ctx.Err()
		case <-t.C:
		}
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			o.markCancelled()
			return ctx.Err()
		case <-gate:
		}
	}
	return nil
}

// Started returns a channel that receives a value each time Play begins.
// The channel is buffered by one; a start is dropped if nobody has consumed
// the previous one.
func (o *OutputDevice) Started() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started == nil {
		o.started = make(chan struct{}, 1)
	}
	return o.started
}

// Close implements [audio.OutputDevice].
func (o *OutputDevice) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return o.CloseErr
}

// Played returns a copy of every buffer passed to Play, in call order.
func (o *OutputDevice) Played() [][]float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]float32, len(o.played))
	copy(out, o.played)
	return out
}

// Cancelled returns how many Play calls ended through context cancellation.
func (o *OutputDevice) Cancelled() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *OutputDevice) markCancelled() {
	o.mu.Lock()
	o.cancelled++
	o.mu.Unlock()
}
