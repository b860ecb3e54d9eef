// Package playback schedules decoded inbound audio onto an
// [audio.OutputDevice] so that consecutive frames play back-to-back in arrival
// order.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithMaxQueue caps the number of buffers waiting to play. When an enqueue
// would exceed the cap, the waiting buffers are dropped as a discontinuity and
// the new buffer starts a fresh queue. Zero (the default) means unbounded.
func WithMaxQueue(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxQueue = n
		}
	}
}

// WithLogger sets the logger used for device errors. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler is a FIFO playback queue with a single dispatch goroutine.
//
// The dispatch goroutine pops the earliest buffer, plays it to completion and
// immediately continues with the next one. A buffer that arrives while another
// is playing never interrupts it. Only [Scheduler.Reset] and
// [Scheduler.Close] cut the current buffer short.
//
// The scheduler does not own the output device; closing the scheduler leaves
// the device open.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out audio.OutputDevice
	log *slog.Logger

	mu             sync.Mutex
	queue          [][]float32
	maxQueue       int
	playing        bool
	cancelPlaying  context.CancelFunc // cancels the buffer being played
	discontinuity  func(dropped int)
	idle           chan struct{} // closed while nothing is queued or playing
	idleSignalled  bool
	closed         bool

	notify chan struct{} // signalled when a buffer is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	exited chan struct{} // closed when the dispatch goroutine returns
}

// New creates a Scheduler that plays on out and starts its dispatch goroutine.
// Call [Scheduler.Close] to stop it.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:           out,
		log:           slog.Default(),
		idle:          make(chan struct{}),
		idleSignalled: true,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
	}
	close(s.idle)
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// OnDiscontinuity registers fn to be called with the number of dropped
// buffers whenever the queue overflows its cap. Only one handler may be
// registered; later calls replace earlier ones. fn runs on the enqueuing
// goroutine and must not block.
func (s *Scheduler) OnDiscontinuity(fn func(dropped int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discontinuity = fn
}

// Enqueue decodes frame and appends it to the queue. Frames with an odd byte
// count are rejected.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) error {
	samples, err := audio.DecodePCM16(frame.Data)
	if err != nil {
		return fmt.Errorf("playback: decode frame: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	var dropped int
	handler := s.discontinuity
	if s.maxQueue > 0 && len(s.queue) >= s.maxQueue {
		dropped = len(s.queue)
		clear(s.queue)
		s.queue = s.queue[:0]
	}
	s.queue = append(s.queue, samples)
	if s.idleSignalled {
		s.idle = make(chan struct{})
		s.idleSignalled = false
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	if dropped > 0 {
		s.log.Warn("playback: queue overflow, dropping buffered audio", "dropped", dropped)
		if handler != nil {
			handler(dropped)
		}
	}
	return nil
}

// Reset drops every queued buffer and cuts the buffer being played.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Len returns the number of buffers waiting to play, excluding the one
// currently playing.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Idle reports whether nothing is queued or playing.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playing && len(s.queue) == 0
}

// WaitIdle blocks until the queue has drained and the last buffer finished,
// or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatch goroutine, cancelling the current buffer and
// dropping the queue. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.resetLocked()
	s.signalIdleLocked()
	s.mu.Unlock()

	close(s.done)
	<-s.exited
	return nil
}

func (s *Scheduler) resetLocked() {
	clear(s.queue)
	s.queue = s.queue[:0]
	if s.cancelPlaying != nil {
		s.cancelPlaying()
		s.cancelPlaying = nil
	}
}

func (s *Scheduler) signalIdleLocked() {
	if !s.idleSignalled {
		close(s.idle)
		s.idleSignalled = true
	}
}

// dispatch pulls buffers from the queue and plays them until Close.
func (s *Scheduler) dispatch() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		s.playNext()
	}
}

// playNext plays queued buffers back-to-back until the queue is empty.
func (s *Scheduler) playNext() {
	for {
		buf, ctx, cancel, ok := s.dequeue()
		if !ok {
			return
		}
		err := s.out.Play(ctx, buf)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("playback: output device error", "err", err, "samples", len(buf))
		}
		cancel()

		s.mu.Lock()
		s.playing = false
		s.cancelPlaying = nil
		s.mu.Unlock()
	}
}

// dequeue pops the earliest buffer and marks it as playing. It returns
// ok=false and signals idle when the queue is empty.
func (s *Scheduler) dequeue() ([]float32, context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) == 0 {
		s.playing = false
		s.signalIdleLocked()
		return nil, nil, nil, false
	}

	buf := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	ctx, cancel := context.WithCancel(context.Background())
	s.playing = true
	s.cancelPlaying = cancel
	return buf, ctx, cancel, true
}
