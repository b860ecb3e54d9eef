// Package session runs one voxbridge conversation at a time.
//
// The [Controller] owns the capture and output devices for the duration of a
// conversation and wires the pipeline together: capture blocks flow through
// the VAD chunker and the mute gate into the transport; inbound audio flows
// into the playback scheduler; inbound control messages become status text,
// transcripts and errors for the caller.
//
// Lifecycle:
//
//	Idle ──Start──▶ Active ⇄ Muted ──End──▶ Ended
//	                  │
//	                  └── connection lost / start failure ──▶ Error
//
// Ended and Error conversations may be followed by a new Start.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/transport"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/chunker"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
	"github.com/MrWong99/voxbridge/pkg/memory"
	"github.com/MrWong99/voxbridge/pkg/protocol"
)

// Status texts shown to the user.
const (
	StatusRequestingMic  = "Requesting microphone access..."
	StatusConnecting     = "Connecting to AI..."
	StatusReady          = "You can start speaking now."
	StatusMuted          = "Microphone muted."
	StatusEnded          = "Conversation ended."
	StatusStartFailed    = "Failed to start session. Please check your settings."
	StatusReconnected    = "Reconnected. You can continue speaking."
	StatusConnectionLost = "Connection lost. Please try again."
)

// ReconnectingStatus is the status text while reconnect attempt n runs.
func ReconnectingStatus(attempt int) string {
	return fmt.Sprintf("Connection lost. Reconnecting (attempt %d)...", attempt)
}

// persistTimeout bounds the final transcript flush on End.
const persistTimeout = 5 * time.Second

// State is the conversation state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateActive
	StateMuted
	StateEnded
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateMuted:
		return "muted"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transcript is one transcript line received during the conversation.
type Transcript struct {
	Text      string
	Timestamp time.Time
}

// Stats are the counters of the current conversation. They reset on End.
type Stats struct {
	StartedAt      time.Time
	FramesSent     int
	FramesMuted    int
	FramesReceived int
	Reconnects     int
	Transcripts    int
}

// Deps are the collaborators a [Controller] drives.
type Deps struct {
	// Capture and Output are owned by the controller while a conversation is
	// active. The controller stops Capture on End but never closes Output.
	Capture audio.CaptureDevice
	Output  audio.OutputDevice

	// Dialer opens the connection to the relay.
	Dialer transport.Dialer

	// Negotiator is optional.
	Negotiator transport.Negotiator

	// History is optional; when set, transcripts are persisted to it.
	History memory.Store
}

// Config tunes a [Controller].
type Config struct {
	Chunker   chunker.Config
	Transport transport.Config

	// MaxPlaybackQueue caps the playback queue. Zero means unbounded.
	MaxPlaybackQueue int

	// ConsolidationInterval is the history flush period.
	ConsolidationInterval time.Duration
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTransportOptions passes extra options to every transport session.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Controller) { c.trOpts = append(c.trOpts, opts...) }
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// conversation holds the resources of one Start..End span.
type conversation struct {
	id           string
	tr           *transport.Session
	player       *playback.Scheduler
	chunker      *chunker.Chunker
	consolidator *Consolidator
	cancel       context.CancelFunc
	muted        atomic.Bool
	captureDone  chan struct{}
	ended        chan struct{}
}

// Controller drives conversations. All exported methods are safe for
// concurrent use. Callbacks may run on internal goroutines and must not
// block.
type Controller struct {
	deps    Deps
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	trOpts  []transport.Option
	newID   func() string

	mu          sync.Mutex
	state       State
	status      string
	starting    bool
	conv        *conversation
	lastID      string
	transcripts []Transcript
	stats       Stats

	onStatus     func(string)
	onTranscript func(Transcript)
	onError      func(error)
}

// NewController returns an idle controller.
func NewController(deps Deps, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		deps:  deps,
		cfg:   cfg,
		log:   slog.Default(),
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// OnStatus registers the status text callback.
func (c *Controller) OnStatus(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// OnTranscript registers the transcript callback.
func (c *Controller) OnTranscript(fn func(Transcript)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTranscript = fn
}

// OnError registers the error callback. It receives non-fatal remote errors
// ([*RemoteError]) and the terminal [ErrConnectionLost].
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// State returns the conversation state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current status text.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the id of the current or most recent conversation.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// Transcripts returns the transcript log of the current or most recent
// conversation.
func (c *Controller) Transcripts() []Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcripts)
}

// Stats returns the counters of the current conversation.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// CaptureDone is closed when the capture loop of the current conversation
// exits, for example because the input ran dry. Without a conversation it
// returns a closed channel.
func (c *Controller) CaptureDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return closedChan()
	}
	return c.conv.captureDone
}

// Ended is closed once the current conversation has been torn down, whatever
// the reason. Without a conversation it returns a closed channel.
func (c *Controller) Ended() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return closedChan()
	}
	return c.conv.ended
}

// WaitPlayback blocks until everything received so far has played or ctx is
// done.
func (c *Controller) WaitPlayback(ctx context.Context) error {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == nil {
		return nil
	}
	return conv.player.WaitIdle(ctx)
}

// Start acquires the capture device, opens the transport, starts playback
// and begins streaming. On failure everything acquired so far is released
// and the returned error is a [*DeviceError] or a [*transport.TransportError].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || c.conv != nil {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	c.setStatus(StatusRequestingMic)
	convCtx, cancel := context.WithCancel(context.Background())
	blocks, err := c.deps.Capture.Start(convCtx)
	if err != nil {
		cancel()
		return c.startFailed(&DeviceError{Device: "capture", Err: err})
	}

	c.setStatus(StatusConnecting)
	conv := &conversation{
		id:          c.newID(),
		chunker:     chunker.New(c.cfg.Chunker),
		cancel:      cancel,
		captureDone: make(chan struct{}),
		ended:       make(chan struct{}),
	}
	log := c.log.With("session_id", conv.id)

	conv.player = playback.New(c.deps.Output,
		playback.WithMaxQueue(c.cfg.MaxPlaybackQueue),
		playback.WithLogger(log),
	)
	conv.player.OnDiscontinuity(func(dropped int) {
		log.Warn("session: playback discontinuity", "dropped", dropped)
		c.metrics.RecordFramesDropped(context.Background(), dropped, "playback_overflow")
	})

	trOpts := append([]transport.Option{
		transport.WithLogger(log),
		transport.WithMetrics(c.metrics),
	}, c.trOpts...)
	if c.deps.Negotiator != nil {
		trOpts = append(trOpts, transport.WithNegotiator(c.deps.Negotiator))
	}
	conv.tr = transport.New(c.deps.Dialer, c.cfg.Transport, trOpts...)
	conv.tr.OnAudioFrame(func(f audio.AudioFrame) { c.handleAudio(conv, f) })
	conv.tr.OnControlMessage(func(m protocol.Message) { c.handleControl(conv, m) })
	conv.tr.OnStateChange(func(ch transport.StateChange) { c.handleState(conv, ch) })
	conv.tr.OnError(func(err error) { c.handleTransportError(conv, err) })
	conv.tr.OnHealth(func(h transport.Health) {
		if h.Degraded {
			log.Warn("session: connection degraded", "last_traffic", h.LastTraffic)
			return
		}
		log.Info("session: connection healthy again")
	})

	// Publish the conversation before opening so that nothing received right
	// after the handshake is lost.
	c.mu.Lock()
	c.conv = conv
	c.lastID = conv.id
	c.transcripts = nil
	c.stats = Stats{StartedAt: time.Now()}
	c.mu.Unlock()

	if err := conv.tr.Open(ctx); err != nil {
		c.mu.Lock()
		c.conv = nil
		c.mu.Unlock()
		_ = conv.player.Close()
		if serr := c.deps.Capture.Stop(); serr != nil {
			log.Warn("session: stop capture after failed start", "err", serr)
		}
		cancel()
		close(conv.captureDone)
		close(conv.ended)
		return c.startFailed(err)
	}

	c.mu.Lock()
	if c.conv != conv {
		// The link failed for good while Open was returning. The state
		// handler detached conv and its teardown is blocked on captureDone.
		c.mu.Unlock()
		close(conv.captureDone)
		<-conv.tr.Done()
		log.Warn("session: connection lost during start")
		return &transport.TransportError{Op: "open", Err: ErrConnectionLost}
	}
	c.state = StateActive
	var onStatus func(string)
	// A reconnect that began during Open already owns the status line.
	if conv.tr.State() == transport.StateOpen {
		c.status = StatusReady
		onStatus = c.onStatus
	}
	if c.deps.History != nil {
		conv.consolidator = NewConsolidator(ConsolidatorConfig{
			Store:     c.deps.History,
			Source:    c.Transcripts,
			SessionID: conv.id,
			Interval:  c.cfg.ConsolidationInterval,
			Logger:    log,
		})
	}
	c.mu.Unlock()

	// teardown waits for captureDone, so nothing below races with it.
	if conv.consolidator != nil {
		conv.consolidator.Start(convCtx)
	}
	if onStatus != nil {
		onStatus(StatusReady)
	}
	log.Info("session started")
	go c.captureLoop(conv, blocks)
	return nil
}

// ToggleMute flips the mute gate and reports whether the microphone is now
// muted. Muting drops chunked frames before they reach the transport. It is
// a no-op returning false without an active conversation.
func (c *Controller) ToggleMute() bool {
	muted, status, ok := c.flipMute()
	if !ok {
		return false
	}
	c.setStatus(status)
	return muted
}

func (c *Controller) flipMute() (muted bool, status string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return false, "", false
	}
	switch c.state {
	case StateActive:
		c.state = StateMuted
		c.conv.muted.Store(true)
		return true, StatusMuted, true
	case StateMuted:
		c.state = StateActive
		c.conv.muted.Store(false)
		return false, StatusReady, true
	}
	return false, "", false
}

// End closes the transport, stops capture and playback and resets the
// chunker and counters. It is idempotent and safe from any state; while
// Start is still running it does nothing.
func (c *Controller) End() error {
	c.mu.Lock()
	conv := c.conv
	if conv == nil || c.starting {
		c.mu.Unlock()
		return nil
	}
	c.conv = nil
	c.state = StateEnded
	c.mu.Unlock()

	err := c.teardown(conv)
	c.setStatus(StatusEnded)
	c.log.Info("session ended", "session_id", conv.id)
	return err
}

// teardown releases everything a conversation holds.
func (c *Controller) teardown(conv *conversation) error {
	var errs []error
	if err := conv.tr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close transport: %w", err))
	}
	if err := c.deps.Capture.Stop(); err != nil {
		errs = append(errs, &DeviceError{Device: "capture", Err: err})
	}
	conv.cancel()
	<-conv.captureDone

	conv.player.Reset()
	if err := conv.player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close playback: %w", err))
	}
	conv.chunker.Reset()

	if conv.consolidator != nil {
		conv.consolidator.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := conv.consolidator.ConsolidateNow(ctx); err != nil {
			c.log.Warn("session: final transcript flush failed", "session_id", conv.id, "err", err)
		}
		cancel()
	}

	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
	close(conv.ended)
	return errors.Join(errs...)
}

func (c *Controller) startFailed(err error) error {
	c.mu.Lock()
	c.state = StateError
	c.mu.Unlock()
	c.log.Error("session: start failed", "err", err)
	c.setStatus(StatusStartFailed)
	return err
}

// captureLoop feeds capture blocks through the chunker and mute gate into the
// transport. Send only queues, so the loop never waits on the network.
func (c *Controller) captureLoop(conv *conversation, blocks <-chan []float32) {
	defer close(conv.captureDone)
	for block := range blocks {
		frame, ok := conv.chunker.Feed(block)
		if !ok {
			continue
		}
		if conv.muted.Load() {
			c.bump(conv, func(s *Stats) { s.FramesMuted++ })
			continue
		}
		if err := conv.tr.Send(frame); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			c.log.Debug("session: send frame", "session_id", conv.id, "err", err)
			continue
		}
		c.bump(conv, func(s *Stats) { s.FramesSent++ })
	}
	c.log.Info("session: capture ended", "session_id", conv.id)
}

func (c *Controller) handleAudio(conv *conversation, f audio.AudioFrame) {
	if !c.current(conv) {
		return
	}
	if err := conv.player.Enqueue(f); err != nil {
		c.log.Warn("session: enqueue playback", "session_id", conv.id, "err", err)
		return
	}
	c.bump(conv, func(s *Stats) { s.FramesReceived++ })
	c.metrics.PlaybackQueueDepth.Record(context.Background(), int64(conv.player.Len()))
}

func (c *Controller) handleControl(conv *conversation, m protocol.Message) {
	if !c.current(conv) {
		return
	}
	switch m.Type {
	case protocol.TypeStatus:
		c.setStatus(m.Status)
	case protocol.TypeTranscript:
		t := Transcript{Text: m.Text, Timestamp: m.Time()}
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}
		c.mu.Lock()
		if c.conv != conv {
			c.mu.Unlock()
			return
		}
		c.transcripts = append(c.transcripts, t)
		c.stats.Transcripts++
		fn := c.onTranscript
		c.mu.Unlock()
		if fn != nil {
			fn(t)
		}
	case protocol.TypeError:
		c.setStatus("Error: " + m.Message)
		c.emitError(&RemoteError{Message: m.Message})
	case protocol.TypePing:
	}
}

func (c *Controller) handleState(conv *conversation, ch transport.StateChange) {
	if !c.current(conv) {
		return
	}
	switch {
	case ch.To == transport.StateReconnecting:
		c.bump(conv, func(s *Stats) { s.Reconnects++ })
		c.setStatus(ReconnectingStatus(ch.Attempt))
	case ch.To == transport.StateOpen && ch.Attempt > 0:
		c.setStatus(StatusReconnected)
	case ch.To == transport.StateFailed:
		if !c.detach(conv, StateError) {
			return
		}
		if err := c.teardown(conv); err != nil {
			c.log.Warn("session: teardown after connection loss", "session_id", conv.id, "err", err)
		}
		c.setStatus(StatusConnectionLost)
		c.emitError(ErrConnectionLost)
	}
}

func (c *Controller) handleTransportError(conv *conversation, err error) {
	if errors.Is(err, transport.ErrConnectionLost) {
		return // reported with the Failed transition
	}
	var pe *transport.ProtocolError
	if errors.As(err, &pe) {
		c.log.Warn("session: dropped control message", "session_id", conv.id, "err", err)
		return
	}
	c.log.Debug("session: dropped frame", "session_id", conv.id, "err", err)
}

// detach clears conv as the current conversation. It reports false when conv
// was already gone.
func (c *Controller) detach(conv *conversation, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv != conv {
		return false
	}
	c.conv = nil
	c.state = to
	return true
}

func (c *Controller) current(conv *conversation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv == conv
}

func (c *Controller) bump(conv *conversation, fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == conv {
		fn(&c.stats)
	}
}

func (c *Controller) setStatus(text string) {
	c.mu.Lock()
	c.status = text
	fn := c.onStatus
	c.mu.Unlock()
	c.log.Debug("session: status", "status", text)
	if fn != nil {
		fn(text)
	}
}

func (c *Controller) emitError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
