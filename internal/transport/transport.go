// Package transport owns the single duplex connection between the voxbridge
// client and its relay.
//
// A [Session] multiplexes outbound audio frames (binary messages) and control
// messages (JSON text messages) over one connection, demultiplexes inbound
// traffic to registered handlers, keeps the link alive with heartbeats,
// watches liveness, and reconnects with linear backoff when the link drops
// during an active conversation.
//
// Lifecycle:
//
//	Idle ──Open──▶ Connecting ──▶ Open ──Close──▶ Closing ──▶ Closed
//	                   ▲            │
//	                   │       unclean close
//	                   │            ▼
//	             Reconnecting ◀── Closed ──(attempts exhausted)──▶ Failed
//
// A Session serves exactly one conversation; create a new one per Start.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/protocol"
)

// Default session parameters.
const (
	DefaultSampleRate           = 24000
	DefaultConnectTimeout       = 5 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultLivenessInterval     = 5 * time.Second
	DefaultReconnectBackoff     = 1 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultMaxPendingFrames     = 256
	DefaultStallChecks          = 3
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MessageKind distinguishes text from binary websocket messages.
type MessageKind int

const (
	MessageText MessageKind = iota + 1
	MessageBinary
)

// Conn is one established duplex connection.
//
// Write must be safe for concurrent use. Read is only called from a single
// goroutine. Read returns [io.EOF] when the peer closed the connection
// cleanly. The session still treats that as an unclean close: only Close
// ends a conversation.
type Conn interface {
	Read(ctx context.Context) (MessageKind, []byte, error)
	Write(ctx context.Context, kind MessageKind, data []byte) error
	Close() error
}

// Dialer establishes connections. Dial must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Negotiator exchanges an opaque offer for an opaque answer before dialing.
type Negotiator interface {
	Negotiate(ctx context.Context, offer []byte) ([]byte, error)
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	From State
	To   State

	// Attempt is the reconnect attempt number for transitions into
	// Reconnecting, and for the Connecting/Open transitions that belong to it.
	Attempt int

	// Err is the cause of an unclean close, if any.
	Err error
}

// Health is reported by the liveness check whenever the link's health flips.
type Health struct {
	// Degraded is true while a heartbeat has gone unanswered for at least one
	// liveness interval.
	Degraded bool

	// LastTraffic is the time inbound traffic was last seen.
	LastTraffic time.Time

	// Checks is the number of consecutive degraded checks.
	Checks int
}

// Config tunes a [Session]. Zero values are replaced by the package defaults.
type Config struct {
	// SampleRate is the rate assigned to inbound audio frames.
	SampleRate int

	// ConnectTimeout bounds negotiation plus dial.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration

	// HeartbeatInterval is the ping period while Open.
	HeartbeatInterval time.Duration

	// LivenessInterval is the liveness check period while Open.
	LivenessInterval time.Duration

	// ReconnectBackoff is multiplied by the attempt number to get the wait
	// before each reconnect.
	ReconnectBackoff time.Duration

	// MaxReconnectAttempts caps consecutive reconnects.
	MaxReconnectAttempts int

	// MaxPendingFrames bounds the outbound audio queue.
	MaxPendingFrames int

	// ReconnectOnStall lets the liveness check force-close a link after
	// StallChecks consecutive degraded checks. Off by default.
	ReconnectOnStall bool

	// StallChecks is the degraded-check count that triggers the stall policy.
	StallChecks int

	// NegotiationPayload is the offer handed to the [Negotiator].
	NegotiationPayload []byte
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = DefaultMaxPendingFrames
	}
	if c.StallChecks <= 0 {
		c.StallChecks = DefaultStallChecks
	}
}

// Option configures a [Session] during construction.
type Option func(*Session)

// WithNegotiator runs n before every dial.
func WithNegotiator(n Negotiator) Option {
	return func(s *Session) { s.negotiator = n }
}

// WithLogger sets the session logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides time.Now for traffic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackoffTimer overrides the timer used to wait between reconnect
// attempts. Tests use it to observe the requested delays.
func WithBackoffTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Session) {
		if after != nil {
			s.after = after
		}
	}
}

type pendingFrame struct {
	seq   uint64
	frame audio.AudioFrame
}

// link is the per-connection state. Every goroutine tied to a connection
// holds its link and stops acting once the link is no longer current.
type link struct {
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{} // signals the writer that pending frames exist

	// pingSent is the time of the oldest heartbeat not yet followed by
	// inbound traffic; zero when none is outstanding. Guarded by Session.mu.
	pingSent time.Time
}

// Session is the client end of the duplex connection.
//
// All exported methods are safe for concurrent use. Audio and control
// handlers run on the connection's read goroutine; state, error and health
// handlers run on a per-session dispatcher goroutine in event order. Handlers
// may call [Session.Close].
type Session struct {
	dialer     Dialer
	negotiator Negotiator
	cfg        Config
	log        *slog.Logger
	metrics    *observe.Metrics
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time
	events     *dispatcher

	mu          sync.Mutex
	state       State
	link        *link
	active      bool // conversation active: unclean closes trigger reconnects
	closed      bool
	attempts    int
	lastTraffic time.Time
	answer      []byte
	pending     []pendingFrame
	seq         uint64
	stop        chan struct{} // closed by Close to abort dials and backoff waits

	onAudio   func(audio.AudioFrame)
	onControl func(protocol.Message)
	onState   func(StateChange)
	onError   func(error)
	onHealth  func(Health)
}

// New returns an idle Session that dials through d.
func New(d Dialer, cfg Config, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		dialer: d,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
		after:  time.After,
		events: newDispatcher(),
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// OnAudioFrame registers the handler for inbound audio.
func (s *Session) OnAudioFrame(fn func(audio.AudioFrame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAudio = fn
}

// OnControlMessage registers the handler for inbound control messages.
func (s *Session) OnControlMessage(fn func(protocol.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onControl = fn
}

// OnStateChange registers the lifecycle transition handler.
func (s *Session) OnStateChange(fn func(StateChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// OnError registers the handler for non-fatal and terminal errors.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// OnHealth registers the liveness handler.
func (s *Session) OnHealth(fn func(Health)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHealth = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts returns the current reconnect attempt counter. It resets
// to zero on every successful open.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastTraffic returns the time inbound traffic was last seen.
func (s *Session) LastTraffic() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTraffic
}

// Pending returns the number of outbound frames not yet written.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Answer returns the last negotiation answer, or nil without a negotiator.
func (s *Session) Answer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

// Done is closed once the session has reached a terminal state and every
// state, error and health event has been delivered.
func (s *Session) Done() <-chan struct{} {
	return s.events.Done()
}

// Open establishes the first connection. A failure is returned to the caller
// without reconnecting; the session ends up Closed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state != StateIdle:
		s.mu.Unlock()
		return fmt.Errorf("transport: open in state %s", s.state)
	}
	s.setStateLocked(StateConnecting, 0, nil)
	s.mu.Unlock()

	conn, err := s.connect(ctx, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if conn != nil {
			go conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		s.closed = true
		close(s.stop)
		s.setStateLocked(StateClosed, 0, err)
		s.events.finish()
		return err
	}
	s.active = true
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.installLocked(conn, 0)
	return nil
}

// Send queues an audio frame for delivery. Frames are written in Send order.
// While the session is reconnecting, frames are held and delivered after the
// link is back. When the queue is full the oldest frame is dropped.
func (s *Session) Send(frame audio.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.active {
		s.mu.Unlock()
		return ErrNotOpen
	}

	s.seq++
	s.pending = append(s.pending, pendingFrame{seq: s.seq, frame: frame})
	dropped := 0
	for len(s.pending) > s.cfg.MaxPendingFrames {
		s.pending[0] = pendingFrame{}
		s.pending = s.pending[1:]
		dropped++
	}
	if s.link != nil {
		signal(s.link.wake)
	}
	if dropped > 0 {
		s.emitErrorLocked(&ProcessingError{Op: "send", Err: ErrQueueOverflow})
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.metrics.RecordFramesDropped(context.Background(), dropped, "overflow")
		s.log.Warn("transport: pending queue full, dropped oldest frame", "dropped", dropped)
	}
	return nil
}

// SendControl writes a control message immediately. It fails unless the
// session is Open.
func (s *Session) SendControl(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	l := s.link
	if s.state != StateOpen || l == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	s.mu.Unlock()

	if err := s.write(l, MessageText, data); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		s.linkFailed(l, terr)
		return terr
	}
	return nil
}

// Close ends the conversation and tears down the connection. Timers and
// pending reconnects are cancelled; anything that fires afterwards is a
// no-op. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasActive := s.active
	s.active = false
	close(s.stop)

	var conn Conn
	if s.link != nil {
		conn = s.link.conn
		s.link.cancel()
		s.link = nil
	}
	clear(s.pending)
	s.pending = nil

	switch s.state {
	case StateClosed, StateFailed:
	default:
		if s.state != StateIdle {
			s.setStateLocked(StateClosing, 0, nil)
		}
		s.setStateLocked(StateClosed, 0, nil)
	}
	s.events.finish()
	s.mu.Unlock()

	if wasActive {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// connect negotiates (when configured) and dials within ConnectTimeout.
// Close aborts an in-flight connect.
func (s *Session) connect(ctx context.Context, attempt int) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.negotiator != nil {
		answer, err := s.negotiator.Negotiate(ctx, s.cfg.NegotiationPayload)
		if err != nil {
			return nil, &TransportError{Op: "negotiate", Attempt: attempt, Err: err}
		}
		s.mu.Lock()
		s.answer = answer
		s.mu.Unlock()
	}

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, &TransportError{Op: "dial", Attempt: attempt, Err: err}
	}
	return conn, nil
}

// installLocked makes conn the current link, resets the attempt counter and
// starts the per-connection goroutines. Must be called with s.mu held.
func (s *Session) installLocked(conn Conn, attempt int) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	s.link = l
	s.attempts = 0
	s.lastTraffic = s.now()
	s.setStateLocked(StateOpen, attempt, nil)
	if len(s.pending) > 0 {
		signal(l.wake)
	}

	go s.readLoop(l)
	go s.writeLoop(l)
	go s.heartbeatLoop(l)
	go s.livenessLoop(l)
}

// linkFailed handles an unclean close of l: reconnect while attempts remain,
// otherwise fail the session.
func (s *Session) linkFailed(l *link, cause error) {
	s.mu.Lock()
	if s.link != l || s.closed {
		s.mu.Unlock()
		return
	}
	l.cancel()
	s.link = nil
	s.setStateLocked(StateClosed, 0, cause)
	s.log.Warn("transport: connection lost", "err", cause)
	s.afterUncleanLocked(cause)
	s.mu.Unlock()

	go l.conn.Close()
}

// afterUncleanLocked schedules a reconnect or fails the session. Must be
// called with s.mu held and the session in Closed.
func (s *Session) afterUncleanLocked(cause error) {
	if s.active && s.attempts < s.cfg.MaxReconnectAttempts {
		s.attempts++
		attempt := s.attempts
		s.setStateLocked(StateReconnecting, attempt, cause)
		s.metrics.RecordReconnect(context.Background(), "scheduled")
		go s.reconnect(attempt)
		return
	}

	wasActive := s.active
	s.active = false
	s.closed = true
	close(s.stop)
	clear(s.pending)
	s.pending = nil
	s.setStateLocked(StateFailed, s.attempts, cause)
	s.emitErrorLocked(&TransportError{Op: "reconnect", Attempt: s.attempts, Err: errors.Join(ErrConnectionLost, cause)})
	s.events.finish()
	s.metrics.RecordReconnect(context.Background(), "exhausted")
	if wasActive {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.log.Error("transport: reconnection exhausted", "attempts", s.attempts, "err", cause)
}

// reconnect waits attempt × ReconnectBackoff and dials again.
func (s *Session) reconnect(attempt int) {
	delay := time.Duration(attempt) * s.cfg.ReconnectBackoff
	s.log.Info("transport: reconnecting", "attempt", attempt, "max_attempts", s.cfg.MaxReconnectAttempts, "backoff", delay)

	select {
	case <-s.stop:
		return
	case <-s.after(delay):
	}

	s.mu.Lock()
	if s.closed || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting, attempt, nil)
	s.mu.Unlock()

	conn, err := s.connect(context.Background(), attempt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if conn != nil {
			go conn.Close()
		}
		return
	}
	if err != nil {
		s.setStateLocked(StateClosed, attempt, err)
		s.log.Warn("transport: reconnect attempt failed", "attempt", attempt, "err", err)
		s.afterUncleanLocked(err)
		return
	}
	s.metrics.RecordReconnect(context.Background(), "succeeded")
	s.log.Info("transport: reconnected", "attempt", attempt)
	s.installLocked(conn, attempt)
}

func (s *Session) readLoop(l *link) {
	for {
		kind, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrPeerClosed
			}
			s.linkFailed(l, &TransportError{Op: "read", Err: err})
			return
		}

		s.mu.Lock()
		if s.link != l {
			s.mu.Unlock()
			return
		}
		s.lastTraffic = s.now()
		l.pingSent = time.Time{}
		onAudio, onControl := s.onAudio, s.onControl
		s.mu.Unlock()

		switch kind {
		case MessageBinary:
			s.handleAudio(data, onAudio)
		case MessageText:
			s.handleText(data, onControl)
		}
	}
}

func (s *Session) handleAudio(data []byte, fn func(audio.AudioFrame)) {
	if len(data)%2 != 0 {
		s.metrics.RecordFramesDropped(context.Background(), 1, "odd_length")
		s.emitError(&ProcessingError{Op: "decode audio", Err: audio.ErrOddLength})
		return
	}
	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: s.cfg.SampleRate,
		Timestamp:  s.now(),
	}
	s.metrics.RecordFrameReceived(context.Background(), frame.Duration())
	if fn != nil {
		fn(frame)
	}
}

func (s *Session) handleText(data []byte, fn func(protocol.Message)) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Debug("transport: dropping malformed control message", "err", err)
		s.emitError(&ProtocolError{Payload: data, Err: err})
		return
	}
	if fn != nil {
		fn(msg)
	}
}

// writeLoop drains the pending queue in FIFO order. A frame is removed only
// after it has been written, so a frame whose write fails is retried on the
// next link.
func (s *Session) writeLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}

		for {
			s.mu.Lock()
			if s.link != l || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			pf := s.pending[0]
			s.mu.Unlock()

			if err := s.write(l, MessageBinary, pf.frame.Data); err != nil {
				s.linkFailed(l, &TransportError{Op: "write", Err: err})
				return
			}

			s.mu.Lock()
			if len(s.pending) > 0 && s.pending[0].seq == pf.seq {
				s.pending[0] = pendingFrame{}
				s.pending = s.pending[1:]
			}
			s.mu.Unlock()
			s.metrics.RecordFrameSent(context.Background(), pf.frame.Duration())
		}
	}
}

func (s *Session) write(l *link, kind MessageKind, data []byte) error {
	ctx, cancel := context.WithTimeout(l.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return l.conn.Write(ctx, kind, data)
}

func (s *Session) heartbeatLoop(l *link) {
	ping, _ := protocol.Encode(protocol.Ping())
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		if s.link != l {
			s.mu.Unlock()
			return
		}
		if l.pingSent.IsZero() {
			l.pingSent = s.now()
		}
		s.mu.Unlock()

		if err := s.write(l, MessageText, ping); err != nil {
			s.linkFailed(l, &TransportError{Op: "heartbeat", Err: err})
			return
		}
		s.metrics.Heartbeats.Add(context.Background(), 1)
	}
}

// livenessLoop reports degraded health while a heartbeat stays unanswered
// for a full liveness interval. A quiet link whose pings are answered stays
// healthy.
func (s *Session) livenessLoop(l *link) {
	t := time.NewTicker(s.cfg.LivenessInterval)
	defer t.Stop()
	checks := 0
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		if s.link != l {
			s.mu.Unlock()
			return
		}
		now := s.now()
		degraded := !l.pingSent.IsZero() && now.Sub(l.pingSent) >= s.cfg.LivenessInterval
		last := s.lastTraffic

		switch {
		case degraded:
			checks++
			if checks == 1 {
				s.emitHealthLocked(Health{Degraded: true, LastTraffic: last, Checks: checks})
			}
		case checks > 0:
			checks = 0
			s.emitHealthLocked(Health{Degraded: false, LastTraffic: last})
		}
		stall := degraded && s.cfg.ReconnectOnStall && checks >= s.cfg.StallChecks
		s.mu.Unlock()

		if degraded {
			s.metrics.LivenessDegraded.Add(context.Background(), 1)
			s.log.Warn("transport: link degraded, heartbeat unanswered",
				"last_traffic", last,
				"checks", checks,
			)
		} else if checks == 0 {
			s.log.Debug("transport: liveness ok", "last_traffic", last)
		}
		if stall {
			s.linkFailed(l, &TransportError{Op: "liveness", Err: ErrStalled})
			return
		}
	}
}

// setStateLocked records a transition and queues its event. Must be called
// with s.mu held.
func (s *Session) setStateLocked(to State, attempt int, cause error) {
	from := s.state
	s.state = to
	s.log.Debug("transport: state change", "from", from, "to", to, "attempt", attempt)
	if fn := s.onState; fn != nil {
		ev := StateChange{From: from, To: to, Attempt: attempt, Err: cause}
		s.events.post(func() { fn(ev) })
	}
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitErrorLocked(err)
}

func (s *Session) emitErrorLocked(err error) {
	if fn := s.onError; fn != nil {
		s.events.post(func() { fn(err) })
	}
}

func (s *Session) emitHealthLocked(h Health) {
	if fn := s.onHealth; fn != nil {
		s.events.post(func() { fn(h) })
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
