// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the audio/transcript streams and inspect what the
// relay sent upstream.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.EmitAudio(pcm)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/memory"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
)

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh [Session] per call.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	connectCalls []ConnectCall
	sessions     []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCalls returns a copy of the recorded Connect calls.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.connectCalls))
	copy(out, p.connectCalls)
	return out
}

// Sessions returns the sessions created by Connect when Session is nil.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Create it with
// [NewSession].
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// EndErr is reported by Err once the session ended through End.
	EndErr error

	audioCh     chan []byte
	transcripts chan memory.TranscriptEntry
	sent        [][]byte
	sentCh      chan []byte
	onError     func(error)
	interrupts  int
	closeCount  int
	closed      bool
	err         error
	done        chan struct{}
	once        sync.Once

	// emitMu guards the output channels against sends after they are closed.
	emitMu sync.RWMutex
	ended  bool
}

// NewSession returns an open mock session with buffered channels.
func NewSession() *Session {
	return &Session{
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan memory.TranscriptEntry, 16),
		sentCh:      make(chan []byte, 256),
		done:        make(chan struct{}),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		err := s.SendAudioErr
		s.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), chunk...)
	s.sent = append(s.sent, cp)
	s.mu.Unlock()
	select {
	case s.sentCh <- cp:
	default:
	}
	return nil
}

// Audio implements s2s.SessionHandle.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Transcripts implements s2s.SessionHandle.
func (s *Session) Transcripts() <-chan memory.TranscriptEntry { return s.transcripts }

// OnError implements s2s.SessionHandle.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// Interrupt records the call.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.closed = true
	s.mu.Unlock()
	s.end(nil)
	return nil
}

// EmitAudio delivers pcm on the Audio channel. It is a no-op once the session
// has ended.
func (s *Session) EmitAudio(pcm []byte) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.ended {
		return
	}
	s.audioCh <- pcm
}

// EmitTranscript delivers e on the Transcripts channel. It is a no-op once the
// session has ended.
func (s *Session) EmitTranscript(e memory.TranscriptEntry) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.ended {
		return
	}
	s.transcripts <- e
}

// EmitError invokes the registered error handler, if any.
func (s *Session) EmitError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// End closes the output channels as if the provider hung up. EndErr becomes
// the session error.
func (s *Session) End() {
	s.mu.Lock()
	err := s.EndErr
	s.mu.Unlock()
	s.end(err)
}

func (s *Session) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.emitMu.Lock()
		s.ended = true
		close(s.audioCh)
		close(s.transcripts)
		s.emitMu.Unlock()
	})
}

// Sent returns copies of every chunk passed to SendAudio.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentCh receives each chunk passed to SendAudio. It is buffered; chunks
// beyond its capacity are only visible via Sent.
func (s *Session) SentCh() <-chan []byte { return s.sentCh }

// Interrupts returns how many times Interrupt was called.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
