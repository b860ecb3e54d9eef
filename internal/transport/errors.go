package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned when sending on a session that has no live
	// connection and no active conversation.
	ErrNotOpen = errors.New("transport: session not open")

	// ErrClosed is returned for operations on a session after Close.
	ErrClosed = errors.New("transport: session closed")

	// ErrConnectionLost is surfaced once reconnection is exhausted.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrPeerClosed is the close cause when the remote side closed the link
	// with a close frame.
	ErrPeerClosed = errors.New("transport: connection closed by peer")

	// ErrStalled is the close cause when the stall policy gives up on a link
	// that stopped delivering traffic.
	ErrStalled = errors.New("transport: link stalled")

	// ErrQueueOverflow is the cause of a ProcessingError when the pending
	// outbound queue drops its oldest frame.
	ErrQueueOverflow = errors.New("transport: pending queue overflow")
)

// TransportError reports a failure of the underlying connection. Transport
// errors during an active conversation are retried by reconnecting; once
// retries are exhausted the session surfaces one that wraps
// [ErrConnectionLost].
type TransportError struct {
	Op      string // "negotiate", "dial", "read", "write", "heartbeat", "liveness"
	Attempt int    // reconnect attempt the error belongs to, 0 for the first connection
	Err     error
}

func (e *TransportError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("transport: %s (attempt %d): %v", e.Op, e.Attempt, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports an inbound text frame that could not be decoded. The
// frame is dropped; the session stays open.
type ProtocolError struct {
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport: protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ProcessingError reports a frame that was dropped locally, either because
// inbound audio was malformed or because the outbound queue overflowed.
type ProcessingError struct {
	Op  string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
