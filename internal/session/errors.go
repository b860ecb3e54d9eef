package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxbridge/internal/transport"
)

var (
	// ErrAlreadyActive is returned by Start while a conversation is running.
	ErrAlreadyActive = errors.New("session: conversation already active")

	// ErrConnectionLost is reported through OnError once the transport has
	// exhausted its reconnect attempts.
	ErrConnectionLost = transport.ErrConnectionLost
)

// DeviceError reports a capture or output device that could not be
// acquired. It is fatal to Start and never retried.
type DeviceError struct {
	Device string // "capture" or "output"
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("session: %s device: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// RemoteError is an error message reported by the remote side. It is shown
// to the user and does not end the conversation.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "session: remote error: " + e.Message
}
