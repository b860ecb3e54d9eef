// Package protocol defines the JSON control messages exchanged as websocket
// text frames between the voxbridge client and relay.
//
// Binary frames carry raw little-endian PCM16 mono audio and never pass
// through this package.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates control messages on the wire.
type Type string

const (
	// TypePing is the heartbeat probe. Either side may send it; the relay
	// echoes it back.
	TypePing Type = "ping"

	// TypeStatus carries a human-readable connection status.
	TypeStatus Type = "connection_status"

	// TypeTranscript carries recognised or generated text.
	TypeTranscript Type = "transcript"

	// TypeError reports a non-fatal error from the remote side.
	TypeError Type = "error"
)

// IsValid reports whether t is a known message type.
func (t Type) IsValid() bool {
	switch t {
	case TypePing, TypeStatus, TypeTranscript, TypeError:
		return true
	}
	return false
}

var (
	// ErrMalformed is returned by [Decode] when the payload is not a JSON object.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned when the type discriminator is missing or
	// unrecognised.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Message is a single control message. Only the fields that belong to Type
// are populated.
type Message struct {
	Type Type `json:"type"`

	// Status is set for [TypeStatus].
	Status string `json:"status,omitempty"`

	// Text is set for [TypeTranscript].
	Text string `json:"text,omitempty"`

	// Timestamp is the transcript time in Unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Message is set for [TypeError].
	Message string `json:"message,omitempty"`
}

// Ping returns a heartbeat message.
func Ping() Message { return Message{Type: TypePing} }

// Status returns a connection_status message.
func Status(status string) Message { return Message{Type: TypeStatus, Status: status} }

// Transcript returns a transcript message stamped with at.
func Transcript(text string, at time.Time) Message {
	return Message{Type: TypeTranscript, Text: text, Timestamp: at.UnixMilli()}
}

// Error returns an error message.
func Error(msg string) Message { return Message{Type: TypeError, Message: msg} }

// Time returns Timestamp as a time.Time, or the zero time when unset.
func (m Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// Encode serialises m to JSON. It fails for unknown types.
func Encode(m Message) ([]byte, error) {
	if !m.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return json.Marshal(m)
}

// Decode parses a text frame. Payloads that are not JSON objects wrap
// [ErrMalformed]; objects with an unknown type wrap [ErrUnknownType].
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if !m.Type.IsValid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}
