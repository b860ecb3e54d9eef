// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw PCM16
// audio and answers with synthesised audio and transcripts inside a single
// stateful session. The relay opens one session per connected client and
// pumps audio between the two.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/voxbridge/pkg/memory"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider voice id used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt. Empty leaves the provider
	// default in place.
	Instructions string

	// TranscriptionModel enables transcription of the user's speech with the
	// named model. Empty disables it.
	TranscriptionModel string

	// TurnDetection selects the provider's turn detection mode, for example
	// "server_vad". Empty leaves the provider default in place.
	TurnDetection string
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// SampleRate is the PCM16 sample rate the provider expects and produces.
	SampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice ids the provider accepts.
	Voices []string
}

// SessionHandle represents an open S2S session.
//
// Audio I/O is channel-based so the relay's pumps never block on each other.
// All methods must be safe for concurrent use. Callers must call Close when
// the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 chunk to the provider.
	SendAudio(chunk []byte) error

	// Audio emits synthesised PCM16 audio. The channel is closed when the
	// session ends; check Err afterwards.
	Audio() <-chan []byte

	// Transcripts emits transcript lines for both the user's speech and the
	// model's responses. It is closed together with Audio.
	Transcripts() <-chan memory.TranscriptEntry

	// OnError registers a handler for non-fatal error events reported by the
	// provider. Passing nil clears it.
	OnError(handler func(error))

	// Interrupt stops the current response and discards buffered audio.
	Interrupt() error

	// Err returns the error that ended the session early, or nil.
	Err() error

	// Close terminates the session and closes the channels. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session. The returned SessionHandle accepts
	// audio immediately; the caller owns it and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
