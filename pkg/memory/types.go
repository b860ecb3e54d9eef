package memory

import "time"

// Speakers recorded in [TranscriptEntry.Speaker].
const (
	SpeakerAssistant = "assistant"
	SpeakerUser      = "user"
)

// TranscriptEntry is one transcript line of a conversation.
type TranscriptEntry struct {
	// SessionID is the conversation the entry belongs to. Stores fill it on
	// read; it is ignored on write in favour of the explicit session argument.
	SessionID string

	// Speaker is [SpeakerAssistant] or [SpeakerUser].
	Speaker string

	// Text is the transcript text.
	Text string

	// Timestamp is when the text was produced, as reported by the remote side.
	Timestamp time.Time
}
