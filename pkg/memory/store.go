// Package memory defines the transcript history kept for voxbridge
// conversations.
//
// A [Store] is an append-only, per-session log of transcript lines. The
// session controller writes to it while a conversation runs; operators read
// it back with [Store.List] and [Store.Search].
//
// Backends live in subpackages: [github.com/MrWong99/voxbridge/pkg/memory/sqlite]
// for a single-file local log and [github.com/MrWong99/voxbridge/pkg/memory/postgres]
// for a shared database. Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// SearchOpts configures a text search over transcript entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Store is the transcript history log.
type Store interface {
	// Append adds entry to the log of sessionID.
	Append(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// List returns every entry of sessionID in chronological order. An
	// unknown session yields an empty, non-nil slice.
	List(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// Search returns entries whose text matches query, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
