// Package mock provides an in-memory test double for [memory.Store].
//
// The mock keeps appended entries in memory so that List and Search behave
// like a real backend, records every method call for assertion, and exposes
// exported *Err fields that make individual methods fail.
//
// Typical usage:
//
//	store := &mock.Store{}
//	// inject store into the system under test ...
//	if got := store.CallCount("Append"); got != 2 {
//	    t.Errorf("expected 2 Append calls, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu sync.Mutex

	calls   []Call
	entries []memory.TranscriptEntry
	closed  bool

	// AppendErr is returned by Append when non-nil. The entry is not stored.
	AppendErr error

	// ListErr is returned by List when non-nil.
	ListErr error

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// CloseErr is returned by Close.
	CloseErr error
}

// Append implements [memory.Store].
func (s *Store) Append(_ context.Context, sessionID string, entry memory.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Append", Args: []any{sessionID, entry}})
	if s.AppendErr != nil {
		return s.AppendErr
	}
	entry.SessionID = sessionID
	s.entries = append(s.entries, entry)
	return nil
}

// List implements [memory.Store].
func (s *Store) List(_ context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "List", Args: []any{sessionID}})
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := []memory.TranscriptEntry{}
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sortByTime(out)
	return out, nil
}

// Search implements [memory.Store] with a case-insensitive substring match.
func (s *Store) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Search", Args: []any{query, opts}})
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	q := strings.ToLower(query)
	out := []memory.TranscriptEntry{}
	for _, e := range s.entries {
		switch {
		case opts.SessionID != "" && e.SessionID != opts.SessionID:
		case !opts.After.IsZero() && !e.Timestamp.After(opts.After):
		case !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before):
		case !strings.Contains(strings.ToLower(e.Text), q):
		default:
			out = append(out, e)
		}
	}
	sortByTime(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Ping"})
	return s.PingErr
}

// Close implements [memory.Store].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Close"})
	s.closed = true
	return s.CloseErr
}

// Entries returns a copy of every stored entry in append order.
func (s *Store) Entries() []memory.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Calls returns a copy of all recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetAppendErr sets AppendErr under the lock.
func (s *Store) SetAppendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendErr = err
}

// Reset clears recorded calls and stored entries. Injected errors are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.entries = nil
	s.closed = false
}

func sortByTime(entries []memory.TranscriptEntry) {
	slices.SortStableFunc(entries, func(a, b memory.TranscriptEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}
