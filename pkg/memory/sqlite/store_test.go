package sqlite_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/memory"
	"github.com/MrWong99/voxbridge/pkg/memory/sqlite"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, opts sqlite.Options) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "history.db")
	opts.Logger = newLogger()
	s, err := sqlite.Open(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_AppendAndList(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, sqlite.Options{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"third", "first", "second"} {
		offset := []time.Duration{2, 0, 1}[i] * time.Second
		if err := s.Append(ctx, "s1", memory.TranscriptEntry{
			Speaker:   memory.SpeakerAssistant,
			Text:      text,
			Timestamp: base.Add(offset),
		}); err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
	}
	if err := s.Append(ctx, "s2", memory.TranscriptEntry{Text: "other"}); err != nil {
		t.Fatalf("append s2: %v", err)
	}

	got, err := s.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("list: got %d entries, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.Text != want[i] {
			t.Errorf("entry %d = %q, want %q", i, e.Text, want[i])
		}
		if e.SessionID != "s1" || e.Speaker != memory.SpeakerAssistant {
			t.Errorf("entry %d = %+v, want session s1 speaker assistant", i, e)
		}
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, base)
	}

	empty, err := s.List(ctx, "missing")
	if err != nil {
		t.Fatalf("list missing: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("list missing = %v, want empty non-nil", empty)
	}
}

func TestStore_AppendZeroTimestamp(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, sqlite.Options{})
	ctx := context.Background()

	before := time.Now()
	if err := s.Append(ctx, "s1", memory.TranscriptEntry{Text: "now"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := s.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp.Before(before) {
		t.Errorf("entries = %+v, want one stamped at or after %v", got, before)
	}
}

func TestStore_Search(t *testing.T) {
	t.Parallel()
	s, _ := openStore(t, sqlite.Options{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []struct {
		session string
		text    string
		at      time.Duration
	}{
		{"s1", "The Weather is sunny", 0},
		{"s1", "Traffic is heavy", time.Minute},
		{"s1", "weather turns to rain", 2 * time.Minute},
		{"s2", "weather elsewhere", 3 * time.Minute},
		{"s2", "100% chance of fun_times", 4 * time.Minute},
	}
	for _, e := range seed {
		if err := s.Append(ctx, e.session, memory.TranscriptEntry{Text: e.text, Timestamp: base.Add(e.at)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tests := []struct {
		name  string
		query string
		opts  memory.SearchOpts
		want  []string
	}{
		{name: "case insensitive across sessions", query: "WEATHER", want: []string{"The Weather is sunny", "weather turns to rain", "weather elsewhere"}},
		{name: "session scoped", query: "weather", opts: memory.SearchOpts{SessionID: "s2"}, want: []string{"weather elsewhere"}},
		{name: "after", query: "weather", opts: memory.SearchOpts{After: base.Add(time.Minute)}, want: []string{"weather turns to rain", "weather elsewhere"}},
		{name: "before", query: "weather", opts: memory.SearchOpts{Before: base.Add(time.Minute)}, want: []string{"The Weather is sunny"}},
		{name: "limit", query: "weather", opts: memory.SearchOpts{Limit: 2}, want: []string{"The Weather is sunny", "weather turns to rain"}},
		{name: "percent is literal", query: "100%", want: []string{"100% chance of fun_times"}},
		{name: "underscore is literal", query: "s_n", want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Search(ctx, tc.query, tc.opts)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("search %q: got %d results, want %d (%+v)", tc.query, len(got), len(tc.want), got)
			}
			for i := range got {
				if got[i].Text != tc.want[i] {
					t.Errorf("result %d = %q, want %q", i, got[i].Text, tc.want[i])
				}
			}
		})
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	t.Parallel()
	s, path := openStore(t, sqlite.Options{})
	ctx := context.Background()
	if err := s.Append(ctx, "s1", memory.TranscriptEntry{Text: "kept", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := sqlite.Open(ctx, path, sqlite.Options{Logger: newLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Text != "kept" {
		t.Errorf("after reopen = %+v, want the kept entry", got)
	}
	if err := reopened.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestStore_RetentionPrunesOnOpen(t *testing.T) {
	t.Parallel()
	s, path := openStore(t, sqlite.Options{})
	ctx := context.Background()
	old := time.Now().Add(-10 * 24 * time.Hour)
	for _, e := range []memory.TranscriptEntry{
		{Text: "ancient", Timestamp: old},
		{Text: "fresh", Timestamp: time.Now()},
	} {
		if err := s.Append(ctx, "s1", e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.Close()

	pruned, err := sqlite.Open(ctx, path, sqlite.Options{RetentionDays: 7, Logger: newLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer pruned.Close()
	got, err := pruned.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Text != "fresh" {
		t.Errorf("after prune = %+v, want only fresh", got)
	}
}
