// Package sqlite provides a single-file [memory.Store] backed by the pure-Go
// modernc.org/sqlite driver. The database runs in WAL mode and creates its
// schema on open.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/voxbridge/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Options tunes a [Store].
type Options struct {
	// RetentionDays deletes entries older than this many days on open.
	// Zero keeps everything.
	RetentionDays int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the SQLite transcript log.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}

	if opts.RetentionDays > 0 {
		n, err := s.Prune(ctx, time.Duration(opts.RetentionDays)*24*time.Hour)
		if err != nil {
			log.Warn("sqlite store: prune on open failed", "err", err)
		} else if n > 0 {
			log.Info("sqlite store: pruned old entries", "deleted", n)
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT    NOT NULL,
    speaker    TEXT    NOT NULL DEFAULT '',
    text       TEXT    NOT NULL,
    ts_ns      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_ts ON transcript_entries(session_id, ts_ns);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Append implements [memory.Store]. A zero timestamp is replaced by the
// current time.
func (s *Store) Append(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_entries(session_id, speaker, text, ts_ns) VALUES(?, ?, ?, ?)`,
		sessionID, entry.Speaker, entry.Text, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: append: %w", err)
	}
	return nil
}

// List implements [memory.Store].
func (s *Store) List(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, speaker, text, ts_ns FROM transcript_entries
		 WHERE session_id = ? ORDER BY ts_ns ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	return scanEntries(rows)
}

// Search implements [memory.Store] with a substring match that ignores ASCII
// case, as SQLite LIKE does.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	conditions := []string{"text LIKE ? ESCAPE '\\'"}
	args := []any{"%" + escapeLike(query) + "%"}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "ts_ns > ?")
		args = append(args, opts.After.UnixNano())
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "ts_ns < ?")
		args = append(args, opts.Before.UnixNano())
	}

	q := "SELECT session_id, speaker, text, ts_ns FROM transcript_entries WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY ts_ns ASC, id ASC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: search: %w", err)
	}
	return scanEntries(rows)
}

// Prune deletes entries older than maxAge and returns how many went.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.clock().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcript_entries WHERE ts_ns < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: prune: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [memory.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]memory.TranscriptEntry, error) {
	defer rows.Close()
	entries := []memory.TranscriptEntry{}
	for rows.Next() {
		var (
			e  memory.TranscriptEntry
			ns int64
		)
		if err := rows.Scan(&e.SessionID, &e.Speaker, &e.Text, &ns); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		e.Timestamp = time.Unix(0, ns)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rows: %w", err)
	}
	return entries, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
