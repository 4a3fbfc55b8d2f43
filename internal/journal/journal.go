// Package journal keeps a local history of sync operations in SQLite so the
// CLI can show what was packed, unpacked, opened or exported, and when.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// DefaultRecentLimit is the number of rows Recent returns for a zero limit.
const DefaultRecentLimit = 20

const (
	sqlInsertEntry = `INSERT INTO history
		(id, op, origin, started_at, duration_ns, entries, bytes, digest, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlRecentEntries = `SELECT id, op, origin, started_at, duration_ns, entries, bytes, digest, error
		FROM history ORDER BY started_at DESC, rowid DESC LIMIT ?`

	sqlPruneEntries = `DELETE FROM history WHERE started_at < ?`
)

// Entry is one recorded sync operation.
type Entry struct {
	ID        string
	Op        string // pack, unpack, open, export
	Trigger   string // watcher, editor, file, cli
	StartedAt time.Time
	Duration  time.Duration
	Entries   int
	Bytes     int64
	Digest    string // BLAKE3 of the archive bytes, hex; empty on failure
	Error     string
}

// Failed reports whether the operation ended in an error.
func (e *Entry) Failed() bool {
	return e.Error != ""
}

// Store is the history database. It is the only writer to its file.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens or creates the history database at dbPath and applies
// pending migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("history journal opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Record inserts e. An empty ID is filled with a fresh UUID and a zero
// StartedAt with the current time.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	if e.StartedAt.IsZero() {
		e.StartedAt = s.nowFunc()
	}

	_, err := s.db.ExecContext(ctx, sqlInsertEntry,
		e.ID, e.Op, e.Trigger, e.StartedAt.UnixNano(), int64(e.Duration),
		e.Entries, e.Bytes, nullString(e.Digest), nullString(e.Error),
	)
	if err != nil {
		return fmt.Errorf("journal: recording %s: %w", e.Op, err)
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, sqlRecentEntries, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying history: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var (
			e         Entry
			startedAt int64
			duration  int64
			digest    sql.NullString
			errText   sql.NullString
		)

		if err := rows.Scan(&e.ID, &e.Op, &e.Trigger, &startedAt, &duration,
			&e.Entries, &e.Bytes, &digest, &errText); err != nil {
			return nil, fmt.Errorf("journal: scanning history row: %w", err)
		}

		e.StartedAt = time.Unix(0, startedAt)
		e.Duration = time.Duration(duration)
		e.Digest = digest.String
		e.Error = errText.String

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating history rows: %w", err)
	}

	return out, nil
}

// Prune deletes entries started more than retention ago and returns how
// many were removed. A non-positive retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	cutoff := s.nowFunc().Add(-retention).UnixNano()

	res, err := s.db.ExecContext(ctx, sqlPruneEntries, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: pruning history: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: pruning history: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned history", slog.Int64("entries", n), slog.Duration("retention", retention))
	}

	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
