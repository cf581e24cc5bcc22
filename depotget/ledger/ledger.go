// Package ledger persists per-chunk completion state so an interrupted sync
// session resumes without re-fetching or re-verifying finished chunks.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

// Ledger wraps the SQLite progress database kept in the session work
// directory. Entries are appended as chunks verify and the whole ledger is
// cleared once the session succeeds.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger database at the given path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db}
	if err := l.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) applyPragmas(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS session (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			build_id TEXT NOT NULL,
			started_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS completed_chunks (
			digest TEXT PRIMARY KEY,
			completed_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Bind ties the ledger to a build id. Progress recorded for a different
// build is stale and gets discarded.
func (l *Ledger) Bind(ctx context.Context, buildID string) error {
	var stored string
	err := l.db.QueryRowContext(ctx, "SELECT build_id FROM session WHERE id = 1").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		// first session
	case err != nil:
		return err
	case stored == buildID:
		return nil
	default:
		if _, err := l.db.ExecContext(ctx, "DELETE FROM completed_chunks"); err != nil {
			return err
		}
		if _, err := l.db.ExecContext(ctx, "DELETE FROM session"); err != nil {
			return err
		}
	}
	_, err = l.db.ExecContext(ctx,
		"INSERT INTO session(id, build_id, started_at) VALUES(1, ?, ?)",
		buildID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// MarkCompleted records a hash-verified, fully placed chunk.
func (l *Ledger) MarkCompleted(ctx context.Context, d digest.Digest) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO completed_chunks(digest, completed_at) VALUES(?, ?)",
		d.String(), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Completed returns the set of chunk digests recorded as done.
func (l *Ledger) Completed(ctx context.Context) (map[digest.Digest]struct{}, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT digest FROM completed_chunks")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[digest.Digest]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := digest.Parse(raw)
		if err != nil {
			// A corrupt row must not poison the resume; the chunk is
			// simply fetched again.
			continue
		}
		done[d] = struct{}{}
	}
	return done, rows.Err()
}

// Clear wipes all recorded progress. Called after a fully successful sync.
func (l *Ledger) Clear(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM completed_chunks"); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, "DELETE FROM session")
	return err
}
