// Package sqlite implements session.Ledger using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/session"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store records session lifecycle rows in a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ session.Ledger = (*Store)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New opens the database at dbPath. It uses a single connection so that
// writers serialize instead of failing with SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the sessions table. Safe to call more than once.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_updated_at ON sessions(updated_at DESC)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// PutSession inserts or updates a row. The creation time of an existing
// row is kept.
func (s *Store) PutSession(ctx context.Context, rec session.Record) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state_path, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state_path = excluded.state_path,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rec.ID, rec.StatePath, string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put session: %w", err)
	}
	s.logger.Debug("sqlite: put session", "session_id", rec.ID, "status", rec.Status, "duration", time.Since(start))
	return nil
}

// GetSession returns the row for id or repl.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (session.Record, error) {
	var rec session.Record
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state_path, status, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.StatePath, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, fmt.Errorf("sqlite: session %s: %w", id, repl.ErrSessionNotFound)
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	rec.Status = session.Status(status)
	return rec, nil
}

// ListSessions returns up to limit rows, most recently updated first.
// A non-positive limit returns every row.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]session.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state_path, status, created_at, updated_at FROM sessions
		 ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var rec session.Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.StatePath, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		rec.Status = session.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
