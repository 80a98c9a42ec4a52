// Package postgres implements session.Ledger using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/session"
)

// Store records session lifecycle rows in PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

var _ session.Ledger = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table name. Default: repl_sessions.
func WithTable(name string) Option {
	return func(s *Store) { s.table = pgx.Identifier{name}.Sanitize() }
}

// New creates a Store using an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, table: pgx.Identifier{"repl_sessions"}.Sanitize()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects a new pool from a connection string. The caller closes it
// with Close.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// Init creates the table and index. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id TEXT PRIMARY KEY,
			state_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{indexName(s.table)}.Sanitize() + ` ON ` + s.table + ` (updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// PutSession upserts a row, keeping the creation time of an existing one.
func (s *Store) PutSession(ctx context.Context, rec session.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (id, state_path, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			state_path = EXCLUDED.state_path,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.StatePath, string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put session: %w", err)
	}
	return nil
}

// GetSession returns the row for id or repl.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (session.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, state_path, status, created_at, updated_at FROM `+s.table+` WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Record{}, fmt.Errorf("postgres: session %s: %w", id, repl.ErrSessionNotFound)
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns up to limit rows, most recently updated first.
// A non-positive limit returns every row.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]session.Record, error) {
	query := `SELECT id, state_path, status, created_at, updated_at FROM ` + s.table + ` ORDER BY updated_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func scanRecord(row pgx.Row) (session.Record, error) {
	var rec session.Record
	var status string
	if err := row.Scan(&rec.ID, &rec.StatePath, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return session.Record{}, err
	}
	rec.Status = session.Status(status)
	return rec, nil
}

func indexName(table string) string {
	name := table
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = name[1 : len(name)-1]
	}
	return name + "_updated_at"
}
