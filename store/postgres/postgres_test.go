package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/nevindra/repl"
	"github.com/nevindra/repl/session"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("REPL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REPL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, WithTable("repl_sessions_test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.table)
		s.Close()
	})
	return s
}

func TestPostgresLedger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.PutSession(ctx, session.Record{ID: "a", Status: session.StatusActive, CreatedAt: 100, UpdatedAt: 100})
	s.PutSession(ctx, session.Record{ID: "b", Status: session.StatusActive, CreatedAt: 100, UpdatedAt: 200})
	if err := s.PutSession(ctx, session.Record{ID: "a", StatePath: "/s/a.pkl", Status: session.StatusReaped, CreatedAt: 999, UpdatedAt: 300}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := s.GetSession(ctx, "a")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	want := session.Record{ID: "a", StatePath: "/s/a.pkl", Status: session.StatusReaped, CreatedAt: 100, UpdatedAt: 300}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	list, err := s.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Errorf("list = %+v", list)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, repl.ErrSessionNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestIndexName(t *testing.T) {
	if got := indexName(`"repl_sessions"`); got != "repl_sessions_updated_at" {
		t.Errorf("indexName = %q", got)
	}
}
