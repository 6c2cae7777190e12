// Package storetest opens migrated throwaway databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/venturecrane/crane-relay/internal/store"
)

// New returns a migrated SQLite store in a temp dir, closed on cleanup.
func New(t testing.TB) *store.Store {
	t.Helper()

	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{
		Driver:   store.DialectSQLite,
		URL:      filepath.Join(t.TempDir(), "relay.db"),
		MaxConns: 8,
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return s
}

// AllowDuplicateActive drops the one-active-session index so tests can
// reproduce the state a lost race would leave behind.
func AllowDuplicateActive(t testing.TB, s *store.Store) {
	t.Helper()
	if _, err := s.DB().Exec(`DROP INDEX idx_sessions_one_active`); err != nil {
		t.Fatalf("drop active session index: %v", err)
	}
}
