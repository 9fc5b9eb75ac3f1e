// Package dbtest provides throwaway SQLite databases for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"directline/internal/database"
)

// New returns a migrated in-memory SQLite database that is closed when the
// test finishes.
func New(t testing.TB) *database.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := database.Open(database.SQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}
