// Package dbtest opens an in-memory SQLite store for tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"ms-counters/internal/counters/db"
	"ms-counters/internal/logger"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// New returns a store backed by a private in-memory database with the schema
// created. The pool is limited to one connection: every connection to
// ":memory:" is a separate database, and one connection also serializes
// transactions the way a row lock would.
func New(t testing.TB) *db.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = bunDB.Close() })

	store := db.New(bunDB, logger.NewNop())
	if err := store.CreateSchema(context.Background()); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return store
}
