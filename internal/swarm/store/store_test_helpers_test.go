package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/buildswarm/coordinator/internal/platform/database"
	"github.com/buildswarm/coordinator/internal/platform/migrations"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "swarm.db")
	db, err := database.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return New(db), ctx
}
