package database

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Path = filepath.Join(filepath.Dir(cfg.Path), "test.db")
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrator_RunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db)
	if err := m.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := m.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("applied migrations = %d, want %d", count, len(migrations))
	}

	// The cameras table must exist after migration.
	if _, err := db.ExecContext(ctx,
		"INSERT INTO cameras (uuid, ip_address, port, status, last_seen_at, created_at, updated_at) VALUES ('u1','192.0.2.5',443,'discovered',0,0,0)"); err != nil {
		t.Errorf("insert into cameras: %v", err)
	}
}

func TestDB_Health(t *testing.T) {
	db := openTestDB(t)
	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}
