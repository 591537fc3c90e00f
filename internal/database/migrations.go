package database

import (
	"context"
	"fmt"
	"log/slog"
)

// migration is one schema step. Migrations run in order inside a
// transaction each; applied versions are recorded in schema_migrations.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create_cameras",
		SQL: `
			CREATE TABLE IF NOT EXISTS cameras (
				uuid         TEXT PRIMARY KEY,
				ip_address   TEXT NOT NULL,
				port         INTEGER NOT NULL,
				model_name   TEXT,
				status       TEXT NOT NULL,
				capabilities TEXT,
				is_primary   INTEGER NOT NULL DEFAULT 0,
				last_seen_at INTEGER NOT NULL,
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_cameras_last_seen ON cameras(last_seen_at);
		`,
	},
}

// Migrator applies pending schema migrations.
type Migrator struct {
	db     *DB
	logger *slog.Logger
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db, logger: slog.Default().With("component", "migrator")}
}

// Run applies all migrations that have not been applied yet.
func (m *Migrator) Run(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		mig.Version, mig.Name); err != nil {
		return err
	}
	return tx.Commit()
}
