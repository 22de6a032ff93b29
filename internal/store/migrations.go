package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// step is one forward schema change. Steps are applied in order and never
// reverted; a new column or table is a new step.
type step struct {
	version int
	about   string
	sql     string
}

var schema = []step{
	{1, "backups catalog", `
CREATE TABLE IF NOT EXISTS backups (
    id              TEXT PRIMARY KEY,
    document_path   TEXT NOT NULL,
    destination     TEXT NOT NULL,
    created_ns      INTEGER NOT NULL,
    content_clock   INTEGER NOT NULL,
    sideband_clock  INTEGER NOT NULL,
    size            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backups_document ON backups(document_path, created_ns);
`},
	{2, "replica ids next to backup clocks", `
ALTER TABLE backups ADD COLUMN content_replica TEXT NOT NULL DEFAULT '';
ALTER TABLE backups ADD COLUMN sideband_replica TEXT NOT NULL DEFAULT '';
`},
}

// latestSchema is the version a fully migrated catalog reports.
var latestSchema = schema[len(schema)-1].version

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  INTEGER NOT NULL,
		description TEXT
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, st := range schema {
		if st.version <= current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, st.sql); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				st.version, time.Now().UnixNano(), st.about)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", st.version, st.about, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
