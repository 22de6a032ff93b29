package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"scribed/internal/version"
)

// ErrInvalidBackup is returned when a record lacks required fields.
var ErrInvalidBackup = errors.New("store: invalid backup record")

const backupColumns = `id, document_path, destination, created_ns,
	content_clock, content_replica, sideband_clock, sideband_replica, size`

// Store is the SQLite backup catalog.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between our own connections.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Ping checks that the catalog is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert records a backup. An empty ID is filled with a new ULID and a zero
// CreatedNs with the current time.
func (s *Store) Insert(ctx context.Context, b *Backup) error {
	if b.DocumentPath == "" || b.Destination == "" {
		return ErrInvalidBackup
	}
	if b.ID == "" {
		b.ID = ulid.Make().String()
	}
	if b.CreatedNs == 0 {
		b.CreatedNs = time.Now().UnixNano()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (`+backupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.DocumentPath, b.Destination, b.CreatedNs,
		int64(b.Content.Clock), b.Content.Replica,
		int64(b.Sideband.Clock), b.Sideband.Replica,
		b.Size,
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

// Get returns the backup with the given id, or nil if none exists.
func (s *Store) Get(ctx context.Context, id string) (*Backup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// Latest returns the newest backup for a document, or nil if none exists.
func (s *Store) Latest(ctx context.Context, documentPath string) (*Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE document_path = ?
		ORDER BY created_ns DESC, id DESC
		LIMIT 1`, documentPath)
	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest backup: %w", err)
	}
	return b, nil
}

// List returns a document's backups, newest first.
func (s *Store) List(ctx context.Context, documentPath string) ([]*Backup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE document_path = ?
		ORDER BY created_ns DESC, id DESC`, documentPath)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []*Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Documents summarizes every document with at least one backup.
func (s *Store) Documents(ctx context.Context) ([]DocumentStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_path, COUNT(*), COALESCE(SUM(size), 0), MAX(created_ns)
		FROM backups
		GROUP BY document_path
		ORDER BY document_path`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentStat
	for rows.Next() {
		var d DocumentStat
		if err := rows.Scan(&d.DocumentPath, &d.Count, &d.TotalSize, &d.LatestNs); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes a backup record. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	return nil
}

// DeleteForDocument removes all records for a document and returns them so
// the caller can remove the files.
func (s *Store) DeleteForDocument(ctx context.Context, documentPath string) ([]*Backup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE document_path = ?`, documentPath)
	if err != nil {
		return nil, fmt.Errorf("select backups: %w", err)
	}
	var removed []*Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		removed = append(removed, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE document_path = ?`, documentPath); err != nil {
		return nil, fmt.Errorf("delete backups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return removed, nil
}

// Prune keeps the newest keep backups of a document and returns the records
// it removed.
func (s *Store) Prune(ctx context.Context, documentPath string, keep int) ([]*Backup, error) {
	all, err := s.List(ctx, documentPath)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(all) <= keep {
		return nil, nil
	}
	stale := all[keep:]
	for _, b := range stale {
		if err := s.Delete(ctx, b.ID); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBackup(row scanner) (*Backup, error) {
	var (
		b               Backup
		contentClock    int64
		sidebandClock   int64
		contentReplica  string
		sidebandReplica string
	)
	if err := row.Scan(&b.ID, &b.DocumentPath, &b.Destination, &b.CreatedNs,
		&contentClock, &contentReplica, &sidebandClock, &sidebandReplica, &b.Size); err != nil {
		return nil, err
	}
	b.Content = version.Version{Clock: uint64(contentClock), Replica: contentReplica}
	b.Sideband = version.Version{Clock: uint64(sidebandClock), Replica: sidebandReplica}
	return &b, nil
}
