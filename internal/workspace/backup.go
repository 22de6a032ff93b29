package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"scribed/internal/logging"
	"scribed/internal/store"
)

// BackupInfo describes a cataloged backup.
type BackupInfo struct {
	ID           string    `json:"id"`
	DocumentPath string    `json:"documentPath"`
	Destination  string    `json:"destination"`
	CreatedAt    time.Time `json:"createdAt"`
	Size         int64     `json:"size"`
}

func backupInfo(b *store.Backup) BackupInfo {
	return BackupInfo{
		ID:           b.ID,
		DocumentPath: b.DocumentPath,
		Destination:  b.Destination,
		CreatedAt:    b.CreatedAt(),
		Size:         b.Size,
	}
}

// Backup writes a snapshot of a document to the backup directory and
// records it in the catalog.
func (w *Workspace) Backup(ctx context.Context, path string) (BackupInfo, error) {
	od, err := w.lookup(path)
	if err != nil {
		return BackupInfo{}, err
	}
	b, err := w.backup(ctx, od)
	if err != nil {
		w.audit.Record(ctx, logging.AuditBackup, od.path, err)
		return BackupInfo{}, err
	}
	w.audit.Record(ctx, logging.AuditBackup, od.path, nil, "id", b.ID)
	return backupInfo(b), nil
}

// Backups lists the cataloged backups of a document, newest first.
func (w *Workspace) Backups(ctx context.Context, path string) ([]BackupInfo, error) {
	if w.store == nil {
		return nil, nil
	}
	key, err := Key(path)
	if err != nil {
		return nil, err
	}
	list, err := w.store.List(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]BackupInfo, len(list))
	for i, b := range list {
		out[i] = backupInfo(b)
	}
	return out, nil
}

func (w *Workspace) backup(ctx context.Context, od *openDoc) (*store.Backup, error) {
	dir := w.Config().Storage.BackupDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(od.path), filepath.Ext(od.path))
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s.json", name, ulid.Make()))

	start := time.Now()
	h, err := od.doc.Backup(ctx, dest)
	if err != nil {
		return nil, err
	}
	rec := &store.Backup{
		ID:           h.ID,
		DocumentPath: od.path,
		Destination:  h.Destination,
		CreatedNs:    h.CreatedAt.UnixNano(),
		Content:      h.Versions.Content,
		Sideband:     h.Versions.Sideband,
		Size:         h.Size,
	}
	if w.store == nil {
		return rec, nil
	}
	if err := w.store.Insert(ctx, rec); err != nil {
		h.Delete()
		return nil, err
	}

	stale, err := w.store.Prune(ctx, od.path, keepBackups)
	if err != nil {
		w.log.Warn("prune backups", "path", od.path, "error", err)
	}
	removeFiles(stale)
	w.metrics.Backup(start)

	w.log.Info("backup written", "path", od.path, "backup", rec.ID, "size", rec.Size)
	return rec, nil
}

// dropBackups forgets every backup of a document once it is clean.
func (w *Workspace) dropBackups(ctx context.Context, key string) {
	if w.store == nil {
		return
	}
	removed, err := w.store.DeleteForDocument(ctx, key)
	if err != nil {
		w.log.Warn("drop backups", "path", key, "error", err)
		return
	}
	removeFiles(removed)
	if len(removed) > 0 {
		w.log.Debug("backups dropped", "path", key, "count", len(removed))
	}
}

func removeFiles(backups []*store.Backup) {
	for _, b := range backups {
		os.Remove(b.Destination)
	}
}
