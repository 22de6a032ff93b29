package document

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

// BackupHandle identifies one written backup.
type BackupHandle struct {
	ID          string
	Destination string
	Versions    Versions
	Size        int64
	CreatedAt   time.Time
}

// Delete removes the backup file. Deleting a missing backup is not an error.
func (h *BackupHandle) Delete() error {
	if err := os.Remove(h.Destination); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Backup flushes the views and writes the internal snapshot verbatim to
// destination so it can be resumed by Create without a codec round trip.
func (d *Document) Backup(ctx context.Context, destination string) (*BackupHandle, error) {
	if d.IsClosed() {
		return nil, ErrClosed
	}
	if err := d.flush(ctx); err != nil {
		return nil, err
	}

	snap := d.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, &IOError{Op: "backup", URI: destination, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := WriteFileAtomic(destination, data, 0600); err != nil {
		return nil, &IOError{Op: "backup", URI: destination, Err: err}
	}

	d.log.Debug("backup written", "destination", destination, "size", len(data))
	return &BackupHandle{
		ID:          ulid.Make().String(),
		Destination: destination,
		Versions:    snap.Versions(),
		Size:        int64(len(data)),
		CreatedAt:   time.Now(),
	}, nil
}
