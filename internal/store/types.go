// Package store provides the SQLite catalog of document backups.
package store

import (
	"time"

	"scribed/internal/version"
)

// Backup is a catalog record for one backup file.
type Backup struct {
	ID           string
	DocumentPath string
	Destination  string
	CreatedNs    int64
	Content      version.Version
	Sideband     version.Version
	Size         int64
}

// CreatedAt returns the creation time.
func (b *Backup) CreatedAt() time.Time {
	return time.Unix(0, b.CreatedNs)
}

// DocumentStat summarizes the backups held for one document.
type DocumentStat struct {
	DocumentPath string
	Count        int
	TotalSize    int64
	LatestNs     int64
}
