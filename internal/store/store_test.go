package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribed/internal/version"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, &Backup{ID: "a", DocumentPath: "/doc", Destination: "/b/a"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	b, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "/b/a", b.Destination)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, latestSchema, v)
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &Backup{
		DocumentPath: "/docs/a.usfm",
		Destination:  "/backups/a-1.json",
		Content:      version.Version{Clock: 7, Replica: "r1"},
		Sideband:     version.Version{Clock: 3, Replica: "r2"},
		Size:         128,
	}
	require.NoError(t, s.Insert(ctx, b))
	assert.NotEmpty(t, b.ID)
	assert.NotZero(t, b.CreatedNs)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *b, *got)
}

func TestInsertRejectsIncompleteRecord(t *testing.T) {
	s := openTestStore(t)
	err := s.Insert(context.Background(), &Backup{Destination: "/x"})
	assert.ErrorIs(t, err, ErrInvalidBackup)
}

func TestInsertDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &Backup{ID: "dup", DocumentPath: "/d", Destination: "/b"}))
	assert.Error(t, s.Insert(ctx, &Backup{ID: "dup", DocumentPath: "/d", Destination: "/b"}))
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestLatestAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, ns := range []int64{100, 300, 200} {
		require.NoError(t, s.Insert(ctx, &Backup{
			DocumentPath: "/doc",
			Destination:  filepath.Join("/backups", string(rune('a'+i))),
			CreatedNs:    ns,
			Content:      version.Version{Clock: uint64(ns)},
		}))
	}
	require.NoError(t, s.Insert(ctx, &Backup{DocumentPath: "/other", Destination: "/backups/z", CreatedNs: 999}))

	latest, err := s.Latest(ctx, "/doc")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(300), latest.CreatedNs)
	assert.Equal(t, uint64(300), latest.Content.Clock)

	list, err := s.List(ctx, "/doc")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int64{300, 200, 100}, []int64{list[0].CreatedNs, list[1].CreatedNs, list[2].CreatedNs})

	none, err := s.Latest(ctx, "/nothing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDeleteAndDeleteForDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Backup{DocumentPath: "/doc", Destination: "/b/1", CreatedNs: 1}
	b := &Backup{DocumentPath: "/doc", Destination: "/b/2", CreatedNs: 2}
	c := &Backup{DocumentPath: "/keep", Destination: "/b/3", CreatedNs: 3}
	for _, r := range []*Backup{a, b, c} {
		require.NoError(t, s.Insert(ctx, r))
	}

	require.NoError(t, s.Delete(ctx, a.ID))
	require.NoError(t, s.Delete(ctx, "unknown"))

	removed, err := s.DeleteForDocument(ctx, "/doc")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, b.ID, removed[0].ID)

	list, err := s.List(ctx, "/doc")
	require.NoError(t, err)
	assert.Empty(t, list)

	kept, err := s.Latest(ctx, "/keep")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Insert(ctx, &Backup{DocumentPath: "/doc", Destination: "/b", CreatedNs: int64(i)}))
	}

	stale, err := s.Prune(ctx, "/doc", 2)
	require.NoError(t, err)
	assert.Len(t, stale, 3)

	list, err := s.List(ctx, "/doc")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(5), list[0].CreatedNs)
	assert.Equal(t, int64(4), list[1].CreatedNs)

	stale, err = s.Prune(ctx, "/doc", 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &Backup{DocumentPath: "/a", Destination: "/1", Size: 10, CreatedNs: 5}))
	require.NoError(t, s.Insert(ctx, &Backup{DocumentPath: "/a", Destination: "/2", Size: 20, CreatedNs: 9}))
	require.NoError(t, s.Insert(ctx, &Backup{DocumentPath: "/b", Destination: "/3", Size: 1, CreatedNs: 1}))

	docs, err := s.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, DocumentStat{DocumentPath: "/a", Count: 2, TotalSize: 30, LatestNs: 9}, docs[0])
	assert.Equal(t, "/b", docs[1].DocumentPath)
}

func TestMigrateFromFirstSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL, description TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(schema[0].sql)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_migrations VALUES (1, 0, 'first')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO backups (id, document_path, destination, created_ns, content_clock, sideband_clock, size)
		VALUES ('old', '/d', '/b/old', 5, 3, 1, 12)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, latestSchema, v)

	b, err := s.Get(ctx, "old")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, uint64(3), b.Content.Clock)
	assert.Empty(t, b.Content.Replica)
}
