package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	content := []byte("test content for hashing")
	if err := os.WriteFile(testFile, content, 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	hash1, size1, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if size1 != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), size1)
	}

	hash2, _, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("second HashFile failed: %v", err)
	}
	if hash1 != hash2 {
		t.Error("same file should produce same hash")
	}

	if err := os.WriteFile(testFile, []byte("different content"), 0600); err != nil {
		t.Fatalf("failed to modify test file: %v", err)
	}
	hash3, _, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("third HashFile failed: %v", err)
	}
	if hash1 == hash3 {
		t.Error("different content should produce different hash")
	}
}

func TestHashFileNotFound(t *testing.T) {
	if _, _, err := HashFile("/nonexistent/file.txt"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}

func TestReportsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("one"), 0600); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t)
	if err := w.Add(path); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !w.Watched(path) || w.TrackedFiles() != 1 {
		t.Fatal("file should be tracked")
	}

	if err := os.WriteFile(path, []byte("two"), 0600); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, w)
	if ev.Path != path || ev.Op != Changed {
		t.Errorf("unexpected event %+v", ev)
	}
	want, _, _ := HashFile(path)
	if ev.Hash != want || ev.Size != 3 {
		t.Errorf("event hash or size mismatch: %+v", ev)
	}
}

func TestIgnoresUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("same"), 0600); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t)
	if err := w.Add(path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("same"), 0600); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, w, 300*time.Millisecond)
}

func TestIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t)
	if err := w.Add(path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("y"), 0600); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, w, 300*time.Millisecond)
}

func TestDebounceCoalescesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("0"), 0600); err != nil {
		t.Fatal(err)
	}
	w, err := New(200 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Add(path); err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{"1", "12", "123"} {
		if err := os.WriteFile(path, []byte(s), 0600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	ev := waitEvent(t, w)
	if ev.Size != 3 {
		t.Errorf("expected final size 3, got %d", ev.Size)
	}
	expectNoEvent(t, w, 500*time.Millisecond)
}

func TestReportsRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("bye"), 0600); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t)
	if err := w.Add(path); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, w)
	if ev.Op != Removed {
		t.Errorf("expected removal, got %v", ev.Op)
	}
}

func TestRemoveStopsEvents(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("init"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	w := newTestWatcher(t)
	if err := w.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(b); err != nil {
		t.Fatal(err)
	}
	if err := w.Remove(a); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if w.Watched(a) {
		t.Error("a should no longer be watched")
	}

	if err := os.WriteFile(a, []byte("changed"), 0600); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, w, 300*time.Millisecond)

	// The shared directory stays watched for b.
	if err := os.WriteFile(b, []byte("changed"), 0600); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, w); ev.Path != b {
		t.Errorf("expected event for b, got %s", ev.Path)
	}
}

func TestAddMissingFileThenCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.txt")
	w := newTestWatcher(t)
	if err := w.Add(path); err != nil {
		t.Fatalf("Add of missing file failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, w); ev.Op != Changed {
		t.Errorf("expected change, got %v", ev.Op)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := w.Add(filepath.Join(t.TempDir(), "x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
