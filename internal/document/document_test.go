package document

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribed/internal/logging"
	"scribed/internal/version"
)

type memSource struct {
	mu      sync.Mutex
	text    string
	readErr error
	writes  []string

	// When gate is set, Read signals started and then blocks on gate.
	gate    chan struct{}
	started chan struct{}
}

func (m *memSource) URI() string { return "mem://doc" }

func (m *memSource) Read(ctx context.Context) (string, error) {
	if m.gate != nil {
		close(m.started)
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return "", m.readErr
	}
	return m.text, nil
}

func (m *memSource) Write(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	m.writes = append(m.writes, text)
	return nil
}

type countingFlusher struct {
	mu    sync.Mutex
	calls int
	err   error
	hook  func()
}

func (f *countingFlusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.err
}

func newDoc(t *testing.T, src *memSource) *Document {
	t.Helper()
	d, err := Create(context.Background(), "mem://doc", "", Options{
		Source: src,
		Clock:  version.NewClockWithReplica("host"),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	return d
}

func TestCreateFromSource(t *testing.T) {
	d := newDoc(t, &memSource{text: `\c 1 \v 1 In the beginning`})

	snap := d.Snapshot()
	assert.Equal(t, `\c 1 \v 1 In the beginning`, snap.Content.Payload)
	assert.JSONEq(t, `{}`, string(snap.Sideband.Payload))
	assert.True(t, snap.Content.Version.IsZero())
	assert.False(t, d.IsDirty())
	assert.Equal(t, "host", d.Replica())
}

func TestCreateUnreadableSource(t *testing.T) {
	_, err := Create(context.Background(), filepath.Join(t.TempDir(), "missing.usfm"), "", Options{Logger: logging.Discard()})
	require.Error(t, err)

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "open", ioErr.Op)
	assert.True(t, os.IsNotExist(ioErr.Err))
}

func TestMakeEditBumpsOnlyChangedFields(t *testing.T) {
	d := newDoc(t, &memSource{text: "a"})

	var events []ChangeEvent
	d.OnDidChange(func(ev ChangeEvent) { events = append(events, ev) })

	before := d.Snapshot()
	require.True(t, d.MakeEdit("ab", nil))

	after := d.Snapshot()
	assert.Equal(t, "ab", after.Content.Payload)
	assert.True(t, after.Content.Version.After(before.Content.Version))
	assert.Equal(t, before.Sideband, after.Sideband)
	assert.True(t, d.IsDirty())

	require.Len(t, events, 1)
	assert.Equal(t, ReasonEdit, events[0].Reason)
	assert.Empty(t, events[0].Origin)
	assert.True(t, events[0].Dirty)

	assert.False(t, d.MakeEdit("ab", nil), "unchanged edit is a no-op")
	require.True(t, d.MakeEdit("ab", json.RawMessage(`{"a":1}`)))
	final := d.Snapshot()
	assert.Equal(t, after.Content.Version, final.Content.Version)
	assert.True(t, final.Sideband.Version.After(after.Sideband.Version))
	assert.Len(t, events, 2)
}

func TestApplyEditMerge(t *testing.T) {
	d := newDoc(t, &memSource{text: "a"})

	var origins []string
	d.OnDidChange(func(ev ChangeEvent) { origins = append(origins, ev.Origin) })

	remote := d.Snapshot()
	remote.Content = version.Field[string]{Version: version.Version{Clock: 5, Replica: "view-1"}, Payload: "remote"}

	out := d.ApplyEdit(remote, "view-1")
	assert.True(t, out.Adopted)
	assert.False(t, out.SenderStale)
	assert.Equal(t, "remote", out.Current.Content.Payload)
	assert.Equal(t, remote.Content.Version, d.Snapshot().Content.Version, "adopted fields keep the remote version")
	assert.Equal(t, []string{"view-1"}, origins)

	// The same message again changes nothing.
	gen := d.Generation()
	out = d.ApplyEdit(remote, "view-1")
	assert.False(t, out.Adopted)
	assert.False(t, out.SenderStale)
	assert.Equal(t, gen, d.Generation())
	assert.Len(t, origins, 1)

	// Local edits after observing the remote sort above it.
	require.True(t, d.MakeEdit("local", nil))
	assert.True(t, d.Snapshot().Content.Version.After(remote.Content.Version))

	out = d.ApplyEdit(remote, "view-1")
	assert.False(t, out.Adopted)
	assert.True(t, out.SenderStale)
	assert.Equal(t, "local", out.Current.Content.Payload)
}

func TestApplyEditRejectsExhaustedClock(t *testing.T) {
	d := newDoc(t, &memSource{text: "a"})

	remote := d.Snapshot()
	remote.Content = version.Field[string]{Version: version.Version{Clock: ^uint64(0), Replica: "view"}, Payload: "remote"}

	out := d.ApplyEdit(remote, "view")
	assert.False(t, out.Adopted)
	assert.True(t, out.SenderStale)
	assert.Equal(t, "a", d.Snapshot().Content.Payload)

	before := d.Snapshot().Content.Version
	require.True(t, d.MakeEdit("local after", nil))
	after := d.Snapshot().Content.Version
	assert.True(t, after.After(before))
	assert.True(t, after.Valid())
}

func TestApplyEditPerField(t *testing.T) {
	d := newDoc(t, &memSource{text: "a"})
	require.True(t, d.MakeEdit("host edit", nil))

	remote := d.Snapshot()
	remote.Content = version.Field[string]{Version: version.Version{Clock: 0, Replica: "old"}, Payload: "stale"}
	remote.Sideband = version.Field[json.RawMessage]{Version: version.Version{Clock: 9, Replica: "view"}, Payload: json.RawMessage(`{"x":1}`)}

	out := d.ApplyEdit(remote, "view")
	assert.True(t, out.Adopted)
	assert.True(t, out.SenderStale)
	assert.Equal(t, "host edit", out.Current.Content.Payload)
	assert.JSONEq(t, `{"x":1}`, string(out.Current.Sideband.Payload))
}

func TestUndoIsForwardEdit(t *testing.T) {
	d := newDoc(t, &memSource{text: "one"})

	require.True(t, d.MakeEdit("two", nil))
	v2 := d.Snapshot().Content.Version

	var reasons []ChangeReason
	d.OnDidChange(func(ev ChangeEvent) { reasons = append(reasons, ev.Reason) })

	require.NoError(t, d.Undo())
	undone := d.Snapshot()
	assert.Equal(t, "one", undone.Content.Payload)
	assert.True(t, undone.Content.Version.After(v2), "undo moves the version forward")

	require.NoError(t, d.Redo())
	redone := d.Snapshot()
	assert.Equal(t, "two", redone.Content.Payload)
	assert.True(t, redone.Content.Version.After(undone.Content.Version))

	assert.ErrorIs(t, d.Redo(), ErrNothingToRedo)
	assert.Equal(t, []ChangeReason{ReasonUndo, ReasonRedo}, reasons)

	require.NoError(t, d.Undo())
	assert.ErrorIs(t, d.Undo(), ErrNothingToUndo)

	// A new edit drops the redo tail.
	require.True(t, d.MakeEdit("three", nil))
	assert.ErrorIs(t, d.Redo(), ErrNothingToRedo)
	entries, cursor := d.History()
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, cursor)
}

func TestHistoryLimit(t *testing.T) {
	d, err := Create(context.Background(), "mem://doc", "", Options{
		Source:       &memSource{text: ""},
		Logger:       logging.Discard(),
		HistoryLimit: 3,
	})
	require.NoError(t, err)

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		d.MakeEdit(s, nil)
	}
	entries, cursor := d.History()
	require.Len(t, entries, 3)
	assert.Equal(t, 3, cursor)
	assert.Equal(t, "b", entries[0].From.Content.Payload)
}

func TestSave(t *testing.T) {
	src := &memSource{text: "draft"}
	d := newDoc(t, src)
	flusher := &countingFlusher{}
	d.SetFlusher(flusher)

	require.True(t, d.MakeEdit("final", nil))
	pre := d.Snapshot()

	var saved []ChangeEvent
	d.OnDidChange(func(ev ChangeEvent) { saved = append(saved, ev) })

	require.NoError(t, d.Save(context.Background()))
	assert.Equal(t, 1, flusher.calls)
	assert.Equal(t, []string{"final"}, src.writes)
	assert.False(t, d.IsDirty())

	post := d.Snapshot()
	assert.Equal(t, "final", post.Content.Payload)
	assert.True(t, post.Content.Version.After(pre.Content.Version))
	assert.True(t, post.Sideband.Version.After(pre.Sideband.Version))

	require.Len(t, saved, 1)
	assert.Equal(t, ReasonSave, saved[0].Reason)
	assert.False(t, saved[0].Dirty)
}

func TestSaveKeepsEditsMadeDuringFlush(t *testing.T) {
	src := &memSource{text: "a"}
	d := newDoc(t, src)
	d.SetFlusher(&countingFlusher{})
	require.True(t, d.MakeEdit("b", nil))

	// The source write happens before the edit below, so the edit must
	// survive the save and leave the document dirty.
	saveSrc := &hookSource{memSource: src, afterWrite: func() { d.MakeEdit("c", nil) }}
	d.source = saveSrc

	require.NoError(t, d.Save(context.Background()))
	assert.Equal(t, "c", d.Snapshot().Content.Payload)
	assert.True(t, d.IsDirty())
	assert.Equal(t, "b", src.text)
}

type hookSource struct {
	*memSource
	afterWrite func()
}

func (h *hookSource) Write(ctx context.Context, text string) error {
	if err := h.memSource.Write(ctx, text); err != nil {
		return err
	}
	h.afterWrite()
	return nil
}

func TestSaveFlushError(t *testing.T) {
	src := &memSource{text: "a"}
	d := newDoc(t, src)
	d.SetFlusher(&countingFlusher{err: context.DeadlineExceeded})
	d.MakeEdit("b", nil)

	err := d.Save(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, src.writes)
	assert.True(t, d.IsDirty())
}

func TestSaveAsWritesCopy(t *testing.T) {
	src := &memSource{text: "a"}
	d := newDoc(t, src)
	d.MakeEdit("b", nil)

	target := filepath.Join(t.TempDir(), "copy.usfm")
	require.NoError(t, d.SaveAs(context.Background(), target))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
	assert.Empty(t, src.writes)
	assert.True(t, d.IsDirty())
}

func TestRevert(t *testing.T) {
	src := &memSource{text: "disk"}
	d := newDoc(t, src)
	d.MakeEdit("edited", nil)
	pre := d.Snapshot()

	require.NoError(t, d.Revert(context.Background()))
	post := d.Snapshot()
	assert.Equal(t, "disk", post.Content.Payload)
	assert.True(t, post.Content.Version.After(pre.Content.Version))
	assert.False(t, d.IsDirty())
}

func TestRevertSupersededByEdit(t *testing.T) {
	src := &memSource{text: "disk", gate: make(chan struct{}), started: make(chan struct{})}
	d := newDoc(t, &memSource{text: "disk"})
	d.source = src

	done := make(chan error, 1)
	go func() { done <- d.Revert(context.Background()) }()

	<-src.started
	require.True(t, d.MakeEdit("typed during revert", nil))
	close(src.gate)

	require.NoError(t, <-done)
	assert.Equal(t, "typed during revert", d.Snapshot().Content.Payload)
	assert.True(t, d.IsDirty())
}

func TestRevertSupersededByRemoteTie(t *testing.T) {
	src := &memSource{text: "disk", gate: make(chan struct{}), started: make(chan struct{})}
	d := newDoc(t, &memSource{text: "disk"})
	d.source = src

	done := make(chan error, 1)
	go func() { done <- d.Revert(context.Background()) }()
	<-src.started

	// A view version lower than the revert target still wins.
	remote := d.Snapshot()
	remote.Content = version.Field[string]{Version: version.Version{Clock: 1, Replica: "a-view"}, Payload: "from view"}
	require.True(t, d.ApplyEdit(remote, "a-view").Adopted)
	close(src.gate)

	require.NoError(t, <-done)
	assert.Equal(t, "from view", d.Snapshot().Content.Payload)
}

func TestRevertUnreadable(t *testing.T) {
	src := &memSource{text: "disk"}
	d := newDoc(t, src)
	d.MakeEdit("edited", nil)
	before := d.Snapshot()

	src.readErr = os.ErrPermission
	err := d.Revert(context.Background())
	require.Error(t, err)
	assert.True(t, IsIOError(err))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.True(t, before.Equal(d.Snapshot()))
}

func TestBackupRoundTrip(t *testing.T) {
	src := &memSource{text: "base"}
	d := newDoc(t, src)
	flusher := &countingFlusher{}
	d.SetFlusher(flusher)
	d.MakeEdit("unsaved work", json.RawMessage(`{"alignments":[1,2]}`))

	dest := filepath.Join(t.TempDir(), "backups", "doc.json")
	h, err := d.Backup(context.Background(), dest)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, d.Snapshot().Versions(), h.Versions)
	assert.Equal(t, 1, flusher.calls)

	restored, err := Create(context.Background(), "mem://doc", dest, Options{Source: src, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.True(t, d.Snapshot().Equal(restored.Snapshot()))
	assert.True(t, restored.IsDirty(), "a resumed document is dirty")

	// New versions on the restored document sort above the backup.
	restored.MakeEdit("more", nil)
	assert.True(t, restored.Snapshot().Content.Version.After(h.Versions.Content))

	require.NoError(t, h.Delete())
	require.NoError(t, h.Delete())
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestCreateFallsBackWhenBackupCorrupt(t *testing.T) {
	bodies := map[string]string{
		"bad.json":      "{not json",
		"overflow.json": `{"strippedField": {"version": {"clock": 18446744073709551615, "replica": "v"}, "text": "backup"}}`,
	}
	for name, body := range bodies {
		dest := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(dest, []byte(body), 0600))

		d, err := Create(context.Background(), "mem://doc", dest, Options{Source: &memSource{text: "disk"}, Logger: logging.Discard()})
		require.NoError(t, err, name)
		assert.Equal(t, "disk", d.Snapshot().Content.Payload, name)
		assert.False(t, d.IsDirty(), name)
	}
}

func TestDispose(t *testing.T) {
	d := newDoc(t, &memSource{text: "a"})

	disposed := 0
	d.OnDidDispose(func() { disposed++ })
	changes := 0
	d.OnDidChange(func(ChangeEvent) { changes++ })

	d.Dispose()
	d.Dispose()
	assert.Equal(t, 1, disposed)
	assert.True(t, d.IsClosed())

	assert.False(t, d.MakeEdit("late", nil))
	remote := d.Snapshot()
	remote.Content.Version = version.Version{Clock: 99, Replica: "v"}
	assert.True(t, d.ApplyEdit(remote, "v").Closed)
	assert.Equal(t, "a", d.Snapshot().Content.Payload)
	assert.Zero(t, changes)

	assert.ErrorIs(t, d.Save(context.Background()), ErrClosed)
	assert.ErrorIs(t, d.Revert(context.Background()), ErrClosed)
	assert.ErrorIs(t, d.Undo(), ErrClosed)
}

func TestListenerUnsubscribe(t *testing.T) {
	d := newDoc(t, &memSource{text: "a"})
	calls := 0
	off := d.OnDidChange(func(ChangeEvent) { calls++ })
	d.MakeEdit("b", nil)
	off()
	d.MakeEdit("c", nil)
	assert.Equal(t, 1, calls)
}

func TestSnapshotWireFormat(t *testing.T) {
	snap := Snapshot{
		Content:  version.Field[string]{Version: version.Version{Clock: 3, Replica: "h"}, Payload: `\c 1`},
		Sideband: version.Field[json.RawMessage]{Version: version.Version{Clock: 1, Replica: "h"}, Payload: json.RawMessage(`{"k":"v"}`)},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"strippedField": {"version": {"clock": 3, "replica": "h"}, "text": "\\c 1"},
		"alignmentField": {"version": {"clock": 1, "replica": "h"}, "payload": {"k": "v"}}
	}`, string(data))

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, snap.Equal(back))
}

func TestFileSourceAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "doc.usfm")
	src := NewFileSource(path)

	require.NoError(t, src.Write(context.Background(), "hello"))
	text, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
