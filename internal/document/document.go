// Package document holds the host-side model of one open document: two
// independently versioned fields, their edit history, and the save, revert
// and backup lifecycle.
package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"

	"scribed/internal/logging"
	"scribed/internal/version"
)

// DefaultHistoryLimit bounds the undo log.
const DefaultHistoryLimit = 500

// ChangeReason says what produced a change.
type ChangeReason int

const (
	ReasonEdit ChangeReason = iota
	ReasonRemote
	ReasonUndo
	ReasonRedo
	ReasonSave
	ReasonRevert
)

func (r ChangeReason) String() string {
	switch r {
	case ReasonEdit:
		return "edit"
	case ReasonRemote:
		return "remote"
	case ReasonUndo:
		return "undo"
	case ReasonRedo:
		return "redo"
	case ReasonSave:
		return "save"
	case ReasonRevert:
		return "revert"
	default:
		return "unknown"
	}
}

// ChangeEvent is delivered to change listeners after every committed change.
type ChangeEvent struct {
	Snapshot Snapshot
	// Origin is the id of the view whose sync produced the change. Empty for
	// host-side changes. Listeners that broadcast skip the origin.
	Origin string
	Reason ChangeReason
	Dirty  bool
}

// HistoryEntry is one undoable step.
type HistoryEntry struct {
	From  Snapshot
	To    Snapshot
	Label string
}

// Flusher asks every attached view to report pending edits.
type Flusher interface {
	Flush(ctx context.Context) error
}

// MergeOutcome is the result of ApplyEdit.
type MergeOutcome struct {
	// Current is the document state after the merge.
	Current Snapshot
	// Adopted is set when at least one field was taken from the remote.
	Adopted bool
	// SenderStale is set when at least one remote field lost and the
	// sender needs a correction.
	SenderStale bool
	// Closed is set when the document was already disposed.
	Closed bool
}

// Options configures Create.
type Options struct {
	Source       Source
	Codec        Codec
	Clock        *version.Clock
	Logger       *logging.Logger
	HistoryLimit int
}

type listener struct {
	id int
	fn func(ChangeEvent)
}

// Document is safe for concurrent use. Listeners run synchronously on the
// goroutine that committed the change, after the document lock is released.
type Document struct {
	uri    string
	source Source
	codec  Codec
	clock  *version.Clock
	log    *logging.Logger
	limit  int

	mu            sync.Mutex
	current       Snapshot
	persisted     *Versions
	persistedHash [32]byte
	generation    uint64
	closed        bool
	history       []HistoryEntry
	cursor        int
	flusher       Flusher

	nextListener int
	listeners    []listener
	onDispose    []func()
}

// Create opens a document. When backupPath is set, the snapshot stored there
// is resumed as-is and the document starts dirty. Otherwise, or when the
// backup cannot be read, the state is derived from the source.
func Create(ctx context.Context, uri, backupPath string, opts Options) (*Document, error) {
	d := &Document{
		uri:    uri,
		source: opts.Source,
		codec:  opts.Codec,
		clock:  opts.Clock,
		log:    opts.Logger,
		limit:  opts.HistoryLimit,
	}
	if d.source == nil {
		d.source = NewFileSource(uri)
	}
	if d.codec == nil {
		d.codec = PassthroughCodec{}
	}
	if d.clock == nil {
		d.clock = version.NewClock()
	}
	if d.log == nil {
		d.log = logging.Default()
	}
	d.log = d.log.ForDocument("document", uri)
	if d.limit <= 0 {
		d.limit = DefaultHistoryLimit
	}

	if backupPath != "" {
		snap, err := readBackup(backupPath)
		if err == nil {
			d.current = snap
			d.clock.Observe(snap.Content.Version, snap.Sideband.Version)
			d.log.Info("resumed from backup", "backup", backupPath)
			return d, nil
		}
		d.log.Warn("backup unreadable, falling back to source", "backup", backupPath, "error", err)
	}

	text, err := d.source.Read(ctx)
	if err != nil {
		return nil, &IOError{Op: "open", URI: uri, Err: err}
	}
	content, sideband, err := d.codec.Decompose(text)
	if err != nil {
		return nil, &IOError{Op: "decompose", URI: uri, Err: err}
	}
	d.current = Snapshot{
		Content:  version.Field[string]{Payload: content},
		Sideband: version.Field[json.RawMessage]{Payload: sideband},
	}
	v := d.current.Versions()
	d.persisted = &v
	d.persistedHash = blake2b.Sum256([]byte(text))
	return d, nil
}

func readBackup(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode backup: %w", err)
	}
	if !snap.Content.Version.Valid() || !snap.Sideband.Version.Valid() {
		return snap, fmt.Errorf("backup versions out of range: %s, %s", snap.Content.Version, snap.Sideband.Version)
	}
	return snap, nil
}

// URI returns the document's identifier.
func (d *Document) URI() string { return d.uri }

// Replica returns the replica id of the host clock.
func (d *Document) Replica() string { return d.clock.Replica() }

// Snapshot returns the current state.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// IsDirty reports whether the current versions differ from the last
// persisted ones.
func (d *Document) IsDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirtyLocked()
}

func (d *Document) dirtyLocked() bool {
	return d.persisted == nil || *d.persisted != d.current.Versions()
}

// IsClosed reports whether Dispose has been called.
func (d *Document) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Generation increases on every committed change.
func (d *Document) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// PersistedHash is the BLAKE2b-256 hash of the source text last read or written.
func (d *Document) PersistedHash() [32]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persistedHash
}

// History returns a copy of the undo log and the position of the next undo.
func (d *Document) History() ([]HistoryEntry, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HistoryEntry, len(d.history))
	copy(out, d.history)
	return out, d.cursor
}

// SetFlusher installs the flusher consulted before save and backup.
func (d *Document) SetFlusher(f Flusher) {
	d.mu.Lock()
	d.flusher = f
	d.mu.Unlock()
}

// OnDidChange registers fn for change events. The returned func removes it.
func (d *Document) OnDidChange(fn func(ChangeEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextListener++
	id := d.nextListener
	d.listeners = append(d.listeners, listener{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, l := range d.listeners {
			if l.id == id {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnDidDispose registers fn to run once when the document is disposed.
func (d *Document) OnDidDispose(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		go fn()
		return
	}
	d.onDispose = append(d.onDispose, fn)
}

// changeLocked builds the event for the current state and snapshots the
// listener list. Callers emit after unlocking.
func (d *Document) changeLocked(origin string, reason ChangeReason) (ChangeEvent, []listener) {
	ev := ChangeEvent{
		Snapshot: d.current,
		Origin:   origin,
		Reason:   reason,
		Dirty:    d.dirtyLocked(),
	}
	ls := make([]listener, len(d.listeners))
	copy(ls, d.listeners)
	return ev, ls
}

func emit(ev ChangeEvent, ls []listener) {
	for _, l := range ls {
		l.fn(ev)
	}
}

// record appends a history entry, dropping any redo tail.
func (d *Document) record(from, to Snapshot, label string) {
	d.history = append(d.history[:d.cursor], HistoryEntry{From: from, To: to, Label: label})
	if len(d.history) > d.limit {
		d.history = d.history[len(d.history)-d.limit:]
	}
	d.cursor = len(d.history)
}

// bumpLocked returns the current state with each changed payload replaced
// under a fresh host version. A nil sideband leaves the sideband alone.
func (d *Document) bumpLocked(content string, sideband json.RawMessage) (Snapshot, bool) {
	next := d.current
	changed := false
	if content != next.Content.Payload {
		next.Content = version.Field[string]{
			Version: d.clock.Next(next.Content.Version),
			Payload: content,
		}
		changed = true
	}
	if sideband != nil && !bytes.Equal(sideband, next.Sideband.Payload) {
		next.Sideband = version.Field[json.RawMessage]{
			Version: d.clock.Next(next.Sideband.Version),
			Payload: append(json.RawMessage(nil), sideband...),
		}
		changed = true
	}
	return next, changed
}

// MakeEdit replaces the document state as a local author. Each changed
// field gets a new version. A nil sideband leaves the sideband untouched.
// It reports whether anything changed; edits to a closed document are
// ignored.
func (d *Document) MakeEdit(content string, sideband json.RawMessage) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	next, changed := d.bumpLocked(content, sideband)
	if !changed {
		d.mu.Unlock()
		return false
	}
	d.record(d.current, next, "edit")
	d.current = next
	d.generation++
	ev, ls := d.changeLocked("", ReasonEdit)
	d.mu.Unlock()

	emit(ev, ls)
	return true
}

// ApplyEdit merges a remote snapshot field by field with last-writer-wins.
// Adopted fields keep the remote versions. The resulting change event
// carries origin so broadcasters can skip the sender.
func (d *Document) ApplyEdit(remote Snapshot, origin string) MergeOutcome {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return MergeOutcome{Closed: true}
	}

	before := d.current
	c := version.Merge(before.Content, remote.Content)
	s := version.Merge(before.Sideband, remote.Sideband)
	out := MergeOutcome{
		Adopted:     c.LocalIsStale || s.LocalIsStale,
		SenderStale: c.RemoteIsStale || s.RemoteIsStale,
	}
	if !out.Adopted {
		out.Current = before
		d.mu.Unlock()
		return out
	}

	d.clock.Observe(remote.Content.Version, remote.Sideband.Version)
	next := Snapshot{Content: c.Result, Sideband: s.Result}
	d.record(before, next, "sync")
	d.current = next
	d.generation++
	out.Current = next
	ev, ls := d.changeLocked(origin, ReasonRemote)
	d.mu.Unlock()

	emit(ev, ls)
	return out
}

// Undo replays the previous state of the last recorded step as a new edit.
func (d *Document) Undo() error {
	return d.step(-1)
}

// Redo replays the next state of the last undone step as a new edit.
func (d *Document) Redo() error {
	return d.step(1)
}

func (d *Document) step(dir int) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}

	var target Snapshot
	reason := ReasonUndo
	if dir < 0 {
		if d.cursor == 0 {
			d.mu.Unlock()
			return ErrNothingToUndo
		}
		d.cursor--
		target = d.history[d.cursor].From
	} else {
		if d.cursor == len(d.history) {
			d.mu.Unlock()
			return ErrNothingToRedo
		}
		target = d.history[d.cursor].To
		d.cursor++
		reason = ReasonRedo
	}

	next, changed := d.bumpLocked(target.Content.Payload, target.Sideband.Payload)
	if !changed {
		d.mu.Unlock()
		return nil
	}
	d.current = next
	d.generation++
	ev, ls := d.changeLocked("", reason)
	d.mu.Unlock()

	emit(ev, ls)
	return nil
}

func (d *Document) flush(ctx context.Context) error {
	d.mu.Lock()
	f := d.flusher
	d.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := f.Flush(ctx); err != nil {
		return fmt.Errorf("flush views: %w", err)
	}
	return nil
}

// Save flushes the views, writes the recomposed text to the source,
// re-derives the state from what was written and marks the document clean.
func (d *Document) Save(ctx context.Context) error {
	return d.save(ctx, d.source, true)
}

// SaveAs writes a copy to target. The document keeps its own source and
// its dirty state relative to that source.
func (d *Document) SaveAs(ctx context.Context, target string) error {
	return d.save(ctx, NewFileSource(target), false)
}

func (d *Document) save(ctx context.Context, dst Source, own bool) error {
	if d.IsClosed() {
		return ErrClosed
	}
	if err := d.flush(ctx); err != nil {
		return err
	}

	snap := d.Snapshot()
	text, err := d.codec.Recompose(snap.Content.Payload, snap.Sideband.Payload)
	if err != nil {
		return &IOError{Op: "recompose", URI: dst.URI(), Err: err}
	}
	if err := dst.Write(ctx, text); err != nil {
		return &IOError{Op: "save", URI: dst.URI(), Err: err}
	}
	content, sideband, err := d.codec.Decompose(text)
	if err != nil {
		return &IOError{Op: "decompose", URI: dst.URI(), Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	next := d.current
	written := snap.Versions()
	if next.Content.Version == snap.Content.Version {
		next.Content = version.Field[string]{Version: d.clock.Next(snap.Content.Version), Payload: content}
		written.Content = next.Content.Version
	}
	if next.Sideband.Version == snap.Sideband.Version {
		next.Sideband = version.Field[json.RawMessage]{Version: d.clock.Next(snap.Sideband.Version), Payload: sideband}
		written.Sideband = next.Sideband.Version
	}
	if own {
		d.persisted = &written
		d.persistedHash = blake2b.Sum256([]byte(text))
	}
	d.current = next
	d.generation++
	ev, ls := d.changeLocked("", ReasonSave)
	d.mu.Unlock()

	d.log.Info("saved", "target", dst.URI(), "dirty", ev.Dirty)
	emit(ev, ls)
	return nil
}

// Revert reloads the state from the source. The versions the revert will
// commit are fixed before the read; if anything changed the document while
// the read was in flight the revert is dropped and nil is returned.
func (d *Document) Revert(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	target := Versions{
		Content:  d.clock.Next(d.current.Content.Version),
		Sideband: d.clock.Next(d.current.Sideband.Version),
	}
	gen := d.generation
	d.mu.Unlock()

	text, err := d.source.Read(ctx)
	if err != nil {
		return &IOError{Op: "revert", URI: d.uri, Err: err}
	}
	content, sideband, err := d.codec.Decompose(text)
	if err != nil {
		return &IOError{Op: "decompose", URI: d.uri, Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	if !target.Content.After(d.current.Content.Version) ||
		!target.Sideband.After(d.current.Sideband.Version) ||
		gen != d.generation {
		d.mu.Unlock()
		d.log.Debug("revert dropped", "error", ErrRevertSuperseded)
		return nil
	}
	d.current = Snapshot{
		Content:  version.Field[string]{Version: target.Content, Payload: content},
		Sideband: version.Field[json.RawMessage]{Version: target.Sideband, Payload: sideband},
	}
	d.persisted = &target
	d.persistedHash = blake2b.Sum256([]byte(text))
	d.history = nil
	d.cursor = 0
	d.generation++
	ev, ls := d.changeLocked("", ReasonRevert)
	d.mu.Unlock()

	d.log.Info("reverted")
	emit(ev, ls)
	return nil
}

// Dispose closes the document. Later edits and merges are ignored.
func (d *Document) Dispose() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	fns := d.onDispose
	d.onDispose = nil
	d.listeners = nil
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// IsIOError reports whether err is an *IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
