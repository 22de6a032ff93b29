package outline

import (
	"sync"

	"scribed/internal/document"
)

// Tracker keeps the outlines of one document current. With auto refresh on,
// every document change marks the outlines stale and the next query rebuilds
// them. With it off, outlines only change on Refresh.
type Tracker struct {
	doc *document.Document

	mu          sync.Mutex
	autoRefresh bool
	stale       bool
	index       *Index
	lines       *LineIndex
	builds      int
	unsubscribe func()
}

// NewTracker builds the initial outlines and subscribes to doc.
func NewTracker(doc *document.Document, autoRefresh bool) *Tracker {
	t := &Tracker{doc: doc, autoRefresh: autoRefresh, stale: true}
	t.unsubscribe = doc.OnDidChange(func(document.ChangeEvent) {
		t.mu.Lock()
		if t.autoRefresh {
			t.stale = true
		}
		t.mu.Unlock()
	})
	return t
}

func (t *Tracker) rebuildLocked() {
	text := t.doc.Snapshot().Content.Payload
	t.index = Rebuild(text)
	t.lines = RebuildLines(text)
	t.stale = false
	t.builds++
}

// Index returns the chapter/verse outline.
func (t *Tracker) Index() *Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stale {
		t.rebuildLocked()
	}
	return t.index
}

// Lines returns the line outline.
func (t *Tracker) Lines() *LineIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stale {
		t.rebuildLocked()
	}
	return t.lines
}

// Refresh rebuilds both outlines now.
func (t *Tracker) Refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildLocked()
}

// SetAutoRefresh toggles rebuilding on change.
func (t *Tracker) SetAutoRefresh(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoRefresh = on
}

// Builds returns how many times the outlines were rebuilt.
func (t *Tracker) Builds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.builds
}

// Close stops tracking the document.
func (t *Tracker) Close() {
	t.unsubscribe()
}
