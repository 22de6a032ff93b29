package workspace

import (
	"context"
	"fmt"
	"time"

	"scribed/internal/outline"
)

// Outline modes.
const (
	ModeChapters = "chapters"
	ModeLines    = "lines"
)

// LineNode is one entry of a line outline.
type LineNode struct {
	Path  string `json:"path"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// OutlineResult is the outline of one document in the configured mode.
type OutlineResult struct {
	Path     string         `json:"path"`
	Mode     string         `json:"mode"`
	Chapters *outline.Index `json:"chapters,omitempty"`
	Lines    []LineNode     `json:"lines,omitempty"`
}

// Outline returns the current outline of a document.
func (w *Workspace) Outline(path string) (any, error) {
	return w.OutlineOf(path, "")
}

// OutlineOf returns the outline of a document in mode, or in the
// configured mode when mode is empty.
func (w *Workspace) OutlineOf(path, mode string) (*OutlineResult, error) {
	od, err := w.lookup(path)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = w.Config().Outline.Mode
	}

	res := &OutlineResult{Path: od.path, Mode: mode}
	switch mode {
	case ModeLines:
		li := od.tracker.Lines()
		children, err := li.Children("root")
		if err != nil {
			return nil, err
		}
		res.Lines = make([]LineNode, 0, len(children))
		for _, p := range children {
			label, err := li.Label(p)
			if err != nil {
				return nil, err
			}
			loc, err := li.Resolve(p)
			if err != nil {
				return nil, err
			}
			res.Lines = append(res.Lines, LineNode{Path: p, Label: label, Start: loc.Start, End: loc.End})
		}
	case ModeChapters, "":
		res.Mode = ModeChapters
		res.Chapters = od.tracker.Index()
	default:
		return nil, fmt.Errorf("unknown outline mode %q", mode)
	}
	return res, nil
}

// Resolve maps an outline path of a document to the span a view should
// select.
func (w *Workspace) Resolve(path, ref string) (outline.Locator, error) {
	od, err := w.lookup(path)
	if err != nil {
		return outline.Locator{}, err
	}
	return od.tracker.Index().Resolve(ref)
}

// DocumentStatus describes one open document.
type DocumentStatus struct {
	Path       string `json:"path"`
	Dirty      bool   `json:"dirty"`
	Views      int    `json:"views"`
	Generation uint64 `json:"generation"`
	Pending    int    `json:"pendingRequests"`
	History    int    `json:"history"`
	Chapters   int    `json:"chapters"`
}

// BackupStatus summarizes the catalog entries of one document.
type BackupStatus struct {
	Path     string    `json:"path"`
	Count    int       `json:"count"`
	Size     int64     `json:"size"`
	LatestAt time.Time `json:"latestAt"`
}

// Status is a point-in-time summary of the workspace.
type Status struct {
	Documents []DocumentStatus `json:"documents"`
	Views     int              `json:"views"`
	Backups   []BackupStatus   `json:"backups,omitempty"`
	Watched   int              `json:"watched"`
}

// Status summarizes the open documents.
func (w *Workspace) Status() any {
	return w.Snapshot(context.Background())
}

// Snapshot builds the workspace status.
func (w *Workspace) Snapshot(ctx context.Context) Status {
	st := Status{Documents: []DocumentStatus{}, Views: w.reg.Count()}
	for _, p := range w.Paths() {
		od, err := w.lookup(p)
		if err != nil {
			continue
		}
		history, _ := od.doc.History()
		st.Documents = append(st.Documents, DocumentStatus{
			Path:       od.path,
			Dirty:      od.doc.IsDirty(),
			Views:      len(w.reg.ViewsOf(od.path)),
			Generation: od.doc.Generation(),
			Pending:    od.ctrl.Pending(),
			History:    len(history),
			Chapters:   len(od.tracker.Index().Chapters),
		})
	}
	if w.store != nil {
		docs, err := w.store.Documents(ctx)
		if err != nil {
			w.log.Warn("backup catalog unavailable", "error", err)
		}
		for _, d := range docs {
			st.Backups = append(st.Backups, BackupStatus{
				Path:     d.DocumentPath,
				Count:    d.Count,
				Size:     d.TotalSize,
				LatestAt: time.Unix(0, d.LatestNs),
			})
		}
	}
	if w.watcher != nil {
		st.Watched = w.watcher.TrackedFiles()
	}
	return st
}
