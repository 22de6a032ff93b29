package workspace

import (
	"context"

	"scribed/internal/logging"
	"scribed/internal/watcher"
)

// Run consumes watcher events until ctx ends or the watcher closes. A clean
// document whose file changed on disk is reverted; a dirty one keeps its
// edits and the change is only logged.
func (w *Workspace) Run(ctx context.Context) {
	if w.watcher == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events():
			if !ok {
				return
			}
			w.handleExternal(ctx, ev)
		case err, ok := <-w.watcher.Errors():
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// handleExternal recovers its own panics so one bad event does not stop
// the loop.
func (w *Workspace) handleExternal(ctx context.Context, ev watcher.Event) {
	defer logging.RecoverPanic("component", "workspace", "document", ev.Path, "op", ev.Op.String())
	od, err := w.lookup(ev.Path)
	if err != nil {
		return
	}
	log := w.log.With("path", od.path, "op", ev.Op.String())

	if ev.Op == watcher.Removed {
		log.Warn("document removed on disk")
		return
	}
	if ev.Hash == od.doc.PersistedHash() {
		log.Debug("change matches persisted content")
		return
	}
	if od.doc.IsDirty() {
		log.Info("document changed on disk while dirty, keeping edits")
		return
	}
	err = od.doc.Revert(ctx)
	w.audit.Record(ctx, logging.AuditExternalRevert, od.path, err)
	if err != nil {
		log.Warn("revert after external change failed", "error", err)
		return
	}
	w.metrics.ExternalRevert()
	log.Info("reverted after external change")
}
