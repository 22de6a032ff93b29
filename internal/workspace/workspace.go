// Package workspace is the host side of scribed. It owns the open
// documents, their sync controllers and outline trackers, the view
// registry, the backup catalog and the file watcher, and it answers both
// view traffic and control commands.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"scribed/internal/config"
	"scribed/internal/document"
	"scribed/internal/logging"
	"scribed/internal/metrics"
	"scribed/internal/outline"
	"scribed/internal/protocol"
	"scribed/internal/registry"
	"scribed/internal/store"
	"scribed/internal/syncctl"
	"scribed/internal/watcher"
)

var (
	// ErrNotOpen is returned for operations on a document that is not open.
	ErrNotOpen = errors.New("document not open")

	// ErrUnknownView is returned for messages from a view that never attached.
	ErrUnknownView = errors.New("view not attached")

	// ErrUnknownSetting answers getConfiguration for a missing key.
	ErrUnknownSetting = errors.New("no such setting")

	// ErrOutsideDocumentDir answers getFile for names escaping the
	// document's directory.
	ErrOutsideDocumentDir = errors.New("file is outside the document directory")

	// ErrUnknownBackup is returned when an explicit backup id is not in the
	// catalog.
	ErrUnknownBackup = errors.New("unknown backup")
)

// keepBackups bounds the catalog entries kept per document.
const keepBackups = 10

// Options configures a Workspace.
type Options struct {
	Config *config.Config
	// Store is the backup catalog. Without it backups are not recorded and
	// documents are never resumed.
	Store *store.Store
	// Watcher, when set, reports external changes to open documents.
	Watcher *watcher.Watcher
	Metrics *metrics.Scribed
	Logger  *logging.Logger
	// Audit records saves, reverts, backups and closes. May be nil.
	Audit *logging.AuditLog
}

type openDoc struct {
	path    string
	doc     *document.Document
	ctrl    *syncctl.Controller
	tracker *outline.Tracker
}

// Workspace is safe for concurrent use.
type Workspace struct {
	store   *store.Store
	watcher *watcher.Watcher
	reg     *registry.Registry
	metrics *metrics.Scribed
	log     *logging.Logger
	audit   *logging.AuditLog

	cfgMu sync.RWMutex
	cfg   *config.Config

	opening singleflight.Group

	mu    sync.RWMutex
	docs  map[string]*openDoc
	views map[string]string
}

// New creates a workspace.
func New(opts Options) *Workspace {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	w := &Workspace{
		store:   opts.Store,
		watcher: opts.Watcher,
		reg:     registry.New(),
		metrics: opts.Metrics,
		log:     log.WithComponent("workspace"),
		audit:   opts.Audit,
		cfg:     cfg,
		docs:    make(map[string]*openDoc),
		views:   make(map[string]string),
	}
	w.reg.OnRemove = w.viewRemoved
	return w
}

// Registry returns the view registry.
func (w *Workspace) Registry() *registry.Registry { return w.reg }

// Config returns the active configuration.
func (w *Workspace) Config() *config.Config {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// UpdateConfig swaps in a reloaded configuration. Editor settings and the
// outline refresh mode take effect immediately; other settings apply to
// documents opened afterwards.
func (w *Workspace) UpdateConfig(cfg *config.Config) {
	w.cfgMu.Lock()
	w.cfg = cfg
	w.cfgMu.Unlock()

	w.mu.RLock()
	for _, od := range w.docs {
		od.tracker.SetAutoRefresh(cfg.Outline.AutoRefresh)
	}
	w.mu.RUnlock()
	w.log.Info("configuration updated")
}

// Key normalizes a document path into its registry key.
func Key(path string) (string, error) {
	if path == "" {
		return "", errors.New("document path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func (w *Workspace) lookup(path string) (*openDoc, error) {
	key, err := Key(path)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	od, ok := w.docs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	return od, nil
}

// Document returns an open document.
func (w *Workspace) Document(path string) (*document.Document, error) {
	od, err := w.lookup(path)
	if err != nil {
		return nil, err
	}
	return od.doc, nil
}

// Controller returns the sync controller of an open document.
func (w *Workspace) Controller(path string) (*syncctl.Controller, error) {
	od, err := w.lookup(path)
	if err != nil {
		return nil, err
	}
	return od.ctrl, nil
}

// Open opens path, or returns the already open document. With a backupID
// the document resumes from that backup; without one and with hot exit on,
// it resumes from the newest cataloged backup.
func (w *Workspace) Open(ctx context.Context, path, backupID string) (*document.Document, error) {
	key, err := Key(path)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	od, ok := w.docs[key]
	w.mu.RUnlock()
	if ok {
		return od.doc, nil
	}

	v, err, _ := w.opening.Do(key, func() (any, error) {
		w.mu.RLock()
		od, ok := w.docs[key]
		w.mu.RUnlock()
		if ok {
			return od, nil
		}
		return w.open(ctx, key, backupID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*openDoc).doc, nil
}

func (w *Workspace) open(ctx context.Context, key, backupID string) (*openDoc, error) {
	cfg := w.Config()

	backupPath, err := w.resumePoint(ctx, key, backupID, cfg.Storage.HotExit)
	if err != nil {
		return nil, err
	}

	doc, err := document.Create(ctx, key, backupPath, document.Options{
		Logger:       w.log,
		HistoryLimit: cfg.Sync.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	ctrl := syncctl.New(doc, key, syncctl.Options{
		Registry:     w.reg,
		Services:     w,
		FlushTimeout: cfg.FlushTimeout(),
		Logger:       w.log,
	})
	od := &openDoc{
		path:    key,
		doc:     doc,
		ctrl:    ctrl,
		tracker: outline.NewTracker(doc, cfg.Outline.AutoRefresh),
	}

	if w.watcher != nil && cfg.Watch.Enabled {
		if err := w.watcher.Add(key); err != nil {
			w.log.Warn("cannot watch document", "path", key, "error", err)
		}
	}

	w.mu.Lock()
	w.docs[key] = od
	w.mu.Unlock()
	w.publishCounts()

	w.audit.Record(ctx, logging.AuditOpen, key, nil, "resumed", backupPath != "")
	w.log.Info("document opened", "path", key, "resumed", backupPath != "", "dirty", doc.IsDirty())
	return od, nil
}

func (w *Workspace) resumePoint(ctx context.Context, key, backupID string, hotExit bool) (string, error) {
	if w.store == nil {
		if backupID != "" {
			return "", fmt.Errorf("%w: %s", ErrUnknownBackup, backupID)
		}
		return "", nil
	}
	if backupID != "" {
		b, err := w.store.Get(ctx, backupID)
		if err != nil {
			return "", err
		}
		if b == nil || b.DocumentPath != key {
			return "", fmt.Errorf("%w: %s", ErrUnknownBackup, backupID)
		}
		return b.Destination, nil
	}
	if !hotExit {
		return "", nil
	}
	b, err := w.store.Latest(ctx, key)
	if err != nil {
		w.log.Warn("backup catalog unavailable", "path", key, "error", err)
		return "", nil
	}
	if b == nil {
		return "", nil
	}
	return b.Destination, nil
}

// Close disposes a document and disconnects its views. A dirty document is
// backed up first when hot exit is on.
func (w *Workspace) Close(ctx context.Context, path string) error {
	od, err := w.lookup(path)
	if err != nil {
		return err
	}

	if od.doc.IsDirty() && w.Config().Storage.HotExit && w.store != nil {
		if _, err := w.backup(ctx, od); err != nil {
			w.log.Warn("hot exit backup failed", "path", od.path, "error", err)
		}
	}

	w.mu.Lock()
	delete(w.docs, od.path)
	w.mu.Unlock()

	for _, v := range w.reg.Evict(od.path) {
		v.Close()
	}
	od.tracker.Close()
	od.ctrl.Close()
	od.doc.Dispose()
	if w.watcher != nil {
		w.watcher.Remove(od.path)
	}
	w.publishCounts()
	w.audit.Record(ctx, logging.AuditClose, od.path, nil)
	w.log.Info("document closed", "path", od.path)
	return nil
}

// Shutdown closes every open document.
func (w *Workspace) Shutdown(ctx context.Context) {
	for _, p := range w.Paths() {
		if err := w.Close(ctx, p); err != nil && !errors.Is(err, ErrNotOpen) {
			w.log.Warn("close failed", "path", p, "error", err)
		}
	}
}

// Paths returns the open document paths, sorted.
func (w *Workspace) Paths() []string {
	w.mu.RLock()
	out := make([]string, 0, len(w.docs))
	for p := range w.docs {
		out = append(out, p)
	}
	w.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Attach opens the document at path if needed and registers view on it.
func (w *Workspace) Attach(ctx context.Context, path string, view registry.View) error {
	if _, err := w.Open(ctx, path, ""); err != nil {
		return err
	}
	key, _ := Key(path)

	w.mu.Lock()
	if _, ok := w.docs[key]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	w.views[view.ID()] = key
	w.mu.Unlock()

	if !w.reg.Add(key, view) {
		return fmt.Errorf("view %s already attached", view.ID())
	}
	w.publishCounts()
	w.log.Debug("view attached", "view", view.ID(), "path", key)
	return nil
}

// HandleView routes a view message to its document's controller.
func (w *Workspace) HandleView(ctx context.Context, view registry.View, msg *protocol.Message) error {
	w.mu.RLock()
	key, ok := w.views[view.ID()]
	var od *openDoc
	if ok {
		od = w.docs[key]
	}
	w.mu.RUnlock()
	if !ok {
		return ErrUnknownView
	}
	if od == nil {
		return fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	w.metrics.ViewMessage()
	return od.ctrl.Handle(ctx, view, msg)
}

// Dispatch is HandleView under the name the command plumbing uses.
func (w *Workspace) Dispatch(ctx context.Context, view registry.View, msg *protocol.Message) error {
	return w.HandleView(ctx, view, msg)
}

// Detach unregisters a view whose transport ended. Views whose Done
// channel closes are unregistered without it.
func (w *Workspace) Detach(view registry.View) {
	w.mu.RLock()
	key, ok := w.views[view.ID()]
	w.mu.RUnlock()
	if !ok {
		return
	}
	if !w.reg.Remove(key, view.ID()) {
		w.forgetView(view.ID())
	}
}

// viewRemoved runs for every view leaving the registry, whichever path
// removed it.
func (w *Workspace) viewRemoved(key string, v registry.View) {
	w.forgetView(v.ID())
	w.publishCounts()
	w.log.Debug("view detached", "view", v.ID(), "path", key)
}

func (w *Workspace) publishCounts() {
	w.mu.RLock()
	n := len(w.docs)
	w.mu.RUnlock()
	w.metrics.SetOpen(n, w.reg.Count())
}

func (w *Workspace) forgetView(id string) string {
	w.mu.Lock()
	key := w.views[id]
	delete(w.views, id)
	od := w.docs[key]
	w.mu.Unlock()
	if od != nil {
		od.ctrl.Forget(id)
	}
	return key
}

// Save writes a document to its source. A clean result drops the
// document's backups.
func (w *Workspace) Save(ctx context.Context, path string) error {
	od, err := w.lookup(path)
	if err != nil {
		return err
	}
	start := time.Now()
	err = od.doc.Save(ctx)
	w.metrics.Save(start, err)
	w.audit.Record(ctx, logging.AuditSave, od.path, err)
	if err != nil {
		return err
	}
	if !od.doc.IsDirty() {
		w.dropBackups(ctx, od.path)
	}
	return nil
}

// SaveAs writes a copy of the document to target.
func (w *Workspace) SaveAs(ctx context.Context, path, target string) error {
	od, err := w.lookup(path)
	if err != nil {
		return err
	}
	if target == "" {
		return errors.New("saveAs requires a target")
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	err = od.doc.SaveAs(ctx, abs)
	w.audit.Record(ctx, logging.AuditSaveAs, od.path, err, "target", abs)
	return err
}

// Revert reloads a document from its source and drops its backups.
func (w *Workspace) Revert(ctx context.Context, path string) error {
	od, err := w.lookup(path)
	if err != nil {
		return err
	}
	err = od.doc.Revert(ctx)
	w.audit.Record(ctx, logging.AuditRevert, od.path, err)
	if err != nil {
		return err
	}
	if !od.doc.IsDirty() {
		w.dropBackups(ctx, od.path)
	}
	return nil
}

// Undo replays the previous step of a document's history.
func (w *Workspace) Undo(path string) error {
	od, err := w.lookup(path)
	if err != nil {
		return err
	}
	return od.doc.Undo()
}

// Redo replays the next step of a document's history.
func (w *Workspace) Redo(path string) error {
	od, err := w.lookup(path)
	if err != nil {
		return err
	}
	return od.doc.Redo()
}

// SelectReference asks every attached view of every document to reveal ref.
func (w *Workspace) SelectReference(ref string) int {
	return w.broadcast(&protocol.Message{Command: protocol.CmdSelectReference, CommandArg: ref})
}

// AlignReference asks every attached view of every document to align ref.
func (w *Workspace) AlignReference(ref string) int {
	return w.broadcast(&protocol.Message{Command: protocol.CmdAlignReference, CommandArg: ref})
}

func (w *Workspace) broadcast(msg *protocol.Message) int {
	sent := 0
	for _, v := range w.reg.All() {
		if err := v.Send(msg); err != nil {
			w.log.Debug("send failed", "view", v.ID(), "command", msg.Command, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SelectLine asks the views of one document to select a line.
func (w *Workspace) SelectLine(path string, line int) error {
	od, err := w.lookup(path)
	if err != nil {
		return err
	}
	od.ctrl.SelectLine(line)
	return nil
}

// GetConfiguration implements syncctl.HostServices from the editor table.
func (w *Workspace) GetConfiguration(ctx context.Context, key string) (any, error) {
	v, ok := w.Config().EditorSetting(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	return v, nil
}

// GetFile implements syncctl.HostServices. It reads name relative to the
// document's directory and refuses to leave it.
func (w *Workspace) GetFile(ctx context.Context, documentURI, name string) (string, error) {
	dir := filepath.Dir(documentURI)
	if filepath.IsAbs(name) || !within(dir, filepath.Join(dir, name)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDocumentDir, name)
	}
	// Symlinks are resolved on both sides so a link inside the directory
	// cannot reach a file outside it.
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	target, err := filepath.EvalSymlinks(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if !within(realDir, target) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDocumentDir, name)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// within reports whether target lies in dir or below it.
func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
