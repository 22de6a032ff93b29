// Package watcher reports external changes to individual files.
package watcher

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("watcher: closed")

// Op describes what happened to a watched file.
type Op int

const (
	// Changed means the file content hash differs from the last one seen.
	Changed Op = iota
	// Removed means the file no longer exists.
	Removed
)

func (o Op) String() string {
	if o == Removed {
		return "removed"
	}
	return "changed"
}

// Event describes a settled change to a watched file.
type Event struct {
	Path      string
	Op        Op
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

type fileState struct {
	hash    [32]byte
	exists  bool
	pending bool
	lastMod time.Time
}

// Watcher monitors individual files. Events for a path are emitted only
// after the file has been quiet for the debounce interval and its content
// hash has changed.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration

	mu    sync.Mutex
	files map[string]*fileState
	dirs  map[string]int

	events chan Event
	errors chan error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a watcher with the given debounce interval and starts its loops.
func New(debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		debounce:  debounce,
		files:     make(map[string]*fileState),
		dirs:      make(map[string]int),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return w, nil
}

// Events returns the channel of settled changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Add starts watching a file. The current content is the baseline; only
// later changes are reported. Adding a watched path is a no-op.
func (w *Watcher) Add(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	st := &fileState{}
	if hash, _, err := HashFile(absPath); err == nil {
		st.hash = hash
		st.exists = true
	} else if !os.IsNotExist(err) {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[absPath]; ok {
		return nil
	}

	// Watch the directory so replace-by-rename is seen.
	dir := filepath.Dir(absPath)
	if w.dirs[dir] == 0 {
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.files[absPath] = st
	return nil
}

// Remove stops watching a file.
func (w *Watcher) Remove(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[absPath]; !ok {
		return nil
	}
	delete(w.files, absPath)

	dir := filepath.Dir(absPath)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.fsWatcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			return err
		}
	}
	return nil
}

// Watched reports whether path is being watched.
func (w *Watcher) Watched(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[absPath]
	return ok
}

// TrackedFiles returns the current number of watched files.
func (w *Watcher) TrackedFiles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// Close gracefully shuts down the watcher and closes the channels.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		close(w.events)
		close(w.errors)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if st, ok := w.files[filepath.Clean(event.Name)]; ok {
				st.pending = true
				st.lastMod = time.Now()
			}
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkStableFiles(now)
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles hashes files that have been quiet for the debounce
// interval. The lock is released during file I/O.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.debounce)

	var stable []stableFile
	w.mu.Lock()
	for path, st := range w.files {
		if st.pending && !st.lastMod.After(threshold) {
			stable = append(stable, stableFile{path: path, lastMod: st.lastMod})
		}
	}
	w.mu.Unlock()

	for _, sf := range stable {
		hash, size, err := HashFile(sf.path)
		exists := err == nil
		if err != nil && !os.IsNotExist(err) {
			w.reportError(err)
			continue
		}

		w.mu.Lock()
		st, ok := w.files[sf.path]
		if !ok || !st.lastMod.Equal(sf.lastMod) {
			// Removed or modified again while hashing.
			w.mu.Unlock()
			continue
		}
		st.pending = false

		var ev *Event
		switch {
		case !exists && st.exists:
			ev = &Event{Path: sf.path, Op: Removed, Timestamp: now}
		case exists && (!st.exists || st.hash != hash):
			ev = &Event{Path: sf.path, Op: Changed, Hash: hash, Size: size, Timestamp: now}
		}
		prevHash, prevExists := st.hash, st.exists
		st.hash, st.exists = hash, exists
		w.mu.Unlock()

		if ev == nil {
			continue
		}
		select {
		case w.events <- *ev:
		case <-w.done:
			return
		default:
			// Channel full; retry on the next tick.
			w.mu.Lock()
			if st, ok := w.files[sf.path]; ok {
				st.hash, st.exists, st.pending = prevHash, prevExists, true
			}
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// HashFile computes the BLAKE2b-256 hash of a file using streaming.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, 0, err
	}
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}
