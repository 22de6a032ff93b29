package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// Loader reads a configuration file and, once Watch is called, reloads it
// whenever the file changes on disk.
type Loader struct {
	path string

	mu      sync.RWMutex
	current *Config
	raw     []byte
	changed []func(old, next *Config)
	failed  []func(error)

	watcher *fsnotify.Watcher
	timer   *time.Timer
	stop    chan struct{}
	done    chan struct{}
}

// NewLoader returns a loader for path, or for ConfigPath() when empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{path: path}
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates the
// result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, raw, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current, l.raw = cfg, raw
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, []byte, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := decode(raw, filepath.Ext(l.path))
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, raw, nil
}

// Config returns the configuration currently in force.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after each successful reload with the
// previous and the new configuration.
func (l *Loader) OnChange(fn func(old, next *Config)) {
	l.mu.Lock()
	l.changed = append(l.changed, fn)
	l.mu.Unlock()
}

// OnError registers fn to run when a reload is rejected or the watcher
// fails. The previous configuration stays in force.
func (l *Loader) OnError(fn func(error)) {
	l.mu.Lock()
	l.failed = append(l.failed, fn)
	l.mu.Unlock()
}

// Watch starts reloading the file on change. The parent directory is
// watched since editors often replace the file by rename.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.loop()
	return nil
}

func (l *Loader) loop() {
	defer close(l.done)
	name := filepath.Base(l.path)
	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			l.mu.Lock()
			if l.timer == nil {
				l.timer = time.AfterFunc(reloadDelay, l.reload)
			} else {
				l.timer.Reset(reloadDelay)
			}
			l.mu.Unlock()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.fail(err)
		}
	}
}

func (l *Loader) reload() {
	select {
	case <-l.stop:
		return
	default:
	}

	next, raw, err := l.read()
	if err != nil {
		l.fail(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	if bytes.Equal(raw, l.raw) {
		l.mu.Unlock()
		return
	}
	old := l.current
	l.current, l.raw = next, raw
	fns := append([]func(old, next *Config){}, l.changed...)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(old, next)
	}
}

func (l *Loader) fail(err error) {
	l.mu.RLock()
	fns := append([]func(error){}, l.failed...)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Close stops watching. It is safe to call without Watch.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stop)
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()
	err := l.watcher.Close()
	<-l.done
	return err
}

// LoadOrCreate loads the configuration at path, first writing the defaults
// there if the file does not exist. The boolean reports creation.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}
	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
