// Package registry tracks the views attached to each open document.
package registry

import (
	"sort"
	"sync"

	"scribed/internal/protocol"
)

// View is one attached editing surface.
type View interface {
	// ID is unique among live views.
	ID() string
	// Send queues a message for the view. It must not block on the remote.
	Send(msg *protocol.Message) error
	// Done is closed when the view's transport closes.
	Done() <-chan struct{}
	// Close tears down the transport.
	Close() error
}

type entry struct {
	view View
	stop chan struct{}
}

// Registry maps document keys to attached views. It is safe for concurrent
// use; every snapshot it returns is a copy.
type Registry struct {
	mu    sync.RWMutex
	views map[string]map[string]*entry

	// OnRemove, when set, runs after a view leaves a key for any reason.
	OnRemove func(key string, v View)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{views: make(map[string]map[string]*entry)}
}

// Add attaches v to key and reports whether it was new. The view is removed
// automatically once its Done channel closes.
func (r *Registry) Add(key string, v View) bool {
	r.mu.Lock()
	byID, ok := r.views[key]
	if !ok {
		byID = make(map[string]*entry)
		r.views[key] = byID
	}
	if _, dup := byID[v.ID()]; dup {
		r.mu.Unlock()
		return false
	}
	e := &entry{view: v, stop: make(chan struct{})}
	byID[v.ID()] = e
	r.mu.Unlock()

	go func() {
		select {
		case <-v.Done():
			r.remove(key, v.ID(), e)
		case <-e.stop:
		}
	}()
	return true
}

// Remove detaches the view with id from key.
func (r *Registry) Remove(key, id string) bool {
	r.mu.RLock()
	e := r.views[key][id]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	return r.remove(key, id, e)
}

func (r *Registry) remove(key, id string, e *entry) bool {
	r.mu.Lock()
	byID := r.views[key]
	if byID[id] != e {
		r.mu.Unlock()
		return false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(r.views, key)
	}
	close(e.stop)
	hook := r.OnRemove
	r.mu.Unlock()

	if hook != nil {
		hook(key, e.view)
	}
	return true
}

// ViewsOf returns the views attached to key, ordered by id.
func (r *Registry) ViewsOf(key string) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.views[key])
}

// Has reports whether id is attached to key.
func (r *Registry) Has(key, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.views[key][id]
	return ok
}

// All returns every attached view across all keys. A view attached to
// several keys appears once.
func (r *Registry) All() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := make(map[string]*entry)
	for _, byID := range r.views {
		for id, e := range byID {
			merged[id] = e
		}
	}
	return sorted(merged)
}

// Evict detaches and returns every view of key. The views are not closed.
func (r *Registry) Evict(key string) []View {
	r.mu.Lock()
	byID := r.views[key]
	delete(r.views, key)
	for _, e := range byID {
		close(e.stop)
	}
	hook := r.OnRemove
	r.mu.Unlock()

	out := sorted(byID)
	if hook != nil {
		for _, v := range out {
			hook(key, v)
		}
	}
	return out
}

// Count returns the number of (key, view) entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byID := range r.views {
		n += len(byID)
	}
	return n
}

// Keys returns the keys with at least one view, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.views))
	for k := range r.views {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sorted(byID map[string]*entry) []View {
	out := make([]View, 0, len(byID))
	for _, e := range byID {
		out = append(out, e.view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
