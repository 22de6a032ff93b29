package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribed/internal/protocol"
)

type fakeView struct {
	id   string
	done chan struct{}
	once sync.Once
}

func newFakeView(id string) *fakeView {
	return &fakeView{id: id, done: make(chan struct{})}
}

func (v *fakeView) ID() string { return v.id }
func (v *fakeView) Send(*protocol.Message) error { return nil }
func (v *fakeView) Done() <-chan struct{} { return v.done }
func (v *fakeView) Close() error { v.once.Do(func() { close(v.done) }); return nil }

func ids(views []View) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID()
	}
	return out
}

func TestAddDeduplicates(t *testing.T) {
	r := New()
	a := newFakeView("a")

	assert.True(t, r.Add("doc1", a))
	assert.False(t, r.Add("doc1", a))
	assert.True(t, r.Add("doc2", a))
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"a"}, ids(r.ViewsOf("doc1")))
	assert.Len(t, r.All(), 1, "a view under two keys is listed once")
}

func TestViewsOfAndAll(t *testing.T) {
	r := New()
	r.Add("doc1", newFakeView("b"))
	r.Add("doc1", newFakeView("a"))
	r.Add("doc2", newFakeView("c"))

	assert.Equal(t, []string{"a", "b"}, ids(r.ViewsOf("doc1")))
	assert.Empty(t, r.ViewsOf("headless"))
	assert.Equal(t, []string{"a", "b", "c"}, ids(r.All()))
	assert.Equal(t, []string{"doc1", "doc2"}, r.Keys())
}

func TestAutoRemoveOnClose(t *testing.T) {
	r := New()
	removed := make(chan string, 1)
	r.OnRemove = func(key string, v View) { removed <- key + "/" + v.ID() }

	v := newFakeView("v1")
	require.True(t, r.Add("doc", v))
	v.Close()

	select {
	case got := <-removed:
		assert.Equal(t, "doc/v1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("view was not removed after close")
	}
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Keys())
	assert.False(t, r.Has("doc", "v1"))
}

func TestRemove(t *testing.T) {
	r := New()
	v := newFakeView("v1")
	r.Add("doc", v)

	assert.True(t, r.Remove("doc", "v1"))
	assert.False(t, r.Remove("doc", "v1"))
	assert.Zero(t, r.Count())

	// Closing after an explicit remove must not disturb a re-added view.
	r.Add("doc", v)
	assert.True(t, r.Has("doc", "v1"))
}

func TestEvict(t *testing.T) {
	r := New()
	r.Add("doc", newFakeView("a"))
	r.Add("doc", newFakeView("b"))
	r.Add("other", newFakeView("c"))

	evicted := r.Evict("doc")
	assert.Equal(t, []string{"a", "b"}, ids(evicted))
	assert.Empty(t, r.ViewsOf("doc"))
	assert.Equal(t, 1, r.Count())
	assert.Empty(t, r.Evict("doc"))
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := newFakeView(string(rune('a' + i)))
			r.Add("doc", v)
			_ = r.All()
			_ = r.ViewsOf("doc")
			if i%2 == 0 {
				v.Close()
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return r.Count() == 10 }, 2*time.Second, 10*time.Millisecond)
}
