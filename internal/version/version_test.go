package version

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b Version
		want int
	}{
		{Version{1, "a"}, Version{2, "a"}, -1},
		{Version{2, "a"}, Version{1, "z"}, 1},
		{Version{3, "a"}, Version{3, "b"}, -1},
		{Version{3, "b"}, Version{3, "b"}, 0},
		{Zero, Version{1, ""}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Compare(tt.b), "%v vs %v", tt.a, tt.b)
		assert.Equal(t, -tt.want, tt.b.Compare(tt.a), "%v vs %v", tt.b, tt.a)
	}
}

func TestClockNextIsMonotonic(t *testing.T) {
	c := NewClockWithReplica("host")
	v1 := c.Next()
	v2 := c.Next()
	assert.True(t, v2.After(v1))

	v3 := c.Next(Version{Clock: 40, Replica: "view"})
	assert.Equal(t, uint64(41), v3.Clock)
	assert.Equal(t, "host", v3.Replica)

	c.Observe(Version{Clock: 90})
	assert.Equal(t, uint64(91), c.Next().Clock)
}

func TestClocksNeverCollide(t *testing.T) {
	a := NewClock()
	b := NewClock()
	require.NotEqual(t, a.Replica(), b.Replica())

	base := Version{Clock: 7, Replica: "host"}
	va := a.Next(base)
	vb := b.Next(base)
	assert.Equal(t, va.Clock, vb.Clock)
	assert.NotEqual(t, 0, va.Compare(vb))
}

func TestClockConcurrentNext(t *testing.T) {
	c := NewClock()
	var mu sync.Mutex
	seen := make(map[Version]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := c.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestMax(t *testing.T) {
	assert.Equal(t, Version{5, "b"}, Max(Version{5, "a"}, Version{5, "b"}, Version{2, "z"}))
	assert.Equal(t, Zero, Max())
}

func TestMerge(t *testing.T) {
	local := Field[string]{Version: Version{2, "host"}, Payload: "local"}

	newer := Field[string]{Version: Version{3, "view"}, Payload: "remote"}
	res := Merge(local, newer)
	assert.True(t, res.LocalIsStale)
	assert.False(t, res.RemoteIsStale)
	assert.Equal(t, "remote", res.Result.Payload)

	older := Field[string]{Version: Version{1, "view"}, Payload: "old"}
	res = Merge(local, older)
	assert.False(t, res.LocalIsStale)
	assert.True(t, res.RemoteIsStale)
	assert.Equal(t, "local", res.Result.Payload)

	res = Merge(local, local)
	assert.False(t, res.LocalIsStale)
	assert.False(t, res.RemoteIsStale)
	assert.Equal(t, local, res.Result)
}

func TestMergeWinnerIsCommutative(t *testing.T) {
	versions := []Version{
		{1, "a"}, {1, "b"}, {2, "a"}, {9, ""}, {9, "zz"}, {0, "q"},
	}
	for _, v1 := range versions {
		for _, v2 := range versions {
			if v1 == v2 {
				continue
			}
			f1 := Field[int]{Version: v1, Payload: 1}
			f2 := Field[int]{Version: v2, Payload: 2}
			assert.Equal(t, Merge(f1, f2).Result, Merge(f2, f1).Result, "%v vs %v", v1, v2)
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	local := Field[string]{Version: Version{1, "host"}, Payload: "a"}
	remote := Field[string]{Version: Version{4, "view"}, Payload: "b"}

	first := Merge(local, remote)
	require.True(t, first.LocalIsStale)

	second := Merge(first.Result, remote)
	assert.False(t, second.LocalIsStale)
	assert.False(t, second.RemoteIsStale)
	assert.Equal(t, first.Result, second.Result)
}

func TestClockIgnoresExhaustedVersions(t *testing.T) {
	c := NewClockWithReplica("host")
	c.Observe(Version{Clock: 7, Replica: "view"})
	c.Observe(Version{Clock: ^uint64(0), Replica: "view"}, Version{Clock: MaxClock, Replica: "view"})

	v := c.Next(Version{Clock: ^uint64(0) - 1})
	assert.Equal(t, uint64(8), v.Clock)
	assert.True(t, v.Valid())

	c.Observe(Version{Clock: MaxClock - 1})
	assert.Equal(t, uint64(MaxClock), c.Next().Clock)
}

func TestMergeRejectsExhaustedRemote(t *testing.T) {
	local := Field[string]{Version: Version{Clock: 3, Replica: "host"}, Payload: "local"}
	for _, clock := range []uint64{MaxClock, MaxClock + 1, ^uint64(0)} {
		remote := Field[string]{Version: Version{Clock: clock, Replica: "view"}, Payload: "remote"}
		res := Merge(local, remote)
		assert.Equal(t, local, res.Result, "clock %d", clock)
		assert.False(t, res.LocalIsStale)
		assert.True(t, res.RemoteIsStale)
	}
}
