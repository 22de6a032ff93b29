// Package version provides the versioned fields and last-writer-wins merge
// used to converge document state across the host and its views.
//
// A Version is a (clock, replica) pair ordered lexicographically. Every
// replica owns a Clock with a unique id, so two replicas that advance from the
// same observed version still produce distinct, totally ordered versions.
package version

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Version tags one state of a field.
type Version struct {
	Clock   uint64 `json:"clock"`
	Replica string `json:"replica,omitempty"`
}

// Zero is the version of state derived directly from the persisted source.
var Zero = Version{}

// MaxClock is the largest clock a version may carry. Views keep clocks as
// JavaScript numbers, so clocks stay within the safe integer range.
const MaxClock = 1<<53 - 1

// Valid reports whether v leaves room for a later version. Versions at
// MaxClock or beyond are never observed or adopted.
func (v Version) Valid() bool { return v.Clock < MaxClock }

// Compare returns -1, 0 or +1 as v sorts before, equal to, or after o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Clock < o.Clock:
		return -1
	case v.Clock > o.Clock:
		return 1
	}
	return strings.Compare(v.Replica, o.Replica)
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// After reports whether v sorts after o.
func (v Version) After(o Version) bool { return v.Compare(o) > 0 }

// IsZero reports whether v is the zero version.
func (v Version) IsZero() bool { return v == Zero }

func (v Version) String() string {
	if v.Replica == "" {
		return fmt.Sprintf("%d", v.Clock)
	}
	return fmt.Sprintf("%d@%s", v.Clock, v.Replica)
}

// Max returns the greatest of the given versions.
func Max(vs ...Version) Version {
	var m Version
	for _, v := range vs {
		if v.After(m) {
			m = v
		}
	}
	return m
}

// Clock issues strictly increasing versions for one replica.
type Clock struct {
	mu      sync.Mutex
	replica string
	last    uint64
}

// NewClock returns a clock with a fresh ULID replica id.
func NewClock() *Clock {
	return NewClockWithReplica(ulid.Make().String())
}

// NewClockWithReplica returns a clock for a known replica id.
func NewClockWithReplica(replica string) *Clock {
	return &Clock{replica: replica}
}

// Replica returns the replica id stamped on issued versions.
func (c *Clock) Replica() string {
	return c.replica
}

// Observe records that a version exists so later versions sort after it.
func (c *Clock) Observe(vs ...Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range vs {
		if v.Valid() && v.Clock > c.last {
			c.last = v.Clock
		}
	}
}

// Next returns a version greater than every version previously issued or
// observed by this clock and greater than each of after.
func (c *Clock) Next(after ...Version) Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range after {
		if v.Valid() && v.Clock > c.last {
			c.last = v.Clock
		}
	}
	c.last++
	return Version{Clock: c.last, Replica: c.replica}
}
