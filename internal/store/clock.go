package store

import (
	"sync"
	"time"
)

// arrivalClock hands out strictly increasing arrivalAtServer stamps for
// one tenant's RowStore, satisfying I2 (monotone arrival) more strongly
// than the "ties permitted within a millisecond" floor spec.md allows.
type arrivalClock struct {
	mu   sync.Mutex
	last int64
}

func newArrivalClock() *arrivalClock {
	return &arrivalClock{}
}

func (c *arrivalClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
