package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArrivalClockStrictlyIncreasing(t *testing.T) {
	c := newArrivalClock()

	var last int64
	for i := 0; i < 1000; i++ {
		v := c.next()
		require.Greater(t, v, last, "arrivalClock must never repeat or go backwards (I2)")
		last = v
	}
}

func TestArrivalClockConcurrentCallersStayMonotone(t *testing.T) {
	c := newArrivalClock()

	const goroutines = 20
	const perGoroutine = 50
	results := make(chan int64, goroutines*perGoroutine)

	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perGoroutine; i++ {
				results <- c.next()
			}
		}()
	}

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for i := 0; i < goroutines*perGoroutine; i++ {
		v := <-results
		require.False(t, seen[v], "arrivalClock must never hand out a duplicate stamp")
		seen[v] = true
	}
}
