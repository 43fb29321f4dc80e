package simhost

import (
	"sync/atomic"
	"time"
)

// ManualClock is a deterministic microsecond clock. Every read advances it
// by one microsecond so consecutive reads are strictly increasing.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock starts the clock at start microseconds.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

// Now returns the current time and ticks the clock.
func (c *ManualClock) Now() int64 {
	return c.now.Add(1)
}

// Peek returns the current time without ticking.
func (c *ManualClock) Peek() int64 {
	return c.now.Load()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.now.Add(d.Microseconds())
}

// MonotonicClock reads the Go monotonic clock in microseconds.
type MonotonicClock struct {
	base time.Time
}

// NewMonotonicClock starts counting from now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{base: time.Now()}
}

// Now returns the microseconds elapsed since construction.
func (c *MonotonicClock) Now() int64 {
	return time.Since(c.base).Microseconds()
}
