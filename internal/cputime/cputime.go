// Package cputime reads thread and process CPU clocks.
package cputime

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Tracker turns a cumulative CPU clock into per-call deltas.
type Tracker struct {
	now  func() time.Duration
	last time.Duration
}

// NewTracker starts tracking now from its current value.
func NewTracker(now func() time.Duration) *Tracker {
	return &Tracker{now: now, last: now()}
}

// Diff returns the CPU consumed since the previous Diff.
func (t *Tracker) Diff() time.Duration {
	cur := t.now()
	d := cur - t.last
	t.last = cur
	if d < 0 {
		return 0
	}
	return d
}

// Reset restarts the delta from the current clock value.
func (t *Tracker) Reset() {
	t.last = t.now()
}

// Usage is a point-in-time view of the process resource consumption.
type Usage struct {
	User   time.Duration
	System time.Duration
	RSS    uint64
}

// Total returns user plus system CPU.
func (u Usage) Total() time.Duration { return u.User + u.System }

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

// ProcessUsage reports CPU times and resident memory of the current process.
// Its CPU resolution is the kernel clock tick, so ProcessNow is preferred for
// deltas.
func ProcessUsage() (Usage, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})
	if selfErr != nil {
		return Usage{}, fmt.Errorf("failed to open process: %w", selfErr)
	}

	times, err := self.Times()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read process times: %w", err)
	}
	u := Usage{
		User:   seconds(times.User),
		System: seconds(times.System),
	}
	if mem, err := self.MemoryInfo(); err == nil {
		u.RSS = mem.RSS
	}
	return u, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
