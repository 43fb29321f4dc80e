//go:build !linux

package cputime

import "time"

// ThreadNow falls back to process CPU where per-thread clocks are not wired.
func ThreadNow() time.Duration {
	return ProcessNow()
}

// ProcessNow returns the CPU time of the whole process.
func ProcessNow() time.Duration {
	u, err := ProcessUsage()
	if err != nil {
		return 0
	}
	return u.Total()
}

// ThreadClock reads process CPU on platforms without thread clocks.
type ThreadClock struct{}

// CurrentThreadClock returns a process-wide clock.
func CurrentThreadClock() ThreadClock { return ThreadClock{} }

// ThreadClockFor returns a process-wide clock.
func ThreadClockFor(int) ThreadClock { return ThreadClock{} }

// Now returns process CPU time.
func (ThreadClock) Now() time.Duration { return ProcessNow() }
