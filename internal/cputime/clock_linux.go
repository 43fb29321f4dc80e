//go:build linux

package cputime

import (
	"time"

	"golang.org/x/sys/unix"
)

// ThreadNow returns the CPU time of the calling OS thread. Callers that need
// a stable thread must hold runtime.LockOSThread.
func ThreadNow() time.Duration {
	return readClock(unix.CLOCK_THREAD_CPUTIME_ID)
}

// ProcessNow returns the CPU time of the whole process.
func ProcessNow() time.Duration {
	return readClock(unix.CLOCK_PROCESS_CPUTIME_ID)
}

// ThreadClock reads the CPU clock of one specific thread from any thread.
type ThreadClock struct {
	clockID int32
}

// CurrentThreadClock binds a clock to the calling OS thread.
func CurrentThreadClock() ThreadClock {
	return ThreadClockFor(unix.Gettid())
}

// ThreadClockFor binds a clock to thread tid of this process.
func ThreadClockFor(tid int) ThreadClock {
	// MAKE_THREAD_CPUCLOCK(tid, CPUCLOCK_SCHED)
	return ThreadClock{clockID: int32((^tid)<<3 | 6)}
}

// Now returns the thread's CPU time, or zero once the thread has exited.
func (c ThreadClock) Now() time.Duration {
	return readClock(c.clockID)
}

func readClock(id int32) time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(id, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}
