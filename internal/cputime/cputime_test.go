package cputime

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Diff(t *testing.T) {
	var clock time.Duration
	tr := NewTracker(func() time.Duration { return clock })

	clock = 5 * time.Millisecond
	assert.Equal(t, 5*time.Millisecond, tr.Diff())

	clock = 7 * time.Millisecond
	assert.Equal(t, 2*time.Millisecond, tr.Diff())
	assert.Equal(t, time.Duration(0), tr.Diff())
}

func TestTracker_NeverNegative(t *testing.T) {
	clock := 10 * time.Millisecond
	tr := NewTracker(func() time.Duration { return clock })

	clock = 0
	assert.Equal(t, time.Duration(0), tr.Diff())
}

func TestTracker_Reset(t *testing.T) {
	clock := time.Second
	tr := NewTracker(func() time.Duration { return clock })
	clock = 2 * time.Second
	tr.Reset()
	assert.Equal(t, time.Duration(0), tr.Diff())
}

func burn(d time.Duration) {
	deadline := time.Now().Add(d)
	x := 0
	for time.Now().Before(deadline) {
		x++
	}
	_ = x
}

func TestClocks_Advance(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping CPU burning test in short mode")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	thread := CurrentThreadClock()
	t0, p0, c0 := ThreadNow(), ProcessNow(), thread.Now()
	burn(30 * time.Millisecond)

	assert.Greater(t, ThreadNow(), t0)
	assert.Greater(t, ProcessNow(), p0)
	assert.Greater(t, thread.Now(), c0)
}

func TestProcessUsage(t *testing.T) {
	u, err := ProcessUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u.Total(), time.Duration(0))
}
