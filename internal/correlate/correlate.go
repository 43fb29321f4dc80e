// Package correlate attributes context snapshots taken by the interrupt
// handler to the samples recorded by the runtime's sampling engine.
//
// Both streams are ordered by time. A snapshot brackets the engine's own
// sample with the clock readings taken just before and just after the
// engine handler ran, so a sample matches the snapshot whose
// [TimeFrom, TimeTo] window contains its timestamp.
package correlate

import (
	"iter"
	"math"
	"time"

	"github.com/coral-mesh/wallprof/internal/contexts"
	"github.com/coral-mesh/wallprof/internal/host"
)

// Pseudo function names the engine uses for time spent outside user code.
const (
	ProgramName = "(program)"
	IdleName    = "(idle)"
)

// Snapshot is what the interrupt handler records around one engine sample.
type Snapshot struct {
	Context  *contexts.Handle
	TimeFrom int64
	TimeTo   int64
	// CPUTime is the thread's cumulative CPU time when the handler ran.
	CPUTime time.Duration
	AsyncID float64
}

// TimedContext is one snapshot attributed to a node.
type TimedContext struct {
	// Timestamp is the sample time in microseconds since the Unix epoch.
	Timestamp  int64
	Context    *contexts.Handle
	CPUTime    time.Duration
	AsyncID    float64
	HasCPUTime bool
	HasAsyncID bool
}

// NodeInfo collects what was attributed to one engine node.
type NodeInfo struct {
	Contexts []TimedContext
	HitCount int
}

// ByNode maps engine nodes to their attributions.
type ByNode map[host.ProfileNode]*NodeInfo

// Options controls what each attribution carries.
type Options struct {
	CollectCPUTime bool
	CollectAsyncID bool
	// StartCPUTime is the thread CPU time when the session started. The
	// first CPU delta is measured from it.
	StartCPUTime time.Duration
	// EpochOffset converts engine timestamps to epoch microseconds.
	EpochOffset int64
}

// Stats describes one correlation pass.
type Stats struct {
	Matched          int
	DroppedStale     int
	Inversions       int
	ExcessInversions int
	UnmatchedSamples int
}

// Correlate walks the engine samples once, holding a single cursor into
// snapshots. The first sample is skipped: the engine takes it when the
// session starts, outside any interrupt.
//
// Sample timestamps may contain an inverted adjacent pair; the pair is
// processed in swapped order. An inversion that overlaps a pair being
// swapped is not repaired and is counted in Stats.ExcessInversions.
func Correlate(profile host.EngineProfile, snapshots iter.Seq[Snapshot], opts Options) (ByNode, Stats) {
	byNode := make(ByNode)
	var stats Stats

	n := profile.SamplesCount()
	if n == 0 || snapshots == nil {
		return byNode, stats
	}

	next, stop := iter.Pull(snapshots)
	defer stop()

	cur, ok := next()
	if !ok {
		return byNode, stats
	}

	lastCPU := opts.StartCPUTime
	deltaIdx := 0
	for i := 1; i < n; i++ {
		inverted := i < n-1 && profile.SampleTimestamp(i+1) < profile.SampleTimestamp(i)
		switch {
		case deltaIdx == 1:
			deltaIdx = -1
			if inverted {
				stats.ExcessInversions++
			}
		case deltaIdx == -1:
			deltaIdx = 0
			if inverted {
				stats.ExcessInversions++
			}
		case inverted:
			deltaIdx = 1
			stats.Inversions++
		}

		idx := i + deltaIdx
		node := profile.Sample(idx)
		ts := profile.SampleTimestamp(idx)

		matched := false
		for ok {
			if cur.TimeTo < ts {
				stats.DroppedStale++
				cur, ok = next()
				continue
			}
			if cur.TimeFrom > ts {
				break
			}

			info := byNode[node]
			if info == nil {
				info = &NodeInfo{}
				byNode[node] = info
			}
			info.HitCount++

			tc := TimedContext{Timestamp: ts + opts.EpochOffset}
			name := node.FunctionName()
			// CPU time spent in (program) is reported on the next sample.
			if name != ProgramName {
				if opts.CollectCPUTime {
					tc.CPUTime = cur.CPUTime - lastCPU
					tc.HasCPUTime = true
					lastCPU = cur.CPUTime
				}
				if name != IdleName {
					tc.Context = cur.Context
					if opts.CollectAsyncID {
						tc.AsyncID = cur.AsyncID
						tc.HasAsyncID = true
					}
				}
			}
			info.Contexts = append(info.Contexts, tc)

			stats.Matched++
			matched = true
			cur, ok = next()
			break
		}
		if !matched {
			stats.UnmatchedSamples++
		}
	}
	return byNode, stats
}

// MaxEpochOffsetAttempts bounds EpochOffset.
const MaxEpochOffsetAttempts = 20

// EpochOffset estimates the difference between the Unix epoch in
// microseconds and clock. Each attempt brackets a wall clock read between
// two clock reads and keeps the estimate from the narrowest bracket.
func EpochOffset(clock host.Clock) int64 {
	return epochOffset(clock, func() int64 { return time.Now().UnixMicro() })
}

func epochOffset(clock host.Clock, wall func() int64) int64 {
	var offset int64
	smallest := int64(math.MaxInt64)
	for i := 0; i < MaxEpochOffsetAttempts; i++ {
		before := clock.Now()
		epoch := wall()
		after := clock.Now()

		diff := after - before
		if diff < smallest {
			offset = epoch - (before + diff/2)
			if diff == 0 {
				break
			}
			smallest = diff
		}
	}
	return offset
}
