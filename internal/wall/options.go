package wall

import (
	"fmt"
	"time"
)

// Options configures a wall profiler.
type Options struct {
	// Period is the sampling interval.
	Period time.Duration
	// Duration is the expected length of one session. It only sizes the
	// context snapshot buffer.
	Duration time.Duration

	// LineNumbers reports per-line hit counts using caller line numbers.
	LineNumbers bool
	// WithContexts attaches the current context to every sample.
	WithContexts bool
	// WorkaroundStall makes restarts wait for an interrupt before and after
	// switching sessions, which keeps the engine's sample processing loop
	// from getting stuck. It needs an interrupt dispatcher and DetectStall.
	WorkaroundStall bool
	// DetectStall inspects each engine profile for a stuck processing loop.
	DetectStall    bool
	CollectCPUTime bool
	CollectAsyncID bool
	// IsMainThread makes the profiler report CPU time of the threads no
	// profiler covers.
	IsMainThread bool
	// UseAsyncStorage keeps contexts in the runtime's continuation frames
	// instead of a single per-profiler slot.
	UseAsyncStorage bool
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, reason)
}

// Validate reports the first rule o violates. contextsSupported tells
// whether interrupts can be intercepted in this process.
func (o Options) Validate(contextsSupported bool) error {
	switch {
	case o.Period <= 0:
		return invalid("sample rate must be positive")
	case o.Duration <= 0:
		return invalid("duration must be positive")
	case o.Duration < o.Period:
		return invalid("duration must not be less than sample rate")
	case o.WithContexts && !contextsSupported:
		return invalid("contexts are not supported")
	case o.CollectCPUTime && !o.WithContexts:
		return invalid("cpu time collection requires contexts")
	case o.CollectAsyncID && !o.WithContexts:
		return invalid("async ID collection requires contexts")
	case o.UseAsyncStorage && !o.WithContexts:
		return invalid("async storage requires contexts")
	case o.LineNumbers && o.WithContexts:
		// A context belongs to a sample, and a sample to a node. Line
		// ticks split a node further, so contexts cannot follow them.
		return invalid("include line option is not compatible with contexts")
	}
	return nil
}

// SnapshotCapacity is the number of context snapshots one session can hold.
func (o Options) SnapshotCapacity() int {
	if !o.WithContexts || o.Period <= 0 {
		return 0
	}
	return int(o.Duration * 2 / o.Period)
}
