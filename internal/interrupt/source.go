package interrupt

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coral-mesh/wallprof/internal/host"
)

// ErrUnsupported is returned by sources that cannot run on this platform.
var ErrUnsupported = errors.New("interrupt source not supported on this platform")

// ErrArmed is returned when arming a source twice.
var ErrArmed = errors.New("interrupt source already armed")

// Source periodically invokes fire on behalf of the sampled context.
type Source interface {
	Arm(period time.Duration, fire func()) error
	Disarm()
}

// ticker runs fn every period on a goroutine locked to its own OS thread.
type ticker struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (t *ticker) start(period time.Duration, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return ErrArmed
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done = stop, done

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)

		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				fn()
			}
		}
	}()
	return nil
}

func (t *ticker) halt() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// EngineSource asks the runtime to interrupt itself at its next safe point.
// Requests coalesce: a tick that finds the previous one still pending is
// skipped.
type EngineSource struct {
	interrupter host.Interrupter
	ticker      ticker
	pending     atomic.Bool
	skipped     atomic.Uint64
}

// NewEngineSource creates a source driven by interrupter.
func NewEngineSource(interrupter host.Interrupter) *EngineSource {
	return &EngineSource{interrupter: interrupter}
}

// Arm starts requesting interrupts every period.
func (s *EngineSource) Arm(period time.Duration, fire func()) error {
	run := func() {
		s.pending.Store(false)
		fire()
	}
	return s.ticker.start(period, func() {
		if !s.pending.CompareAndSwap(false, true) {
			s.skipped.Add(1)
			return
		}
		s.interrupter.RequestInterrupt(run)
	})
}

// Disarm stops requesting interrupts.
func (s *EngineSource) Disarm() {
	s.ticker.halt()
	s.pending.Store(false)
}

// Skipped returns how many ticks were coalesced into a pending request.
func (s *EngineSource) Skipped() uint64 { return s.skipped.Load() }
