//go:build linux

package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// SignalsSupported reports whether SignalSource works on this platform.
const SignalsSupported = true

const sampleSignal = unix.SIGUSR1

// The runtime cannot tell which thread a notified signal hit, so only one
// SignalSource may be armed per process. The notification channel is never
// stopped: restoring the default disposition would let a late signal kill
// the process.
var (
	signalOnce  sync.Once
	signalOwner atomic.Pointer[SignalSource]
)

func startSignalReceiver() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sampleSignal)
	go func() {
		for range ch {
			if s := signalOwner.Load(); s != nil {
				if fire := s.fire.Load(); fire != nil {
					(*fire)()
				}
			}
		}
	}()
}

// SignalSource sends a signal to the sampled thread every period and calls
// fire once the signal is observed.
type SignalSource struct {
	pid, tid int
	ticker   ticker
	fire     atomic.Pointer[func()]
}

// NewSignalSource targets thread tid of this process. Zero targets the
// calling thread, which should be locked with runtime.LockOSThread.
func NewSignalSource(tid int) *SignalSource {
	if tid == 0 {
		tid = unix.Gettid()
	}
	return &SignalSource{pid: unix.Getpid(), tid: tid}
}

// Arm starts signalling the thread every period.
func (s *SignalSource) Arm(period time.Duration, fire func()) error {
	signalOnce.Do(startSignalReceiver)
	if !signalOwner.CompareAndSwap(nil, s) {
		return ErrArmed
	}
	s.fire.Store(&fire)

	pid, tid := s.pid, s.tid
	if err := s.ticker.start(period, func() {
		_ = unix.Tgkill(pid, tid, sampleSignal)
	}); err != nil {
		s.release()
		return err
	}
	return nil
}

// Disarm stops signalling. A signal already in flight is discarded.
func (s *SignalSource) Disarm() {
	s.ticker.halt()
	s.release()
}

func (s *SignalSource) release() {
	s.fire.Store(nil)
	signalOwner.CompareAndSwap(s, nil)
}
