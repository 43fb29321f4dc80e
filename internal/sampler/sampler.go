// Package sampler implements the standalone CPU sampler: a periodic trigger
// captures raw stacks into a ring buffer from the interrupt path, and a
// consumer goroutine symbolizes them against the context's code map.
package sampler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/codemap"
	"github.com/coral-mesh/wallprof/internal/contexts"
	"github.com/coral-mesh/wallprof/internal/cputime"
	"github.com/coral-mesh/wallprof/internal/host"
	"github.com/coral-mesh/wallprof/internal/interrupt"
	"github.com/coral-mesh/wallprof/internal/ring"
)

const (
	// DefaultBufferSize is the raw sample capacity when Config leaves it unset.
	DefaultBufferSize = 1024

	minPollInterval = 100 * time.Microsecond
)

var (
	// ErrRunning is returned by Start on a running sampler.
	ErrRunning = errors.New("sampler already running")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("sampler closed")
)

// Runtime is what the sampler needs from the execution context it samples.
type Runtime interface {
	ID() host.ContextID
	host.StackWalker
	host.CodeEventSource
	host.Clock
	host.ThreadCPUClock
}

// RawSample is a stack captured on the interrupt path, not yet symbolized.
type RawSample struct {
	Stack            [host.MaxFrames]uintptr
	FrameCount       int
	Timestamp        int64
	PC               uintptr
	ExternalCallback uintptr
	CPUTime          time.Duration
	VMState          host.VMState
	Labels           *contexts.Handle
}

// Sample is a symbolized stack. Locations are ordered root first.
type Sample struct {
	Locations []codemap.Record
	Labels    *contexts.Handle
	Timestamp int64
	CPUTime   time.Duration
}

// CPUProfile is the output of one Profile call.
type CPUProfile struct {
	Start   int64
	End     int64
	Samples []Sample
}

// Config configures a Sampler.
type Config struct {
	BufferSize int
}

// Deps are the sampler's collaborators.
type Deps struct {
	Runtime Runtime
	// CodeMaps, if set, shares code maps between profilers of one context.
	CodeMaps *codemap.Shared
	// Source triggers captures. Nil means CaptureSample is driven by hand.
	Source interrupt.Source
	Logger zerolog.Logger
}

// Stats are cumulative counters since construction.
type Stats struct {
	Captured   uint64
	Dropped    uint64
	Idle       uint64
	Unresolved uint64
}

// Sampler is a periodic CPU sampler bound to one execution context.
type Sampler struct {
	rt      Runtime
	codeMap *codemap.CodeMap
	source  interrupt.Source
	logger  zerolog.Logger

	// Interrupt path state. capturing serializes producers so the ring
	// buffer keeps a single writer.
	buf         *ring.Buffer[RawSample]
	cpu         *cputime.Tracker
	unaccounted time.Duration
	capturing   atomic.Bool
	labels      atomic.Pointer[contexts.Handle]
	pending     atomic.Bool

	captured   atomic.Uint64
	dropped    atomic.Uint64
	idle       atomic.Uint64
	unresolved atomic.Uint64

	// consumer guards the read side of buf.
	consumer sync.Mutex
	samples  []Sample

	mu      sync.Mutex
	running bool
	closed  bool
	period  time.Duration
	start   int64
	stop    chan struct{}
	done    chan struct{}
}

// New creates a stopped sampler.
func New(cfg Config, deps Deps) (*Sampler, error) {
	if deps.Runtime == nil {
		return nil, fmt.Errorf("sampler requires a runtime")
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	logger := deps.Logger.With().
		Str("component", "sampler").
		Uint64("context", uint64(deps.Runtime.ID())).
		Logger()

	var cm *codemap.CodeMap
	if deps.CodeMaps != nil {
		cm = deps.CodeMaps.For(deps.Runtime.ID(), deps.Runtime)
	} else {
		cm = codemap.New(deps.Runtime, logger)
	}

	return &Sampler{
		rt:      deps.Runtime,
		codeMap: cm,
		source:  deps.Source,
		logger:  logger,
		buf:     ring.New[RawSample](size),
		cpu:     cputime.NewTracker(deps.Runtime.ThreadCPUTime),
	}, nil
}

// Start arms the trigger and the consumer. The code map is enabled for the
// duration of the run.
func (s *Sampler) Start(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("sampling period must be positive, got %s", period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return ErrRunning
	}

	s.codeMap.Enable()
	s.cpu.Reset()
	s.unaccounted = 0
	s.period = period
	s.start = s.rt.Now()

	if s.source != nil {
		if err := s.source.Arm(period, s.trigger); err != nil {
			s.codeMap.Disable()
			return fmt.Errorf("failed to arm interrupt source: %w", err)
		}
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.consume(pollInterval(period), s.stop, s.done)

	s.running = true
	s.logger.Debug().Dur("period", period).Msg("Sampler started")
	return nil
}

func pollInterval(period time.Duration) time.Duration {
	if iv := period / 4; iv > minPollInterval {
		return iv
	}
	return minPollInterval
}

// Stop disarms the trigger, drains outstanding samples and disables the code
// map. Stopping a stopped sampler is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if s.source != nil {
		s.source.Disarm()
	}
	close(s.stop)
	<-s.done
	s.ProcessSamples()

	s.codeMap.Disable()
	s.period = 0
	s.running = false

	st := s.Stats()
	s.logger.Debug().
		Uint64("captured", st.Captured).
		Uint64("dropped", st.Dropped).
		Uint64("idle", st.Idle).
		Msg("Sampler stopped")
}

// Close stops the sampler and releases every label reference it still
// holds.
func (s *Sampler) Close() error {
	s.Stop()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, smp := range s.Samples() {
		smp.Labels.Release()
	}
	if h := s.labels.Swap(nil); h != nil {
		h.Release()
	}
	return nil
}

// Period returns the running period, or zero when stopped.
func (s *Sampler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// SetLabels attaches h to subsequent samples. The sampler takes its own
// reference.
func (s *Sampler) SetLabels(h *contexts.Handle) {
	if old := s.labels.Swap(h.Retain()); old != nil {
		old.Release()
	}
}

// Labels returns the handle attached to new samples.
func (s *Sampler) Labels() *contexts.Handle {
	return s.labels.Load()
}

func (s *Sampler) trigger() {
	s.CaptureSample(host.RegisterState{})
	s.pending.Store(true)
}

// CaptureSample records the current stack. It runs on the interrupt path:
// it never blocks or allocates. A full buffer drops the sample and leaves
// its CPU time to the next one.
func (s *Sampler) CaptureSample(regs host.RegisterState) {
	if !s.capturing.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return
	}
	defer s.capturing.Store(false)

	slot := s.buf.Reserve()
	if slot == nil {
		s.dropped.Add(1)
		return
	}

	cpu := s.cpu.Diff()
	slot.Timestamp = s.rt.Now()
	slot.PC = regs.PC
	info := s.rt.SampleStack(regs, slot.Stack[:])
	slot.VMState = info.VMState
	slot.ExternalCallback = info.ExternalCallback
	slot.FrameCount = info.FrameCount
	if info.VMState == host.StateIdle {
		slot.FrameCount = 0
	}

	if slot.FrameCount == 0 {
		s.unaccounted += cpu
		s.idle.Add(1)
		return
	}

	slot.CPUTime = cpu + s.unaccounted
	s.unaccounted = 0
	slot.Labels = s.labels.Load().TryRetain()
	s.buf.Push()
	s.captured.Add(1)
}

func (s *Sampler) consume(every time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if s.pending.Swap(false) {
				s.ProcessSamples()
			}
		}
	}
}

// ProcessSamples drains the raw buffer and symbolizes what it finds. It
// returns the number of samples added.
func (s *Sampler) ProcessSamples() int {
	s.consumer.Lock()
	defer s.consumer.Unlock()

	n := 0
	for {
		raw := s.buf.Peek()
		if raw == nil {
			return n
		}
		smp := s.symbolize(raw)
		raw.Labels = nil
		s.buf.Remove()

		s.samples = append(s.samples, smp)
		n++
	}
}

// Samples returns and forgets the symbolized samples collected so far.
// Label references move to the caller.
func (s *Sampler) Samples() []Sample {
	s.consumer.Lock()
	defer s.consumer.Unlock()

	out := s.samples
	s.samples = nil
	return out
}

// SampleCount returns how many symbolized samples are waiting.
func (s *Sampler) SampleCount() int {
	s.consumer.Lock()
	defer s.consumer.Unlock()
	return len(s.samples)
}

// Profile drains the collected samples into a profile spanning from the
// previous Profile call (or Start) until now.
func (s *Sampler) Profile() CPUProfile {
	s.ProcessSamples()

	s.mu.Lock()
	start := s.start
	end := s.rt.Now()
	s.start = end
	s.mu.Unlock()

	return CPUProfile{Start: start, End: end, Samples: s.Samples()}
}

// Stats returns the cumulative counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Captured:   s.captured.Load(),
		Dropped:    s.dropped.Load(),
		Idle:       s.idle.Load(),
		Unresolved: s.unresolved.Load(),
	}
}
