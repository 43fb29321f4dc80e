// Package simhost is a deterministic in-process model of a managed runtime.
//
// It implements every host interface: generated code with JIT events, a call
// stack, a sampling engine that builds a call tree from interrupt ticks, a
// process-wide profiling signal table and GC/async bookkeeping. Interrupts
// are delivered either by hand (Runtime.Interrupt) or by a ticker the engine
// runs while a session is active.
package simhost

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/host"
)

// Option configures a Process.
type Option func(*Process)

// WithAutoTick makes engines deliver interrupts on their own at the sampling
// interval while a session runs.
func WithAutoTick() Option {
	return func(p *Process) { p.autoTick = true }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

// Process owns the process-wide profiling signal table and every runtime.
type Process struct {
	clock    host.Clock
	handler  atomic.Pointer[host.ProfHandler]
	autoTick bool
	logger   zerolog.Logger

	mu       sync.RWMutex
	runtimes map[host.ContextID]*Runtime
	nextID   atomic.Uint64

	delivered atomic.Uint64
}

// NewProcess creates a process whose initial profiling handler is the
// engines' own tick recorder.
func NewProcess(clock host.Clock, opts ...Option) *Process {
	p := &Process{
		clock:    clock,
		runtimes: make(map[host.ContextID]*Runtime),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "simhost").Logger()
	base := host.ProfHandler(p.recordTick)
	p.handler.Store(&base)
	return p
}

// Clock returns the clock shared by every runtime of the process.
func (p *Process) Clock() host.Clock { return p.clock }

// SetProfHandler installs h and returns the previous handler.
func (p *Process) SetProfHandler(h host.ProfHandler) host.ProfHandler {
	var next *host.ProfHandler
	if h != nil {
		next = &h
	}
	prev := p.handler.Swap(next)
	if prev == nil {
		return nil
	}
	return *prev
}

// Delivered returns how many interrupts were raised so far.
func (p *Process) Delivered() uint64 { return p.delivered.Load() }

func (p *Process) deliver(id host.ContextID, regs host.RegisterState) {
	p.delivered.Add(1)
	if h := p.handler.Load(); h != nil && *h != nil {
		(*h)(id, regs)
	}
}

// recordTick is the engines' handler: it records one tick for every active
// session of the interrupted runtime.
func (p *Process) recordTick(id host.ContextID, _ host.RegisterState) {
	if rt := p.runtime(id); rt != nil {
		rt.tick()
	}
}

func (p *Process) runtime(id host.ContextID) *Runtime {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runtimes[id]
}

// NewRuntime creates a new execution context.
func (p *Process) NewRuntime(mainThread bool) *Runtime {
	rt := newRuntime(p, host.ContextID(p.nextID.Add(1)), mainThread)
	p.mu.Lock()
	p.runtimes[rt.id] = rt
	p.mu.Unlock()
	p.logger.Debug().Uint64("context", uint64(rt.id)).Bool("main", mainThread).Msg("Runtime created")
	return rt
}

func (p *Process) remove(id host.ContextID) {
	p.mu.Lock()
	delete(p.runtimes, id)
	p.mu.Unlock()
}

func (p *Process) tickInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
