// Package interrupt installs the process-wide profiling interrupt handler
// and provides the periodic sources that trigger sampling.
package interrupt

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/host"
	"github.com/coral-mesh/wallprof/internal/registry"
)

// Target is a profiler reachable from the interrupt path.
type Target interface {
	registry.CPUReporter
	// HandleInterrupt runs on the interrupted context. next is the handler
	// that was installed before the dispatcher and must be invoked when the
	// target wants the runtime's own sampling to happen.
	HandleInterrupt(ctx host.ContextID, regs host.RegisterState, next host.ProfHandler)
}

// Registry maps execution contexts to their active profiler.
type Registry = registry.Registry[host.ContextID, Target]

// NewRegistry creates the process-wide profiler registry.
func NewRegistry() *Registry {
	return registry.New[host.ContextID, Target]()
}

// Dispatcher owns the process-wide profiling handler. It is installed while
// at least one profiler holds a use and routes every interrupt to the
// profiler registered for the interrupted context. Interrupts on other
// contexts go to the previously installed handler.
type Dispatcher struct {
	signals  host.SignalTable
	registry *Registry
	handler  host.ProfHandler
	logger   zerolog.Logger

	previous atomic.Pointer[host.ProfHandler]

	mu        sync.Mutex
	useCount  int
	installed bool
}

// NewDispatcher creates a dispatcher over signals. Nothing is installed
// until the first Acquire.
func NewDispatcher(signals host.SignalTable, reg *Registry, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		signals:  signals,
		registry: reg,
		logger:   logger.With().Str("component", "interrupt_dispatcher").Logger(),
	}
	d.handler = d.handle
	return d
}

// Registry returns the registry the dispatcher routes through.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Acquire takes one use and (re)installs the handler.
func (d *Dispatcher) Acquire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.useCount++
	if d.installed {
		// Runtimes may reinstall their own handler when a session starts.
		d.signals.SetProfHandler(d.handler)
		return
	}
	prev := d.signals.SetProfHandler(d.handler)
	d.previous.Store(&prev)
	d.installed = true
	d.logger.Debug().Msg("Installed profiling interrupt handler")
}

// Release drops one use and restores the previous handler with the last.
func (d *Dispatcher) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.useCount == 0 {
		return
	}
	d.useCount--
	if d.useCount > 0 || !d.installed {
		return
	}
	prev := d.previous.Swap(nil)
	if prev != nil {
		d.signals.SetProfHandler(*prev)
	}
	d.installed = false
	d.logger.Debug().Msg("Restored previous profiling interrupt handler")
}

// Installed reports whether the dispatcher's handler is installed.
func (d *Dispatcher) Installed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed
}

// UseCount returns the number of outstanding Acquire calls.
func (d *Dispatcher) UseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.useCount
}

func (d *Dispatcher) handle(ctx host.ContextID, regs host.RegisterState) {
	p := d.previous.Load()
	if p == nil || *p == nil {
		return
	}
	prev := *p

	target, ok := d.registry.Get(ctx)
	if !ok {
		prev(ctx, regs)
		return
	}
	target.HandleInterrupt(ctx, regs, prev)
}
