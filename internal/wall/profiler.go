// Package wall implements the wall-clock profiler: it drives the runtime's
// sampling engine through alternating sessions and attributes the caller's
// context, async id and CPU time to every interrupt-driven sample.
//
// Two state machines cooperate. The mutator side (Start, Stop, Dispose,
// SetContext) may lock and sleep. The interrupt side (HandleInterrupt) only
// touches atomics and a fixed-capacity snapshot queue.
package wall

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/contexts"
	"github.com/coral-mesh/wallprof/internal/correlate"
	"github.com/coral-mesh/wallprof/internal/cputime"
	"github.com/coral-mesh/wallprof/internal/host"
	"github.com/coral-mesh/wallprof/internal/interrupt"
	"github.com/coral-mesh/wallprof/internal/ring"
	"github.com/coral-mesh/wallprof/internal/translate"
)

// CollectionMode is read by the interrupt handler on every invocation.
type CollectionMode int32

const (
	// NoCollect makes the handler return immediately.
	NoCollect CollectionMode = iota
	// PassThrough only forwards the interrupt to the engine.
	PassThrough
	// CollectContexts records a context snapshot around the engine sample.
	CollectContexts
)

func (m CollectionMode) String() string {
	switch m {
	case NoCollect:
		return "no-collect"
	case PassThrough:
		return "pass-through"
	case CollectContexts:
		return "collect-contexts"
	default:
		return fmt.Sprintf("CollectionMode(%d)", int32(m))
	}
}

// State mirrors counters the handler maintains without locking.
type State struct {
	// SampleCount is the number of snapshots recorded in this session.
	SampleCount uint32
	// ContextCount is the number of live async storage slots.
	ContextCount uint32
}

// StopReport summarises one Stop for metrics.
type StopReport struct {
	Context          host.ContextID
	Restart          bool
	EngineSamples    int
	Snapshots        int
	DroppedSnapshots uint64
	Correlation      correlate.Stats
	Stall            translate.StallLevel
	Latency          time.Duration
}

// Recorder receives a report after every successful Stop.
type Recorder interface {
	ObserveStop(StopReport)
}

// Deps are the profiler's collaborators.
type Deps struct {
	Runtime host.Runtime
	// Registry holds the active profiler of every execution context. It
	// defaults to the dispatcher's registry.
	Registry *interrupt.Registry
	// Dispatcher intercepts profiling interrupts. Without one, contexts
	// and the stall workaround are unavailable.
	Dispatcher *interrupt.Dispatcher
	Recorder   Recorder
	// ProcessCPU reads the process CPU clock; it defaults to
	// cputime.ProcessNow.
	ProcessCPU func() time.Duration
	Logger     zerolog.Logger
}

// Profiler is a wall-clock profiler bound to one execution context.
type Profiler struct {
	opts            Options
	workaround      bool
	interceptSignal bool

	rt         host.Runtime
	registry   *interrupt.Registry
	dispatcher *interrupt.Dispatcher
	recorder   Recorder
	processCPU func() time.Duration
	logger     zerolog.Logger

	// Interrupt side.
	mode           atomic.Int32
	noCollectCalls atomic.Uint64
	wake           chan struct{}
	inFlight       atomic.Int32
	snapshots      atomic.Pointer[ring.Queue[correlate.Snapshot]]
	dropped        atomic.Uint64
	sampleCount    atomic.Uint32
	contextCount   atomic.Uint32

	curContext    atomic.Pointer[contexts.Handle]
	setInProgress atomic.Bool
	gcCount       atomic.Int32
	gcAsyncID     atomic.Uint64
	gcContext     atomic.Pointer[contexts.Handle]
	arena         *contexts.Arena

	cpuMu     sync.Mutex
	threadCPU *cputime.Tracker

	// Mutator side.
	mu              sync.Mutex
	spare           *ring.Queue[correlate.Snapshot]
	engine          host.Engine
	started         bool
	disposed        bool
	profileIdx      int
	title           string
	startThreadCPU  time.Duration
	startProcessCPU time.Duration
	removeGC        func()
	removeCleanup   func()
	stallDetected   bool
	lastStall       translate.StallLevel
	droppedReported uint64
}

// New validates opts and creates a stopped profiler.
func New(opts Options, deps Deps) (*Profiler, error) {
	if deps.Runtime == nil {
		return nil, fmt.Errorf("wall profiler requires a runtime")
	}
	if err := opts.Validate(deps.Dispatcher != nil); err != nil {
		return nil, err
	}

	reg := deps.Registry
	if reg == nil && deps.Dispatcher != nil {
		reg = deps.Dispatcher.Registry()
	}
	if reg == nil {
		return nil, fmt.Errorf("wall profiler requires a registry")
	}

	processCPU := deps.ProcessCPU
	if processCPU == nil {
		processCPU = cputime.ProcessNow
	}

	opts.CollectCPUTime = opts.CollectCPUTime && opts.WithContexts
	opts.CollectAsyncID = opts.CollectAsyncID && opts.WithContexts
	opts.UseAsyncStorage = opts.UseAsyncStorage && opts.WithContexts

	p := &Profiler{
		opts:       opts,
		workaround: opts.WorkaroundStall && opts.DetectStall && deps.Dispatcher != nil,
		rt:         deps.Runtime,
		registry:   reg,
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		processCPU: processCPU,
		logger: deps.Logger.With().
			Str("component", "wall_profiler").
			Uint64("context", uint64(deps.Runtime.ID())).
			Logger(),
		wake:      make(chan struct{}, 1),
		arena:     contexts.NewArena(),
		threadCPU: cputime.NewTracker(deps.Runtime.ThreadCPUTime),
	}
	p.interceptSignal = opts.WithContexts || p.workaround

	if opts.WithContexts {
		capacity := opts.SnapshotCapacity()
		p.snapshots.Store(ring.NewQueue[correlate.Snapshot](capacity))
		p.spare = ring.NewQueue[correlate.Snapshot](capacity)
	}
	p.mode.Store(int32(NoCollect))
	p.gcAsyncID.Store(math.Float64bits(-1))

	return p, nil
}

// Options returns the effective options, after dependent flags were
// cleared.
func (p *Profiler) Options() Options { return p.opts }

// Started reports whether a session is running.
func (p *Profiler) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Session returns the name of the running engine session.
func (p *Profiler) Session() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ""
	}
	return p.title
}

// State returns the handler counters.
func (p *Profiler) State() State {
	return State{
		SampleCount:  p.sampleCount.Load(),
		ContextCount: p.contextCount.Load(),
	}
}

// StallDetected reports whether any Stop found evidence of a stuck engine.
// The flag is sticky.
func (p *Profiler) StallDetected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stallDetected
}

// LastStall returns the stall level found by the latest Stop.
func (p *Profiler) LastStall() translate.StallLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStall
}

// DroppedSnapshots returns how many snapshots did not fit their session's
// buffer.
func (p *Profiler) DroppedSnapshots() uint64 { return p.dropped.Load() }

// TakeThreadCPU returns the CPU the profiled thread used since the previous
// call.
func (p *Profiler) TakeThreadCPU() time.Duration {
	p.cpuMu.Lock()
	defer p.cpuMu.Unlock()
	return p.threadCPU.Diff()
}

// Start registers the profiler for its execution context and opens the
// first engine session.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return ErrDisposed
	}
	if p.started {
		return ErrAlreadyStarted
	}

	p.profileIdx = 0
	if err := p.createEngine(); err != nil {
		return err
	}
	if err := p.startSession(); err != nil {
		p.dispose(true)
		return fmt.Errorf("failed to start engine session: %w", err)
	}

	switch {
	case p.opts.WithContexts:
		p.setMode(CollectContexts)
	case p.workaround:
		p.setMode(PassThrough)
	default:
		p.setMode(NoCollect)
	}
	p.started = true
	if p.removeCleanup == nil {
		p.removeCleanup = p.rt.AddCleanupHook(p.Cleanup)
	}

	p.logger.Debug().
		Str("session", p.title).
		Dur("period", p.opts.Period).
		Bool("contexts", p.opts.WithContexts).
		Msg("Wall profiler started")
	return nil
}

func (p *Profiler) createEngine() error {
	if p.engine != nil {
		return nil
	}
	if !p.registry.Add(p.rt.ID(), p) {
		return ErrAlreadyActive
	}
	p.engine = p.rt.NewEngine()
	p.engine.SetSamplingInterval(p.opts.Period)

	if p.opts.CollectAsyncID || p.opts.UseAsyncStorage {
		p.removeGC = p.rt.OnGC(p.OnGCStart, p.OnGCEnd)
	}
	return nil
}

// startSession opens an engine session under the next of two alternating
// names. The engine keeps session names alive until it is disposed.
func (p *Profiler) startSession() error {
	title := fmt.Sprintf("pprof-%d", p.profileIdx%2)
	p.profileIdx++

	mode := host.LeafNodeLineNumbers
	if p.opts.LineNumbers {
		mode = host.CallerLineNumbers
	}
	// Samples are always recorded so that stall detection can compare them
	// with hit counts.
	if err := p.engine.Start(title, mode, p.opts.WithContexts || p.opts.DetectStall); err != nil {
		return err
	}
	p.title = title

	if p.interceptSignal {
		p.dispatcher.Acquire()
		p.sampleCount.Store(0)
		p.contextCount.Store(0)
	}

	if p.opts.CollectCPUTime {
		p.startThreadCPU = p.rt.ThreadCPUTime()
		p.startProcessCPU = p.processCPU()
	}

	// The start sample alone proves a non-tick sample was processed, but
	// the first tick may be discarded by the engine when it predates the
	// session. Two more non-tick samples keep detection reliable. With the
	// workaround, waiting for an interrupt serves the same purpose.
	if p.opts.DetectStall && !p.workaround {
		p.engine.CollectSample()
		p.engine.CollectSample()
	}
	return nil
}

func (p *Profiler) setMode(m CollectionMode) {
	p.mode.Store(int32(m))
}

// Dispose releases the engine and unregisters the profiler. It fails while
// a session is running.
func (p *Profiler) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrStillRunning
	}
	if p.disposed {
		return ErrDisposed
	}
	p.dispose(true)
	p.disposed = true
	if h := p.curContext.Swap(nil); h != nil {
		h.Release()
	}
	p.logger.Debug().Msg("Wall profiler disposed")
	return nil
}

func (p *Profiler) dispose(removeFromRegistry bool) {
	if p.engine == nil {
		return
	}
	p.engine.Dispose()
	p.engine = nil

	if removeFromRegistry {
		p.registry.Remove(p.rt.ID(), p)
	}
	if p.removeGC != nil {
		p.removeGC()
		p.removeGC = nil
	}
	if p.removeCleanup != nil {
		p.removeCleanup()
		p.removeCleanup = nil
	}
	p.arena.Clear()
	p.updateContextCount()
}

// Cleanup runs when the execution context is torn down. It stops and
// disposes the profiler whatever its state.
func (p *Profiler) Cleanup() {
	if cur, ok := p.registry.RemoveKey(p.rt.ID()); ok && cur != interrupt.Target(p) {
		// Another profiler owns the context; leave it registered.
		p.registry.Add(p.rt.ID(), cur)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		p.setMode(NoCollect)
		if prof := p.engine.Stop(p.title); prof != nil {
			prof.Delete()
		}
		if p.interceptSignal {
			p.dispatcher.Release()
		}
		p.dispose(false)
		p.started = false
		p.waitHandlers()
		p.releaseSnapshots(p.snapshots.Load())
	}
	p.removeCleanup = nil
	p.disposed = true
	p.logger.Debug().Msg("Wall profiler cleaned up with its execution context")
}
