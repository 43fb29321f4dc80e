package simhost

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coral-mesh/wallprof/internal/host"
)

const (
	codeBase  = 0x10000
	codeSize  = 0x100
	codeAlign = 0x40
)

// Function is a unit of generated code. Its address changes when the
// runtime relocates it.
type Function struct {
	Name     string
	Script   string
	ScriptID int
	Line     int
	Column   int

	start atomic.Uint64
	size  uint64
}

// PC returns an address inside the function's current code.
func (f *Function) PC() uintptr {
	return uintptr(f.start.Load() + f.size/2)
}

// Start returns the function's current code address.
func (f *Function) Start() uint64 { return f.start.Load() }

// Frame is one activation on the simulated call stack.
type Frame struct {
	Fn   *Function
	Line int
}

// Runtime is one execution context.
type Runtime struct {
	id         host.ContextID
	proc       *Process
	mainThread bool

	stack    atomic.Pointer[[]Frame]
	idle     atomic.Bool
	inGC     atomic.Bool
	external atomic.Uintptr

	cpu         atomic.Int64
	threadClock atomic.Pointer[func() time.Duration]

	asyncID atomic.Uint64
	frame   atomic.Pointer[AsyncFrame]

	stalled    atomic.Bool
	invertNext atomic.Bool

	mu        sync.Mutex
	functions []*Function
	nextAddr  uint64
	subs      map[int]func(host.CodeEvent)
	gcHooks   map[int][2]func()
	cleanups  map[int]func()
	pending   []func()
	nextHook  int
	engines   map[*Engine]struct{}
	closed    bool
}

func newRuntime(p *Process, id host.ContextID, mainThread bool) *Runtime {
	rt := &Runtime{
		id:         id,
		proc:       p,
		mainThread: mainThread,
		nextAddr:   codeBase,
		subs:       make(map[int]func(host.CodeEvent)),
		gcHooks:    make(map[int][2]func()),
		cleanups:   make(map[int]func()),
		engines:    make(map[*Engine]struct{}),
	}
	empty := []Frame{}
	rt.stack.Store(&empty)
	rt.asyncID.Store(math.Float64bits(-1))
	return rt
}

// ID returns the context identity.
func (r *Runtime) ID() host.ContextID { return r.id }

// IsMainThread reports whether this context runs on the process main thread.
func (r *Runtime) IsMainThread() bool { return r.mainThread }

// Now reads the process clock.
func (r *Runtime) Now() int64 { return r.proc.clock.Now() }

// Process returns the owning process.
func (r *Runtime) Process() *Process { return r.proc }

// ThreadCPUTime returns the bound thread clock, or the simulated CPU counter
// advanced by Burn.
func (r *Runtime) ThreadCPUTime() time.Duration {
	if fn := r.threadClock.Load(); fn != nil {
		return (*fn)()
	}
	return time.Duration(r.cpu.Load())
}

// BindThreadClock makes ThreadCPUTime read clock instead of the simulated
// counter.
func (r *Runtime) BindThreadClock(clock func() time.Duration) {
	if clock == nil {
		r.threadClock.Store(nil)
		return
	}
	r.threadClock.Store(&clock)
}

// Burn accounts d of simulated CPU to the context's thread.
func (r *Runtime) Burn(d time.Duration) {
	r.cpu.Add(int64(d))
}

// Compile generates code for a new function and announces it.
func (r *Runtime) Compile(name, script string, line, column int) *Function {
	fn := &Function{Name: name, Script: script, Line: line, Column: column, size: codeSize}

	r.mu.Lock()
	fn.start.Store(r.allocLocked())
	r.functions = append(r.functions, fn)
	ev := addedEvent(fn)
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.emit(subs, ev)
	return fn
}

// Relocate moves fn to fresh addresses, as a compacting collector would.
func (r *Runtime) Relocate(fn *Function) {
	r.mu.Lock()
	prev := fn.start.Load()
	fn.start.Store(r.allocLocked())
	ev := addedEvent(fn)
	subs := r.subscribersLocked()
	r.mu.Unlock()

	ev.Type = host.CodeMoved
	ev.PreviousStart = prev
	r.emit(subs, ev)
}

// Unload drops fn's code.
func (r *Runtime) Unload(fn *Function) {
	r.mu.Lock()
	for i, f := range r.functions {
		if f == fn {
			r.functions = append(r.functions[:i], r.functions[i+1:]...)
			break
		}
	}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.emit(subs, host.CodeEvent{Type: host.CodeRemoved, Start: fn.start.Load(), Size: fn.size})
}

// AssignScriptID attaches a script id to fn after the fact.
func (r *Runtime) AssignScriptID(fn *Function, id int) {
	r.mu.Lock()
	fn.ScriptID = id
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.emit(subs, host.CodeEvent{Type: host.CodeScriptID, Start: fn.start.Load(), ScriptID: id})
}

func (r *Runtime) allocLocked() uint64 {
	addr := r.nextAddr
	r.nextAddr += codeSize + codeAlign
	return addr
}

func addedEvent(fn *Function) host.CodeEvent {
	return host.CodeEvent{
		Type:         host.CodeAdded,
		Start:        fn.start.Load(),
		Size:         fn.size,
		FunctionName: fn.Name,
		ScriptName:   fn.Script,
		ScriptID:     fn.ScriptID,
		Line:         fn.Line,
		Column:       fn.Column,
	}
}

func (r *Runtime) subscribersLocked() []func(host.CodeEvent) {
	subs := make([]func(host.CodeEvent), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return subs
}

func (r *Runtime) emit(subs []func(host.CodeEvent), ev host.CodeEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}

// SubscribeCodeEvents replays the existing code to fn, then streams changes.
func (r *Runtime) SubscribeCodeEvents(fn func(host.CodeEvent)) func() {
	r.mu.Lock()
	id := r.nextHook
	r.nextHook++
	r.subs[id] = fn
	existing := make([]host.CodeEvent, 0, len(r.functions))
	for _, f := range r.functions {
		existing = append(existing, addedEvent(f))
	}
	r.mu.Unlock()

	for _, ev := range existing {
		fn(ev)
	}
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// SetStack replaces the call stack. Frames are outermost first.
func (r *Runtime) SetStack(frames ...Frame) {
	st := append([]Frame(nil), frames...)
	r.stack.Store(&st)
}

// Call returns a stack built from fns with each frame at its function's line.
func Call(fns ...*Function) []Frame {
	frames := make([]Frame, len(fns))
	for i, fn := range fns {
		frames[i] = Frame{Fn: fn, Line: fn.Line}
	}
	return frames
}

// Stack returns the current call stack, outermost first.
func (r *Runtime) Stack() []Frame {
	return *r.stack.Load()
}

// SetIdle marks the context as waiting in its event loop.
func (r *Runtime) SetIdle(idle bool) { r.idle.Store(idle) }

// SetExternalCallback records the native callback being executed, or zero.
func (r *Runtime) SetExternalCallback(pc uintptr) { r.external.Store(pc) }

// SampleStack reports the current stack, innermost first.
func (r *Runtime) SampleStack(_ host.RegisterState, frames []uintptr) host.SampleInfo {
	st := *r.stack.Load()
	n := len(st)
	if n > len(frames) {
		n = len(frames)
	}
	for i := 0; i < n; i++ {
		frames[i] = st[len(st)-1-i].Fn.PC()
	}
	return host.SampleInfo{
		FrameCount:       n,
		VMState:          r.vmState(),
		ExternalCallback: r.external.Load(),
	}
}

func (r *Runtime) vmState() host.VMState {
	switch {
	case r.idle.Load():
		return host.StateIdle
	case r.inGC.Load():
		return host.StateGC
	case r.external.Load() != 0:
		return host.StateExternal
	default:
		return host.StateJS
	}
}

// Interrupt raises one profiling interrupt on this context through the
// process signal table.
func (r *Runtime) Interrupt() {
	r.proc.deliver(r.id, host.RegisterState{})
}

// RequestInterrupt queues fn to run at the next Safepoint.
func (r *Runtime) RequestInterrupt(fn func()) {
	r.mu.Lock()
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
}

// Safepoint runs the queued interrupt requests. The workload calls it
// between units of work.
func (r *Runtime) Safepoint() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

// AsyncID returns the current async resource id.
func (r *Runtime) AsyncID() float64 {
	return math.Float64frombits(r.asyncID.Load())
}

// SetAsyncID changes the current async resource id.
func (r *Runtime) SetAsyncID(id float64) {
	r.asyncID.Store(math.Float64bits(id))
}

// AsyncFrame is a continuation frame carrying embedder data.
type AsyncFrame struct {
	data      atomic.Pointer[any]
	mu        sync.Mutex
	collected []func()
	dead      bool
}

// Data returns what SetData stored.
func (f *AsyncFrame) Data() any {
	if p := f.data.Load(); p != nil {
		return *p
	}
	return nil
}

// SetData stores v on the frame.
func (f *AsyncFrame) SetData(v any) {
	f.data.Store(&v)
}

// OnCollected registers fn to run when the frame is collected.
func (f *AsyncFrame) OnCollected(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collected = append(f.collected, fn)
}

// NewAsyncFrame creates a continuation frame.
func NewAsyncFrame() *AsyncFrame {
	return &AsyncFrame{}
}

// EnterAsyncFrame makes f the current continuation frame. A nil f leaves every
// frame.
func (r *Runtime) EnterAsyncFrame(f *AsyncFrame) {
	r.frame.Store(f)
}

// CurrentFrame returns the current continuation frame.
func (r *Runtime) CurrentFrame() host.AsyncFrame {
	if f := r.frame.Load(); f != nil {
		return f
	}
	return nil
}

// CollectAsyncFrame finalizes f, running its collection callbacks once.
func (r *Runtime) CollectAsyncFrame(f *AsyncFrame) {
	r.frame.CompareAndSwap(f, nil)
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return
	}
	f.dead = true
	callbacks := f.collected
	f.collected = nil
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// OnGC registers GC prologue and epilogue callbacks.
func (r *Runtime) OnGC(start, end func()) func() {
	r.mu.Lock()
	id := r.nextHook
	r.nextHook++
	r.gcHooks[id] = [2]func(){start, end}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.gcHooks, id)
		r.mu.Unlock()
	}
}

// RunGC simulates a collection. during runs between prologue and epilogue.
func (r *Runtime) RunGC(during func()) {
	r.mu.Lock()
	hooks := make([][2]func(), 0, len(r.gcHooks))
	for _, h := range r.gcHooks {
		hooks = append(hooks, h)
	}
	r.mu.Unlock()

	for _, h := range hooks {
		h[0]()
	}
	r.inGC.Store(true)
	if during != nil {
		during()
	}
	r.inGC.Store(false)
	for _, h := range hooks {
		h[1]()
	}
}

// AddCleanupHook registers fn to run on Close.
func (r *Runtime) AddCleanupHook(fn func()) func() {
	r.mu.Lock()
	id := r.nextHook
	r.nextHook++
	r.cleanups[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.cleanups, id)
		r.mu.Unlock()
	}
}

// Close tears the context down, running cleanup hooks and disposing engines.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	hooks := make([]func(), 0, len(r.cleanups))
	for _, fn := range r.cleanups {
		hooks = append(hooks, fn)
	}
	r.cleanups = map[int]func(){}
	engines := make([]*Engine, 0, len(r.engines))
	for e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	for _, e := range engines {
		e.Dispose()
	}
	r.proc.remove(r.id)
}

// InjectStall makes engines drop every tick, as a stuck sample processor
// would.
func (r *Runtime) InjectStall(stalled bool) { r.stalled.Store(stalled) }

// InjectInversion makes the next recorded tick swap its timestamp with the
// previous sample's.
func (r *Runtime) InjectInversion() { r.invertNext.Store(true) }

// NewEngine creates a sampling engine bound to this context.
func (r *Runtime) NewEngine() host.Engine {
	return newEngine(r)
}

func (r *Runtime) attach(e *Engine) {
	r.mu.Lock()
	r.engines[e] = struct{}{}
	r.mu.Unlock()
}

func (r *Runtime) detach(e *Engine) {
	r.mu.Lock()
	delete(r.engines, e)
	r.mu.Unlock()
}

func (r *Runtime) tick() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	for _, e := range engines {
		e.tick()
	}
}
