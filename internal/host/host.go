// Package host declares the narrow interfaces through which the profiler
// consumes the embedding runtime: its stack walker, code-event stream,
// clocks, sampling engine and interrupt delivery.
//
// Nothing in this package does work. Implementations live with the embedder;
// simhost provides a deterministic simulated runtime.
package host

import "time"

// ContextID identifies one execution context (one interpreter instance).
type ContextID uint64

// MaxFrames bounds every stack walk.
const MaxFrames = 255

// VMState is the runtime's own notion of what the interrupted thread was
// doing.
type VMState int

const (
	StateJS VMState = iota
	StateGC
	StateParser
	StateCompiler
	StateOther
	StateExternal
	StateIdle
)

func (s VMState) String() string {
	switch s {
	case StateJS:
		return "js"
	case StateGC:
		return "gc"
	case StateParser:
		return "parser"
	case StateCompiler:
		return "compiler"
	case StateOther:
		return "other"
	case StateExternal:
		return "external"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// RegisterState is the machine state captured at interrupt time. A zero
// value asks the walker to use the context's current stack.
type RegisterState struct {
	PC uintptr
	SP uintptr
	FP uintptr
	LR uintptr
}

// SampleInfo is what a stack walk reports besides the frames themselves.
type SampleInfo struct {
	FrameCount       int
	VMState          VMState
	ExternalCallback uintptr
}

// StackWalker fills frames with program counters, innermost first.
// It must be safe to call from the interrupt path.
type StackWalker interface {
	SampleStack(regs RegisterState, frames []uintptr) SampleInfo
}

// CodeEventType tags a code-event.
type CodeEventType int

const (
	CodeAdded CodeEventType = iota
	CodeMoved
	CodeRemoved
	// CodeScriptID carries only a script id for an existing record.
	CodeScriptID
)

// CodeEvent describes a change to a region of generated code.
type CodeEvent struct {
	Type          CodeEventType
	Start         uint64
	PreviousStart uint64
	Size          uint64
	FunctionName  string
	ScriptName    string
	ScriptID      int
	Line          int
	Column        int
}

// CodeEventSource delivers code-events to a subscriber until unsubscribed.
// Events may arrive out of address order.
type CodeEventSource interface {
	SubscribeCodeEvents(fn func(CodeEvent)) (unsubscribe func())
}

// Clock is the runtime's monotonic high-resolution clock in microseconds.
// Engine sample timestamps are on this clock.
type Clock interface {
	Now() int64
}

// ThreadCPUClock reports the CPU time consumed by the context's thread.
type ThreadCPUClock interface {
	ThreadCPUTime() time.Duration
}

// ProfilingMode selects how the engine attributes line numbers.
type ProfilingMode int

const (
	LeafNodeLineNumbers ProfilingMode = iota
	CallerLineNumbers
)

// LineTick is a per-line hit count inside one node.
type LineTick struct {
	Line     int
	HitCount int
}

// ProfileNode is one node of the engine's aggregated call tree.
type ProfileNode interface {
	ID() int
	FunctionName() string
	ScriptName() string
	ScriptID() int
	LineNumber() int
	ColumnNumber() int
	HitCount() int
	Children() []ProfileNode
	LineTicks() []LineTick
}

// EngineProfile is a completed engine session.
type EngineProfile interface {
	Root() ProfileNode
	SamplesCount() int
	Sample(i int) ProfileNode
	SampleTimestamp(i int) int64
	StartTime() int64
	EndTime() int64
	Delete()
}

// Engine is the runtime's own sampling engine and tree builder.
type Engine interface {
	SetSamplingInterval(d time.Duration)
	Start(title string, mode ProfilingMode, recordSamples bool) error
	// Stop returns nil when no session with this title is running.
	Stop(title string) EngineProfile
	// CollectSample records a sample immediately without waiting for a tick.
	CollectSample()
	Dispose()
}

// ProfHandler is invoked on the interrupted execution context. It runs on
// the interrupt path.
type ProfHandler func(ctx ContextID, regs RegisterState)

// SignalTable installs the process-wide profiling interrupt handler and
// returns the one it replaced.
type SignalTable interface {
	SetProfHandler(h ProfHandler) (previous ProfHandler)
}

// Interrupter asks the runtime to run fn on the context's thread at its next
// safe point.
type Interrupter interface {
	RequestInterrupt(fn func())
}

// AsyncTracker exposes the runtime's async-flow bookkeeping.
type AsyncTracker interface {
	// AsyncID returns the id of the currently executing async resource, or
	// -1 when unknown.
	AsyncID() float64
	// CurrentFrame returns the continuation frame of the running code, or
	// nil outside any frame. It is safe on the interrupt path.
	CurrentFrame() AsyncFrame
}

// AsyncFrame is continuation-local storage owned by the runtime.
type AsyncFrame interface {
	// Data returns what SetData stored. It is safe on the interrupt path.
	Data() any
	SetData(v any)
	// OnCollected registers fn to run once the frame is finalized.
	OnCollected(fn func())
}

// GCNotifier reports garbage collection start and end.
type GCNotifier interface {
	OnGC(start, end func()) (remove func())
}

// CleanupHooks runs registered functions when the execution context is torn
// down.
type CleanupHooks interface {
	AddCleanupHook(fn func()) (remove func())
}

// Runtime is everything one execution context offers the profiler.
type Runtime interface {
	ID() ContextID
	StackWalker
	CodeEventSource
	Clock
	ThreadCPUClock
	Interrupter
	AsyncTracker
	GCNotifier
	CleanupHooks
	NewEngine() Engine
	IsMainThread() bool
}
