package simhost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/wallprof/internal/host"
)

func newTestRuntime(t *testing.T) (*Process, *Runtime) {
	t.Helper()
	p := NewProcess(NewManualClock(1_000_000))
	rt := p.NewRuntime(true)
	t.Cleanup(rt.Close)
	return p, rt
}

func TestManualClock_StrictlyIncreasing(t *testing.T) {
	c := NewManualClock(0)
	a := c.Now()
	b := c.Now()
	assert.Less(t, a, b)

	c.Advance(time.Millisecond)
	assert.GreaterOrEqual(t, c.Now()-b, int64(1000))
}

func TestEngine_TicksBuildTree(t *testing.T) {
	_, rt := newTestRuntime(t)
	main := rt.Compile("main", "app.js", 1, 1)
	work := rt.Compile("work", "app.js", 10, 1)

	e := rt.NewEngine()
	require.NoError(t, e.Start("p", host.LeafNodeLineNumbers, true))
	assert.Error(t, e.Start("p", host.LeafNodeLineNumbers, true))

	rt.SetStack(Call(main, work)...)
	for i := 0; i < 5; i++ {
		rt.Interrupt()
	}
	rt.SetStack()
	rt.Interrupt()
	rt.SetIdle(true)
	rt.Interrupt()

	prof := e.Stop("p")
	require.NotNil(t, prof)
	assert.Nil(t, e.Stop("p"))

	// start sample + 7 ticks
	assert.Equal(t, 8, prof.SamplesCount())
	root := prof.Root()
	assert.Equal(t, RootName, root.FunctionName())

	byName := map[string]host.ProfileNode{}
	var walk func(n host.ProfileNode)
	walk = func(n host.ProfileNode) {
		byName[n.FunctionName()] = n
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)

	assert.Equal(t, 5, byName["work"].HitCount())
	assert.Equal(t, 0, byName["main"].HitCount())
	assert.Equal(t, 1, byName[ProgramName].HitCount())
	assert.Equal(t, 1, byName[IdleName].HitCount())
	assert.Equal(t, []host.LineTick{{Line: 10, HitCount: 5}}, byName["work"].LineTicks())

	for i := 1; i < prof.SamplesCount(); i++ {
		assert.Less(t, prof.SampleTimestamp(i-1), prof.SampleTimestamp(i))
	}
}

func TestEngine_StallDropsTicks(t *testing.T) {
	_, rt := newTestRuntime(t)
	e := rt.NewEngine()
	require.NoError(t, e.Start("p", host.LeafNodeLineNumbers, true))
	rt.InjectStall(true)
	rt.Interrupt()
	rt.Interrupt()
	prof := e.Stop("p")
	assert.Equal(t, 1, prof.SamplesCount())
	assert.Equal(t, 0, prof.Root().HitCount())
}

func TestEngine_InjectInversion(t *testing.T) {
	_, rt := newTestRuntime(t)
	e := rt.NewEngine()
	require.NoError(t, e.Start("p", host.LeafNodeLineNumbers, true))
	rt.Interrupt()
	rt.InjectInversion()
	rt.Interrupt()
	prof := e.Stop("p")
	require.Equal(t, 3, prof.SamplesCount())
	assert.Greater(t, prof.SampleTimestamp(1), prof.SampleTimestamp(2))
}

func TestEngine_CallerLineNumbers(t *testing.T) {
	_, rt := newTestRuntime(t)
	main := rt.Compile("main", "app.js", 1, 1)
	work := rt.Compile("work", "app.js", 10, 1)

	rt.SetStack(Frame{Fn: main, Line: 3}, Frame{Fn: work, Line: 12})
	e := rt.NewEngine()
	require.NoError(t, e.Start("p", host.CallerLineNumbers, false))
	rt.Interrupt()
	rt.SetStack(Frame{Fn: main, Line: 4}, Frame{Fn: work, Line: 12})
	rt.Interrupt()
	prof := e.Stop("p")

	mainNode := prof.Root().Children()[0]
	require.Len(t, mainNode.Children(), 2, "calls from different lines are distinct nodes")
	assert.Equal(t, 3, mainNode.Children()[0].LineNumber())
	assert.Equal(t, 4, mainNode.Children()[1].LineNumber())
}

func TestProcess_SignalTableChaining(t *testing.T) {
	p, rt := newTestRuntime(t)
	e := rt.NewEngine()
	require.NoError(t, e.Start("p", host.LeafNodeLineNumbers, true))

	var seen []host.ContextID
	var prev host.ProfHandler
	prev = p.SetProfHandler(func(id host.ContextID, regs host.RegisterState) {
		seen = append(seen, id)
		prev(id, regs)
	})
	require.NotNil(t, prev)

	rt.Interrupt()
	restored := p.SetProfHandler(prev)
	require.NotNil(t, restored)
	rt.Interrupt()

	assert.Equal(t, []host.ContextID{rt.ID()}, seen)
	assert.Equal(t, 3, e.Stop("p").SamplesCount())
	assert.Equal(t, uint64(2), p.Delivered())
}

func TestRuntime_CodeEvents(t *testing.T) {
	_, rt := newTestRuntime(t)
	f := rt.Compile("f", "a.js", 1, 1)

	var events []host.CodeEvent
	unsubscribe := rt.SubscribeCodeEvents(func(ev host.CodeEvent) { events = append(events, ev) })
	require.Len(t, events, 1, "existing code is replayed")
	assert.Equal(t, host.CodeAdded, events[0].Type)

	prev := f.Start()
	rt.Relocate(f)
	rt.AssignScriptID(f, 9)
	rt.Unload(f)
	unsubscribe()
	rt.Compile("g", "a.js", 2, 1)

	require.Len(t, events, 4)
	assert.Equal(t, host.CodeMoved, events[1].Type)
	assert.Equal(t, prev, events[1].PreviousStart)
	assert.Equal(t, f.Start(), events[1].Start)
	assert.Equal(t, host.CodeScriptID, events[2].Type)
	assert.Equal(t, host.CodeRemoved, events[3].Type)
}

func TestRuntime_SampleStack(t *testing.T) {
	_, rt := newTestRuntime(t)
	a := rt.Compile("a", "x.js", 1, 1)
	b := rt.Compile("b", "x.js", 2, 1)
	rt.SetStack(Call(a, b)...)

	frames := make([]uintptr, 1)
	info := rt.SampleStack(host.RegisterState{}, frames)
	assert.Equal(t, 1, info.FrameCount)
	assert.Equal(t, b.PC(), frames[0], "innermost first")
	assert.Equal(t, host.StateJS, info.VMState)

	rt.SetIdle(true)
	assert.Equal(t, host.StateIdle, rt.SampleStack(host.RegisterState{}, frames).VMState)
}

func TestRuntime_AsyncFramesAndGC(t *testing.T) {
	_, rt := newTestRuntime(t)
	assert.Nil(t, rt.CurrentFrame())

	f := NewAsyncFrame()
	rt.EnterAsyncFrame(f)
	cur := rt.CurrentFrame()
	require.NotNil(t, cur)
	cur.SetData(42)
	assert.Equal(t, 42, f.Data())

	collected := 0
	f.OnCollected(func() { collected++ })
	rt.CollectAsyncFrame(f)
	rt.CollectAsyncFrame(f)
	assert.Equal(t, 1, collected)
	assert.Nil(t, rt.CurrentFrame())

	var order []string
	remove := rt.OnGC(func() { order = append(order, "start") }, func() { order = append(order, "end") })
	rt.RunGC(func() { order = append(order, "during") })
	remove()
	rt.RunGC(nil)
	assert.Equal(t, []string{"start", "during", "end"}, order)
}

func TestRuntime_RequestInterruptRunsAtSafepoint(t *testing.T) {
	_, rt := newTestRuntime(t)
	ran := 0
	rt.RequestInterrupt(func() { ran++ })
	assert.Equal(t, 0, ran)
	assert.Equal(t, 1, rt.Safepoint())
	assert.Equal(t, 1, ran)
}

func TestRuntime_CloseRunsCleanupHooks(t *testing.T) {
	p := NewProcess(NewManualClock(0))
	rt := p.NewRuntime(false)
	e := rt.NewEngine()
	require.NoError(t, e.Start("p", host.LeafNodeLineNumbers, false))

	called := 0
	rt.AddCleanupHook(func() { called++ })
	rt.Close()
	rt.Close()

	assert.Equal(t, 1, called)
	assert.Nil(t, e.Stop("p"), "engine sessions are stopped on close")
}

func TestEngine_AutoTick(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timing test in short mode")
	}
	p := NewProcess(NewMonotonicClock(), WithAutoTick())
	rt := p.NewRuntime(true)
	defer rt.Close()

	e := rt.NewEngine()
	e.SetSamplingInterval(time.Millisecond)
	require.NoError(t, e.Start("p", host.LeafNodeLineNumbers, true))

	w := NewWorkload(rt, WorkloadConfig{Seed: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx, nil))

	prof := e.Stop("p")
	assert.Greater(t, prof.SamplesCount(), 5)
}
