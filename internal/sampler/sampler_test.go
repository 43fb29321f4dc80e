package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/wallprof/internal/codemap"
	"github.com/coral-mesh/wallprof/internal/contexts"
	"github.com/coral-mesh/wallprof/internal/host"
	"github.com/coral-mesh/wallprof/internal/host/simhost"
	"github.com/coral-mesh/wallprof/internal/interrupt"
)

func newSampler(t *testing.T, cfg Config) (*simhost.Runtime, *Sampler) {
	t.Helper()
	proc := simhost.NewProcess(simhost.NewManualClock(0))
	rt := proc.NewRuntime(true)
	t.Cleanup(rt.Close)

	s, err := New(cfg, Deps{Runtime: rt, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return rt, s
}

var zeroRegs host.RegisterState

func names(locs []codemap.Record) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.FunctionName
	}
	return out
}

func TestSampler_CaptureAndSymbolize(t *testing.T) {
	rt, s := newSampler(t, Config{})
	main := rt.Compile("main", "app.js", 1, 1)
	work := rt.Compile("work", "app.js", 5, 1)
	require.NoError(t, s.Start(time.Millisecond))

	rt.SetStack(simhost.Call(main, work)...)
	for i := 0; i < 3; i++ {
		s.CaptureSample(zeroRegs)
	}
	assert.Equal(t, 3, s.ProcessSamples())

	samples := s.Samples()
	require.Len(t, samples, 3)
	for _, smp := range samples {
		assert.Equal(t, []string{"main", "work"}, names(smp.Locations), "root first")
	}
	assert.Empty(t, s.Samples(), "samples are drained")
	assert.Equal(t, uint64(3), s.Stats().Captured)
}

func TestSampler_IdleCPUFoldsIntoNextSample(t *testing.T) {
	rt, s := newSampler(t, Config{})
	work := rt.Compile("work", "app.js", 5, 1)
	require.NoError(t, s.Start(time.Millisecond))

	rt.Burn(5 * time.Millisecond)
	rt.SetIdle(true)
	rt.SetStack(simhost.Call(work)...)
	s.CaptureSample(zeroRegs)

	rt.SetIdle(false)
	rt.Burn(3 * time.Millisecond)
	s.CaptureSample(zeroRegs)

	rt.Burn(time.Millisecond)
	s.CaptureSample(zeroRegs)

	s.ProcessSamples()
	samples := s.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, 8*time.Millisecond, samples[0].CPUTime)
	assert.Equal(t, time.Millisecond, samples[1].CPUTime)
	assert.Equal(t, uint64(1), s.Stats().Idle)
}

func TestSampler_EmptyStackIsDiscarded(t *testing.T) {
	rt, s := newSampler(t, Config{})
	require.NoError(t, s.Start(time.Millisecond))
	rt.SetStack()
	s.CaptureSample(zeroRegs)
	assert.Equal(t, 0, s.ProcessSamples())
	assert.Equal(t, uint64(1), s.Stats().Idle)
}

func TestSampler_FullBufferDrops(t *testing.T) {
	rt, s := newSampler(t, Config{BufferSize: 2})
	work := rt.Compile("work", "app.js", 5, 1)
	require.NoError(t, s.Start(time.Millisecond))
	rt.SetStack(simhost.Call(work)...)

	for i := 0; i < 3; i++ {
		rt.Burn(time.Millisecond)
		s.CaptureSample(zeroRegs)
	}
	assert.Equal(t, uint64(1), s.Stats().Dropped)
	assert.Equal(t, 2, s.ProcessSamples())

	rt.Burn(time.Millisecond)
	s.CaptureSample(zeroRegs)
	s.ProcessSamples()
	samples := s.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, 2*time.Millisecond, samples[2].CPUTime, "dropped sample's CPU goes to the next one")
}

func TestSampler_UnresolvedFramesAreSkipped(t *testing.T) {
	rt, s := newSampler(t, Config{})
	main := rt.Compile("main", "app.js", 1, 1)
	gone := rt.Compile("gone", "app.js", 5, 1)
	require.NoError(t, s.Start(time.Millisecond))

	rt.SetStack(simhost.Call(main, gone)...)
	s.CaptureSample(zeroRegs)
	rt.Unload(gone)
	s.ProcessSamples()

	samples := s.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, []string{"main"}, names(samples[0].Locations))
	assert.Equal(t, uint64(1), s.Stats().Unresolved)
}

func TestSampler_ExternalCallbackIsInnermost(t *testing.T) {
	rt, s := newSampler(t, Config{})
	main := rt.Compile("main", "app.js", 1, 1)
	native := rt.Compile("readFile", "fs.js", 1, 1)
	require.NoError(t, s.Start(time.Millisecond))

	rt.SetStack(simhost.Call(main)...)
	rt.SetExternalCallback(native.PC())
	s.CaptureSample(zeroRegs)
	s.ProcessSamples()

	samples := s.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, []string{"main", "readFile"}, names(samples[0].Locations))
}

func TestSampler_Labels(t *testing.T) {
	rt, s := newSampler(t, Config{})
	work := rt.Compile("work", "app.js", 5, 1)
	require.NoError(t, s.Start(time.Millisecond))
	rt.SetStack(simhost.Call(work)...)

	h := contexts.NewHandle(map[string]string{"route": "/"}, nil)
	s.SetLabels(h)
	assert.Same(t, h, s.Labels())
	s.CaptureSample(zeroRegs)
	assert.Equal(t, 3, h.Refs())

	s.SetLabels(nil)
	s.CaptureSample(zeroRegs)
	s.ProcessSamples()

	samples := s.Samples()
	require.Len(t, samples, 2)
	assert.Same(t, h, samples[0].Labels)
	assert.Nil(t, samples[1].Labels)

	samples[0].Labels.Release()
	assert.Equal(t, 1, h.Refs())
}

func TestSampler_Lifecycle(t *testing.T) {
	_, s := newSampler(t, Config{})
	assert.Error(t, s.Start(0))
	require.NoError(t, s.Start(time.Millisecond))
	assert.ErrorIs(t, s.Start(time.Millisecond), ErrRunning)
	assert.Equal(t, time.Millisecond, s.Period())

	s.Stop()
	s.Stop()
	assert.Equal(t, time.Duration(0), s.Period())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(time.Millisecond), ErrClosed)
}

func TestSampler_ProfileSpansCalls(t *testing.T) {
	rt, s := newSampler(t, Config{})
	work := rt.Compile("work", "app.js", 5, 1)
	require.NoError(t, s.Start(time.Millisecond))
	rt.SetStack(simhost.Call(work)...)
	s.CaptureSample(zeroRegs)

	first := s.Profile()
	assert.Len(t, first.Samples, 1)
	assert.Less(t, first.Start, first.End)

	second := s.Profile()
	assert.Empty(t, second.Samples)
	assert.Equal(t, first.End, second.Start)
}

func TestSampler_EngineSourceEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end sampler test in short mode")
	}
	proc := simhost.NewProcess(simhost.NewMonotonicClock())
	rt := proc.NewRuntime(true)
	defer rt.Close()

	w := simhost.NewWorkload(rt, simhost.WorkloadConfig{Seed: 7})
	s, err := New(Config{}, Deps{
		Runtime:  rt,
		CodeMaps: codemap.NewShared(zerolog.Nop()),
		Source:   interrupt.NewEngineSource(rt),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Start(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx, nil))
	s.Stop()

	samples := s.Samples()
	require.NotEmpty(t, samples)

	known := map[string]bool{}
	for _, fn := range w.Functions() {
		known[fn.Name] = true
	}
	for _, smp := range samples {
		require.NotEmpty(t, smp.Locations)
		assert.Equal(t, "main", smp.Locations[0].FunctionName)
		for _, loc := range smp.Locations {
			assert.True(t, known[loc.FunctionName], loc.FunctionName)
		}
	}
	assert.NotEmpty(t, Aggregate(samples))
}

func TestAggregate(t *testing.T) {
	a := codemap.Record{Start: 0x100, Size: 0x10, FunctionName: "a", ScriptName: "x.js", Line: 1}
	b := codemap.Record{Start: 0x200, Size: 0x10, FunctionName: "b", ScriptName: "x.js", Line: 2}
	moved := b
	moved.Start = 0x900

	stacks := Aggregate([]Sample{
		{Locations: []codemap.Record{a}, CPUTime: time.Millisecond},
		{Locations: []codemap.Record{a, b}, CPUTime: time.Millisecond},
		{Locations: []codemap.Record{a, moved}, CPUTime: 2 * time.Millisecond},
	})
	require.Len(t, stacks, 2)
	assert.Equal(t, 2, stacks[0].Count)
	assert.Equal(t, 3*time.Millisecond, stacks[0].CPUTime)
	assert.Equal(t, []string{"a", "b"}, names(stacks[0].Locations))
	assert.NotEqual(t, StackHash([]codemap.Record{a, b}), StackHash([]codemap.Record{b, a}))
}
