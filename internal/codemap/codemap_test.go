package codemap

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/wallprof/internal/host"
)

type fakeSource struct {
	mu          sync.Mutex
	subscribers map[int]func(host.CodeEvent)
	next        int
	subscribes  int
	cleanups    []func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{subscribers: make(map[int]func(host.CodeEvent))}
}

func (f *fakeSource) SubscribeCodeEvents(fn func(host.CodeEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subscribes++
	f.subscribers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subscribers, id)
	}
}

func (f *fakeSource) AddCleanupHook(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, fn)
	return func() {}
}

// teardown runs the cleanup hooks as a closing context would.
func (f *fakeSource) teardown() {
	f.mu.Lock()
	hooks := f.cleanups
	f.cleanups = nil
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *fakeSource) emit(ev host.CodeEvent) {
	f.mu.Lock()
	subs := make([]func(host.CodeEvent), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeSource) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func TestCodeMap_OverlapEvictsWholeRecord(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.Add(0x1000, Record{Size: 0x100, FunctionName: "foo"})
	m.Add(0x1050, Record{Size: 0x100, FunctionName: "bar"})

	rec, ok := m.Lookup(0x1010)
	if ok {
		assert.Equal(t, "bar", rec.FunctionName)
	}

	rec, ok = m.Lookup(0x1060)
	require.True(t, ok)
	assert.Equal(t, "bar", rec.FunctionName)
	assert.Equal(t, 1, m.Len())
}

func TestCodeMap_LookupBoundaries(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.Add(0x2000, Record{Size: 0x10, FunctionName: "a"})
	m.Add(0x3000, Record{Size: 0x10, FunctionName: "b"})

	tests := []struct {
		addr uint64
		want string
	}{
		{0x1fff, ""},
		{0x2000, "a"},
		{0x200f, "a"},
		{0x2010, ""},
		{0x2fff, ""},
		{0x3000, "b"},
		{0x3010, ""},
	}
	for _, tt := range tests {
		rec, ok := m.Lookup(tt.addr)
		if tt.want == "" {
			assert.False(t, ok, "addr %#x", tt.addr)
			continue
		}
		require.True(t, ok, "addr %#x", tt.addr)
		assert.Equal(t, tt.want, rec.FunctionName)
	}
}

func TestCodeMap_AddSpanningSeveralRecords(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.Add(0x100, Record{Size: 0x20, FunctionName: "a"})
	m.Add(0x140, Record{Size: 0x20, FunctionName: "b"})
	m.Add(0x180, Record{Size: 0x20, FunctionName: "c"})
	m.Add(0x200, Record{Size: 0x20, FunctionName: "d"})

	m.Add(0x110, Record{Size: 0x80, FunctionName: "big"})

	names := make([]string, 0)
	for _, r := range m.Entries() {
		names = append(names, r.FunctionName)
	}
	assert.Equal(t, []string{"big", "d"}, names)
}

func TestCodeMap_SameStartReplaces(t *testing.T) {
	m := New(nil, zerolog.Nop())
	m.Add(0x100, Record{Size: 0x20, FunctionName: "old"})
	m.Add(0x100, Record{Size: 0x10, FunctionName: "new"})

	rec, ok := m.Lookup(0x118)
	assert.False(t, ok, "old tail must be unreachable, got %+v", rec)
	rec, ok = m.Lookup(0x100)
	require.True(t, ok)
	assert.Equal(t, "new", rec.FunctionName)
}

func TestCodeMap_RandomInsertionsNeverOverlap(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	m := New(nil, zerolog.Nop())

	type inserted struct {
		rec Record
		seq int
	}
	var all []inserted

	for i := 0; i < 2000; i++ {
		start := uint64(rng.IntN(0x4000))
		size := uint64(rng.IntN(0x80) + 1)
		rec := Record{Start: start, Size: size, Line: i}
		m.Add(start, rec)
		all = append(all, inserted{rec: rec, seq: i})

		entries := m.Entries()
		for j := 1; j < len(entries); j++ {
			require.LessOrEqual(t, entries[j-1].End(), entries[j].Start,
				"overlap after insert %d: %+v %+v", i, entries[j-1], entries[j])
		}
	}

	// Every record overlapped by a later insertion is unreachable.
	for i, a := range all {
		superseded := false
		for _, b := range all[i+1:] {
			if a.rec.Start < b.rec.End() && b.rec.Start < a.rec.End() {
				superseded = true
				break
			}
		}
		if !superseded {
			continue
		}
		for addr := a.rec.Start; addr < a.rec.End(); addr++ {
			got, ok := m.Lookup(addr)
			if ok {
				require.NotEqual(t, a.rec.Line, got.Line, "superseded record %d reachable at %#x", a.seq, addr)
			}
		}
	}
}

func TestCodeMap_HandleEvents(t *testing.T) {
	m := New(nil, zerolog.Nop())

	m.HandleEvent(host.CodeEvent{Type: host.CodeAdded, Start: 0x1000, Size: 0x40, FunctionName: "f"})
	m.HandleEvent(host.CodeEvent{Type: host.CodeScriptID, Start: 0x1000, ScriptID: 7})
	rec, ok := m.Lookup(0x1010)
	require.True(t, ok)
	assert.Equal(t, 7, rec.ScriptID)

	m.HandleEvent(host.CodeEvent{
		Type: host.CodeMoved, PreviousStart: 0x1000, Start: 0x8000, Size: 0x40, FunctionName: "f", ScriptID: 7,
	})
	_, ok = m.Lookup(0x1010)
	assert.False(t, ok, "moved code must not stay reachable at its previous address")
	rec, ok = m.Lookup(0x8010)
	require.True(t, ok)
	assert.Equal(t, "f", rec.FunctionName)

	m.HandleEvent(host.CodeEvent{Type: host.CodeRemoved, Start: 0x8000})
	assert.Equal(t, 0, m.Len())
}

func TestCodeMap_EnableDisableRefCounted(t *testing.T) {
	src := newFakeSource()
	m := New(src, zerolog.Nop())

	m.Enable()
	m.Enable()
	assert.Equal(t, 1, src.subscribes)
	assert.True(t, m.Enabled())

	src.emit(host.CodeEvent{Type: host.CodeAdded, Start: 0x10, Size: 0x10, FunctionName: "x"})
	assert.Equal(t, 1, m.Len())

	m.Disable()
	assert.Equal(t, 1, src.active())
	assert.Equal(t, 1, m.Len())

	m.Disable()
	assert.Equal(t, 0, src.active())
	assert.Equal(t, 0, m.Len(), "last disable clears the map")
	assert.False(t, m.Enabled())

	// Unbalanced disable is ignored.
	m.Disable()
	assert.False(t, m.Enabled())
}

func TestShared_OneMapPerContext(t *testing.T) {
	src := newFakeSource()
	s := NewShared(zerolog.Nop())

	a := s.For(1, src)
	b := s.For(1, src)
	c := s.For(2, newFakeSource())
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	a.Enable()
	a.Add(0x10, Record{Size: 1})
	require.Equal(t, 1, src.active())

	src.teardown()
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 0, src.active(), "teardown drops the subscription")
	assert.False(t, a.Enabled())
	assert.NotSame(t, a, s.For(1, src))
	assert.Same(t, c, s.For(2, nil), "other contexts keep their map")
}

// gatedSource blocks inside SubscribeCodeEvents until released.
type gatedSource struct {
	*fakeSource
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) SubscribeCodeEvents(fn func(host.CodeEvent)) func() {
	close(g.entered)
	<-g.release
	return g.fakeSource.SubscribeCodeEvents(fn)
}

func TestCodeMap_DisableDuringSubscribe(t *testing.T) {
	src := &gatedSource{
		fakeSource: newFakeSource(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	m := New(src, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Enable()
	}()
	<-src.entered
	go func() {
		defer wg.Done()
		m.Disable()
	}()
	time.Sleep(10 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.False(t, m.Enabled())
	assert.Equal(t, 0, src.active(), "the subscription must not outlive the last Disable")
}
