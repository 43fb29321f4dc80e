package simhost

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coral-mesh/wallprof/internal/host"
)

// Names of the engine's pseudo functions.
const (
	RootName    = "(root)"
	ProgramName = "(program)"
	IdleName    = "(idle)"
	GCName      = "(garbage collector)"
)

// Engine is a sampling engine bound to one runtime. Several sessions can run
// at once; each tick is recorded into all of them.
type Engine struct {
	rt *Runtime

	mu       sync.Mutex
	interval time.Duration
	sessions map[string]*session
	disposed bool

	stopTicker chan struct{}
	tickerDone chan struct{}
}

func newEngine(rt *Runtime) *Engine {
	return &Engine{
		rt:       rt,
		interval: time.Millisecond,
		sessions: make(map[string]*session),
	}
}

// SetSamplingInterval sets the tick period used by automatic ticking.
func (e *Engine) SetSamplingInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = d
}

// Start opens a session. It records one non-tick sample of the current
// stack.
func (e *Engine) Start(title string, mode host.ProfilingMode, recordSamples bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return fmt.Errorf("engine disposed")
	}
	if _, ok := e.sessions[title]; ok {
		return fmt.Errorf("profile %q already started", title)
	}

	s := newSession(title, mode, recordSamples, e.rt.Now())
	e.sessions[title] = s
	s.record(e.rt, false)

	if len(e.sessions) == 1 {
		e.rt.attach(e)
		if e.rt.proc.autoTick {
			e.startTickerLocked()
		}
	}
	return nil
}

// Stop closes a session and returns its profile.
func (e *Engine) Stop(title string) host.EngineProfile {
	e.mu.Lock()
	s, ok := e.sessions[title]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.sessions, title)
	s.end = e.rt.Now()
	last := len(e.sessions) == 0
	var stop chan struct{}
	var done chan struct{}
	if last {
		stop, done = e.stopTicker, e.tickerDone
		e.stopTicker, e.tickerDone = nil, nil
	}
	e.mu.Unlock()

	if last {
		e.rt.detach(e)
		if stop != nil {
			close(stop)
			<-done
		}
	}
	return s.profile()
}

// CollectSample records a non-tick sample into every session.
func (e *Engine) CollectSample() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.record(e.rt, false)
	}
}

// Dispose stops every session and releases the engine.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	titles := make([]string, 0, len(e.sessions))
	for t := range e.sessions {
		titles = append(titles, t)
	}
	e.mu.Unlock()

	for _, t := range titles {
		e.Stop(t)
	}

	e.mu.Lock()
	e.disposed = true
	e.mu.Unlock()
}

// Sessions returns how many sessions are running.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) tick() {
	if e.rt.stalled.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	invert := e.rt.invertNext.Swap(false)
	for _, s := range e.sessions {
		s.record(e.rt, true)
		if invert {
			s.invertLast()
		}
	}
}

func (e *Engine) startTickerLocked() {
	interval := e.rt.proc.tickInterval(e.interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	e.stopTicker, e.tickerDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.rt.Interrupt()
			}
		}
	}()
}

type nodeKey struct {
	fn   *Function
	name string
	line int
}

type node struct {
	id       int
	name     string
	script   string
	scriptID int
	line     int
	column   int
	hits     int
	children []*node
	index    map[nodeKey]*node
	ticks    map[int]int
}

func (n *node) child(key nodeKey, mk func() *node) *node {
	if c, ok := n.index[key]; ok {
		return c
	}
	c := mk()
	if n.index == nil {
		n.index = make(map[nodeKey]*node)
	}
	n.index[key] = c
	n.children = append(n.children, c)
	return c
}

func (n *node) ID() int              { return n.id }
func (n *node) FunctionName() string { return n.name }
func (n *node) ScriptName() string   { return n.script }
func (n *node) ScriptID() int        { return n.scriptID }
func (n *node) LineNumber() int      { return n.line }
func (n *node) ColumnNumber() int    { return n.column }
func (n *node) HitCount() int        { return n.hits }

func (n *node) Children() []host.ProfileNode {
	out := make([]host.ProfileNode, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

func (n *node) LineTicks() []host.LineTick {
	out := make([]host.LineTick, 0, len(n.ticks))
	for line, hits := range n.ticks {
		out = append(out, host.LineTick{Line: line, HitCount: hits})
	}
	slices.SortFunc(out, func(a, b host.LineTick) int { return a.Line - b.Line })
	return out
}

type session struct {
	title   string
	mode    host.ProfilingMode
	records bool
	root    *node
	nextID  int

	samples    []*node
	timestamps []int64
	start, end int64
}

func newSession(title string, mode host.ProfilingMode, records bool, start int64) *session {
	s := &session{title: title, mode: mode, records: records, start: start}
	s.root = s.newNode(RootName, "", 0, 0, 0)
	return s
}

func (s *session) newNode(name, script string, scriptID, line, column int) *node {
	s.nextID++
	return &node{id: s.nextID, name: name, script: script, scriptID: scriptID, line: line, column: column}
}

func (s *session) pseudo(name string) *node {
	return s.root.child(nodeKey{name: name}, func() *node { return s.newNode(name, "", 0, 0, 0) })
}

// record walks the current stack into the tree. Ticks add a hit to the
// leaf; non-tick samples only appear in the sample list.
func (s *session) record(rt *Runtime, isTick bool) {
	var leaf *node
	leafLine := 0

	stack := rt.Stack()
	switch {
	case rt.idle.Load():
		leaf = s.pseudo(IdleName)
	case rt.inGC.Load():
		leaf = s.pseudo(GCName)
	case len(stack) == 0:
		leaf = s.pseudo(ProgramName)
	default:
		n := s.root
		callerLine := 0
		for _, f := range stack {
			fn := f.Fn
			key := nodeKey{fn: fn}
			line := fn.Line
			if s.mode == host.CallerLineNumbers {
				key.line = callerLine
				line = callerLine
			}
			n = n.child(key, func() *node {
				return s.newNode(fn.Name, fn.Script, fn.ScriptID, line, fn.Column)
			})
			callerLine = f.Line
		}
		leaf = n
		leafLine = stack[len(stack)-1].Line
	}

	if isTick {
		leaf.hits++
		if leafLine > 0 {
			if leaf.ticks == nil {
				leaf.ticks = make(map[int]int)
			}
			leaf.ticks[leafLine]++
		}
	}
	if s.records {
		s.samples = append(s.samples, leaf)
		s.timestamps = append(s.timestamps, rt.Now())
	}
}

func (s *session) invertLast() {
	n := len(s.timestamps)
	if n < 2 {
		return
	}
	s.timestamps[n-1], s.timestamps[n-2] = s.timestamps[n-2], s.timestamps[n-1]
}

func (s *session) profile() *Profile {
	return &Profile{
		title:      s.title,
		root:       s.root,
		samples:    s.samples,
		timestamps: s.timestamps,
		start:      s.start,
		end:        s.end,
	}
}

// Profile is a stopped engine session.
type Profile struct {
	title      string
	root       *node
	samples    []*node
	timestamps []int64
	start, end int64
	deleted    bool
}

func (p *Profile) Root() host.ProfileNode        { return p.root }
func (p *Profile) SamplesCount() int             { return len(p.samples) }
func (p *Profile) Sample(i int) host.ProfileNode { return p.samples[i] }
func (p *Profile) SampleTimestamp(i int) int64   { return p.timestamps[i] }
func (p *Profile) StartTime() int64              { return p.start }
func (p *Profile) EndTime() int64                { return p.end }
func (p *Profile) Title() string                 { return p.title }

// Delete releases the profile's samples.
func (p *Profile) Delete() {
	p.deleted = true
	p.samples = nil
	p.timestamps = nil
}

// Deleted reports whether Delete was called.
func (p *Profile) Deleted() bool { return p.deleted }
