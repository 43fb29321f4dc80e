// Package translate converts the engine's call tree into the profile handed
// to callers, merging the context attributions made by the correlator.
package translate

import (
	"time"

	"github.com/coral-mesh/wallprof/internal/correlate"
	"github.com/coral-mesh/wallprof/internal/host"
)

// Node is one node of the output call tree.
type Node struct {
	Name       string
	ScriptName string
	ScriptID   int
	Line       int
	Column     int
	HitCount   int
	Children   []*Node
	Contexts   []correlate.TimedContext
	// CPUTime is the sum of the CPU deltas attributed to the node.
	CPUTime time.Duration
}

// Walk visits n and its descendants depth first, parents before children.
func (n *Node) Walk(fn func(n *Node, depth int)) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int), depth int) {
	fn(n, depth)
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}

// Profile is a translated engine profile.
type Profile struct {
	Root      *Node
	StartTime int64
	EndTime   int64
	// HasCPUTime is set when contexts carry CPU deltas.
	HasCPUTime bool
	// NonJSThreadsCPUTime is process CPU not spent on any profiled context.
	NonJSThreadsCPUTime time.Duration
}

// Duration returns the span covered by the profile.
func (p *Profile) Duration() time.Duration {
	return time.Duration(p.EndTime-p.StartTime) * time.Microsecond
}

// Options controls the translation.
type Options struct {
	// LineNumbers expands line ticks into per-line leaf nodes. The engine
	// must have run in caller line number mode.
	LineNumbers         bool
	HasCPUTime          bool
	NonJSThreadsCPUTime time.Duration
}

// TimeProfile translates p. When byNode is nil node hit counts are kept as
// reported by the engine. Otherwise hit counts come from the attributions
// and nodes without any are reported with zero hits: their samples were
// taken outside the interrupt handler.
func TimeProfile(p host.EngineProfile, opts Options, byNode correlate.ByNode) *Profile {
	t := translator{byNode: byNode}

	var root *Node
	if opts.LineNumbers {
		root = t.lineNumbersRoot(p.Root())
	} else {
		root = t.node(p.Root())
	}

	return &Profile{
		Root:                root,
		StartTime:           p.StartTime(),
		EndTime:             p.EndTime(),
		HasCPUTime:          opts.HasCPUTime,
		NonJSThreadsCPUTime: opts.NonJSThreadsCPUTime,
	}
}

type translator struct {
	byNode correlate.ByNode
}

func newNode(src host.ProfileNode) *Node {
	return &Node{
		Name:       src.FunctionName(),
		ScriptName: src.ScriptName(),
		ScriptID:   src.ScriptID(),
		Line:       src.LineNumber(),
		Column:     src.ColumnNumber(),
	}
}

func (t translator) node(src host.ProfileNode) *Node {
	n := newNode(src)
	n.HitCount = src.HitCount()
	if t.byNode != nil {
		n.HitCount = 0
		if info, ok := t.byNode[src]; ok {
			n.HitCount = info.HitCount
			n.Contexts = info.Contexts
			for _, c := range info.Contexts {
				n.CPUTime += c.CPUTime
			}
		}
	}

	children := src.Children()
	n.Children = make([]*Node, 0, len(children))
	for _, c := range children {
		n.Children = append(n.Children, t.node(c))
	}
	return n
}

// In caller line number mode a node's line and column are those of the call
// site in its parent. Each node is therefore re-attributed to its parent's
// function, and the node's own hits become per-line leaves.
func (t translator) lineNumbersRoot(src host.ProfileNode) *Node {
	root := newNode(src)
	for _, c := range src.Children() {
		root.Children = append(root.Children, t.lineNumberChildren(c)...)
	}
	return root
}

func (t translator) lineNumberChildren(src host.ProfileNode) []*Node {
	children := src.Children()
	ticks := src.LineTicks()
	out := make([]*Node, 0, len(children)+len(ticks)+1)

	switch {
	case len(ticks) > 0:
		for _, tick := range ticks {
			out = append(out, &Node{
				Name:       src.FunctionName(),
				ScriptName: src.ScriptName(),
				ScriptID:   src.ScriptID(),
				Line:       tick.Line,
				HitCount:   tick.HitCount,
			})
		}
	case src.HitCount() > 0:
		// Pseudo functions such as (program) have hits but no line ticks.
		self := newNode(src)
		self.HitCount = src.HitCount()
		out = append(out, self)
	}

	for _, c := range children {
		out = append(out, &Node{
			Name:       src.FunctionName(),
			ScriptName: src.ScriptName(),
			ScriptID:   src.ScriptID(),
			Line:       c.LineNumber(),
			Column:     c.ColumnNumber(),
			Children:   t.lineNumberChildren(c),
		})
	}
	return out
}

// TotalHitCount sums the hit counts of n and its descendants.
func TotalHitCount(n *Node) int {
	total := 0
	n.Walk(func(n *Node, _ int) { total += n.HitCount })
	return total
}

// TotalCPUTime sums the attributed CPU time of n and its descendants.
func TotalCPUTime(n *Node) time.Duration {
	var total time.Duration
	n.Walk(func(n *Node, _ int) { total += n.CPUTime })
	return total
}
