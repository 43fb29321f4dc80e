// Package pprofexport converts wall and CPU profiles to the pprof format.
package pprofexport

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/pprof/profile"

	"github.com/coral-mesh/wallprof/internal/codemap"
	"github.com/coral-mesh/wallprof/internal/contexts"
	"github.com/coral-mesh/wallprof/internal/sampler"
	"github.com/coral-mesh/wallprof/internal/translate"
)

// NonJSThreadsName is the function that carries the CPU time of threads no
// profiler covers.
const NonJSThreadsName = "Non JS threads activity"

// LabelSet is implemented by context values that should become pprof
// labels.
type LabelSet interface {
	Labels() map[string]string
}

// Labels is a ready-made LabelSet.
type Labels map[string]string

// Labels returns l.
func (l Labels) Labels() map[string]string { return l }

// Options controls the conversion.
type Options struct {
	// Period is the sampling interval; each sample accounts for one period
	// of wall time.
	Period time.Duration
	// Start is the wall clock time the profile began.
	Start time.Time
}

type funcKey struct {
	name     string
	script   string
	scriptID int
}

type locKey struct {
	fn     uint64
	line   int
	column int
}

type builder struct {
	prof      *profile.Profile
	functions map[funcKey]*profile.Function
	locations map[locKey]*profile.Location
}

func newBuilder(p *profile.Profile) *builder {
	return &builder{
		prof:      p,
		functions: make(map[funcKey]*profile.Function),
		locations: make(map[locKey]*profile.Location),
	}
}

func (b *builder) location(name, script string, scriptID, line, column int) *profile.Location {
	fk := funcKey{name: name, script: script, scriptID: scriptID}
	fn, ok := b.functions[fk]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(b.prof.Function) + 1),
			Name:       name,
			SystemName: name,
			Filename:   script,
		}
		b.functions[fk] = fn
		b.prof.Function = append(b.prof.Function, fn)
	}

	lk := locKey{fn: fn.ID, line: line, column: column}
	loc, ok := b.locations[lk]
	if !ok {
		loc = &profile.Location{
			ID:   uint64(len(b.prof.Location) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(line), Column: int64(column)}},
		}
		b.locations[lk] = loc
		b.prof.Location = append(b.prof.Location, loc)
	}
	return loc
}

// FromTimeProfile converts a wall profile. Nodes with contexts yield one
// sample per context; other nodes yield one sample weighted by their hit
// count.
func FromTimeProfile(p *translate.Profile, opts Options) (*profile.Profile, error) {
	if p == nil || p.Root == nil {
		return nil, fmt.Errorf("empty wall profile")
	}
	if opts.Period <= 0 {
		return nil, fmt.Errorf("invalid sampling period %v", opts.Period)
	}

	out := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "sample", Unit: "count"},
			{Type: "wall", Unit: "nanoseconds"},
		},
		PeriodType:    &profile.ValueType{Type: "wall", Unit: "nanoseconds"},
		Period:        opts.Period.Nanoseconds(),
		DurationNanos: p.Duration().Nanoseconds(),
	}
	if !opts.Start.IsZero() {
		out.TimeNanos = opts.Start.UnixNano()
	}
	if p.HasCPUTime {
		out.SampleType = append(out.SampleType, &profile.ValueType{Type: "cpu", Unit: "nanoseconds"})
	}
	period := opts.Period.Nanoseconds()

	values := func(count int64, cpu time.Duration) []int64 {
		v := []int64{count, count * period}
		if p.HasCPUTime {
			v = append(v, cpu.Nanoseconds())
		}
		return v
	}

	b := newBuilder(out)
	var stack []*profile.Location
	var walk func(n *translate.Node)
	walk = func(n *translate.Node) {
		stack = append(stack, b.location(n.Name, n.ScriptName, n.ScriptID, n.Line, n.Column))
		leafFirst := reversed(stack)

		switch {
		case len(n.Contexts) > 0:
			for _, c := range n.Contexts {
				s := &profile.Sample{
					Location: leafFirst,
					Value:    values(1, c.CPUTime),
					NumLabel: map[string][]int64{"end_timestamp_ns": {c.Timestamp * 1000}},
				}
				if c.HasAsyncID {
					s.NumLabel["async_id"] = []int64{int64(c.AsyncID)}
				}
				s.Label = labelsOf(c.Context)
				out.Sample = append(out.Sample, s)
			}
		case n.HitCount > 0:
			out.Sample = append(out.Sample, &profile.Sample{
				Location: leafFirst,
				Value:    values(int64(n.HitCount), n.CPUTime),
			})
		}

		for _, c := range n.Children {
			walk(c)
		}
		stack = stack[:len(stack)-1]
	}
	for _, c := range p.Root.Children {
		walk(c)
	}

	if p.HasCPUTime && p.NonJSThreadsCPUTime > 0 {
		loc := b.location(NonJSThreadsName, "", 0, 0, 0)
		out.Sample = append(out.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{0, 0, p.NonJSThreadsCPUTime.Nanoseconds()},
		})
	}

	if err := out.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid pprof profile: %w", err)
	}
	return out, nil
}

// FromSamples converts the CPU sampler's output. Each sample becomes one
// pprof sample with its CPU time; labels come from LabelSet contexts.
func FromSamples(cpu *sampler.CPUProfile, opts Options) (*profile.Profile, error) {
	if cpu == nil {
		return nil, fmt.Errorf("empty cpu profile")
	}
	if opts.Period <= 0 {
		return nil, fmt.Errorf("invalid sampling period %v", opts.Period)
	}

	out := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType:    &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:        opts.Period.Nanoseconds(),
		DurationNanos: (time.Duration(cpu.End-cpu.Start) * time.Microsecond).Nanoseconds(),
	}
	if !opts.Start.IsZero() {
		out.TimeNanos = opts.Start.UnixNano()
	}

	b := newBuilder(out)
	for _, smp := range cpu.Samples {
		locs := make([]*profile.Location, 0, len(smp.Locations))
		for _, rec := range slices.Backward(smp.Locations) {
			locs = append(locs, b.recordLocation(rec))
		}
		out.Sample = append(out.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{1, smp.CPUTime.Nanoseconds()},
			Label:    labelsOf(smp.Labels),
		})
	}

	if err := out.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid pprof profile: %w", err)
	}
	return out, nil
}

func (b *builder) recordLocation(rec codemap.Record) *profile.Location {
	return b.location(rec.FunctionName, rec.ScriptName, rec.ScriptID, rec.Line, rec.Column)
}

// Write serializes p as gzip-compressed protobuf.
func Write(w io.Writer, p *profile.Profile) error {
	if err := p.Write(w); err != nil {
		return fmt.Errorf("failed to write pprof profile: %w", err)
	}
	return nil
}

func labelsOf(h *contexts.Handle) map[string][]string {
	set, ok := h.Value().(LabelSet)
	if !ok {
		return nil
	}
	labels := set.Labels()
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string][]string, len(labels))
	for k, v := range labels {
		out[k] = []string{v}
	}
	return out
}

func reversed(stack []*profile.Location) []*profile.Location {
	out := make([]*profile.Location, len(stack))
	for i, loc := range stack {
		out[len(stack)-1-i] = loc
	}
	return out
}
