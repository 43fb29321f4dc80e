package sampler

import (
	"encoding/binary"
	"slices"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/wallprof/internal/codemap"
)

// symbolize resolves raw frames outermost first, then the interrupted PC or
// the external callback being executed as the innermost location.
// Addresses outside any known code are skipped.
func (s *Sampler) symbolize(raw *RawSample) Sample {
	locs := make([]codemap.Record, 0, raw.FrameCount+1)
	for i := raw.FrameCount; i > 0; i-- {
		if rec, ok := s.codeMap.Lookup(uint64(raw.Stack[i-1])); ok {
			locs = append(locs, rec)
		} else {
			s.unresolved.Add(1)
		}
	}

	pc := raw.PC
	if raw.ExternalCallback != 0 {
		pc = raw.ExternalCallback
	}
	if pc != 0 {
		if rec, ok := s.codeMap.Lookup(uint64(pc)); ok {
			locs = append(locs, rec)
		}
	}

	return Sample{
		Locations: locs,
		Labels:    raw.Labels,
		Timestamp: raw.Timestamp,
		CPUTime:   raw.CPUTime,
	}
}

// Stack is a distinct symbolized stack with its aggregated weight.
type Stack struct {
	Hash      uint64
	Locations []codemap.Record
	Count     int
	CPUTime   time.Duration
}

// StackHash identifies a stack by the functions it passes through. Two
// samples through relocated copies of the same code hash equal.
func StackHash(locs []codemap.Record) uint64 {
	h := xxh3.New()
	var buf [8]byte
	for _, l := range locs {
		_, _ = h.WriteString(l.FunctionName)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(l.ScriptName)
		binary.LittleEndian.PutUint64(buf[:], uint64(l.Line)<<32|uint64(uint32(l.Column)))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Aggregate folds samples by stack, heaviest first.
func Aggregate(samples []Sample) []Stack {
	index := make(map[uint64]int)
	var out []Stack
	for _, smp := range samples {
		key := StackHash(smp.Locations)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Stack{Hash: key, Locations: smp.Locations})
		}
		out[i].Count++
		out[i].CPUTime += smp.CPUTime
	}
	slices.SortStableFunc(out, func(a, b Stack) int { return b.Count - a.Count })
	return out
}
