package translate

import "github.com/coral-mesh/wallprof/internal/host"

// StallLevel grades the evidence that the engine's sample processing loop
// is stuck.
type StallLevel int

const (
	StallNone StallLevel = iota
	// StallPossible may be a false positive: tick samples older than the
	// session start can be discarded by the engine.
	StallPossible
	StallCertain
)

// Detected reports whether any stall evidence was found.
func (l StallLevel) Detected() bool { return l != StallNone }

func (l StallLevel) String() string {
	switch l {
	case StallNone:
		return "none"
	case StallPossible:
		return "possible"
	case StallCertain:
		return "certain"
	default:
		return "unknown"
	}
}

// DetectStall inspects an engine profile. A healthy engine records at least
// one hit, and more samples than hits because the session's start sample
// carries none. A leaf with no hits proves a non-tick sample was processed.
func DetectStall(p host.EngineProfile) StallLevel {
	noHitLeaf := false
	total := engineHits(p.Root(), &noHitLeaf)
	if total == 0 {
		return StallCertain
	}
	if p.SamplesCount() == total && !noHitLeaf {
		return StallPossible
	}
	return StallNone
}

func engineHits(n host.ProfileNode, noHitLeaf *bool) int {
	count := n.HitCount()
	children := n.Children()
	for _, c := range children {
		count += engineHits(c, noHitLeaf)
	}
	if len(children) == 0 && count == 0 {
		*noHitLeaf = true
	}
	return count
}
