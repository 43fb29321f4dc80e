// Package registry maps an execution context to the profiler currently
// sampling it. Lookups are safe on the interrupt path.
package registry

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// CPUReporter is implemented by every registered profiler.
type CPUReporter interface {
	// TakeThreadCPU returns the CPU consumed by the profiled thread since the
	// previous call.
	TakeThreadCPU() time.Duration
}

// Registry is a copy-on-write map behind an atomic pointer.
//
// A reader exchanges the pointer for nil, looks up, and stores it back, so it
// never blocks and never allocates. Writers serialise on a mutex, wait for
// the pointer to be non-nil, mutate a clone and install it with CAS against
// the map they cloned. A reader therefore sees either the old or the new map.
type Registry[K comparable, P CPUReporter] struct {
	current atomic.Pointer[map[K]P]

	mu            sync.Mutex
	terminatedCPU time.Duration
}

// New creates an empty registry.
func New[K comparable, P CPUReporter]() *Registry[K, P] {
	r := &Registry[K, P]{}
	m := make(map[K]P)
	r.current.Store(&m)
	return r
}

// Get returns the profiler registered for k. It reports false while another
// reader holds the map.
func (r *Registry[K, P]) Get(k K) (P, bool) {
	m := r.current.Swap(nil)
	if m == nil {
		var zero P
		return zero, false
	}
	p, ok := (*m)[k]
	r.current.Store(m)
	return p, ok
}

// Add registers p for k unless k already has an entry.
func (r *Registry[K, P]) Add(k K, p P) bool {
	return r.update(func(m map[K]P) bool {
		if _, ok := m[k]; ok {
			return false
		}
		m[k] = p
		return true
	})
}

// Remove unregisters p from k if it is still the current entry. The CPU p
// consumed since its last report is then kept for GatherTotalCPUAndReset.
func (r *Registry[K, P]) Remove(k K, p P) bool {
	return r.update(func(m map[K]P) bool {
		cur, ok := m[k]
		if !ok || any(cur) != any(p) {
			return false
		}
		delete(m, k)
		r.terminatedCPU += p.TakeThreadCPU()
		return true
	})
}

// RemoveKey unregisters whatever profiler is registered for k.
func (r *Registry[K, P]) RemoveKey(k K) (P, bool) {
	var removed P
	ok := r.update(func(m map[K]P) bool {
		p, ok := m[k]
		if !ok {
			return false
		}
		removed = p
		delete(m, k)
		return true
	})
	return removed, ok
}

// Len returns the number of registered profilers.
func (r *Registry[K, P]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(*r.waitLoad())
}

// GatherTotalCPUAndReset returns the CPU of profilers removed since the last
// call plus the CPU the live ones consumed since their last report.
func (r *Registry[K, P]) GatherTotalCPUAndReset() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.terminatedCPU
	r.terminatedCPU = 0
	for _, p := range *r.waitLoad() {
		total += p.TakeThreadCPU()
	}
	return total
}

func (r *Registry[K, P]) update(fn func(map[K]P) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.waitLoad()
	next := make(map[K]P, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	res := fn(next)

	// The pointer is either nil (a reader holds old) or old itself.
	for !r.current.CompareAndSwap(old, &next) {
		runtime.Gosched()
	}
	return res
}

// waitLoad spins until no reader holds the map. Callers hold mu.
func (r *Registry[K, P]) waitLoad() *map[K]P {
	for {
		if m := r.current.Load(); m != nil {
			return m
		}
		runtime.Gosched()
	}
}
