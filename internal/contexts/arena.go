package contexts

import (
	"sync"
	"sync/atomic"
)

// Slot is one arena cell holding the context of a continuation frame.
type Slot struct {
	ctx   atomic.Pointer[Handle]
	arena *Arena
}

// Set replaces the slot's context, releasing the previous one.
func (s *Slot) Set(h *Handle) {
	if old := s.ctx.Swap(h); old != nil {
		old.Release()
	}
}

// Get returns the slot's context without adding a reference.
func (s *Slot) Get() *Handle {
	return s.ctx.Load()
}

// MarkDead queues the slot for the next Sweep. It is meant to be called from
// the host's finalization callback.
func (s *Slot) MarkDead() {
	s.arena.markDead(s)
}

// Arena owns the slots created for continuation-local storage. Slots whose
// frame was collected are marked dead and freed at the next Sweep, which the
// owner runs at each mutation.
type Arena struct {
	mu   sync.Mutex
	live map[*Slot]struct{}
	dead []*Slot
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{live: make(map[*Slot]struct{})}
}

// Allocate returns a new live slot.
func (a *Arena) Allocate() *Slot {
	s := &Slot{arena: a}
	a.mu.Lock()
	a.live[s] = struct{}{}
	a.mu.Unlock()
	return s
}

func (a *Arena) markDead(s *Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[s]; ok {
		a.dead = append(a.dead, s)
	}
}

// Sweep frees the dead slots and returns how many were freed.
func (a *Arena) Sweep() int {
	a.mu.Lock()
	dead := a.dead
	a.dead = nil
	n := 0
	for _, s := range dead {
		if _, ok := a.live[s]; ok {
			delete(a.live, s)
			n++
		}
	}
	a.mu.Unlock()

	for _, s := range dead {
		s.Set(nil)
	}
	return n
}

// Live returns the number of slots not yet swept.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Clear frees every slot, live or dead.
func (a *Arena) Clear() {
	a.mu.Lock()
	slots := make([]*Slot, 0, len(a.live))
	for s := range a.live {
		slots = append(slots, s)
	}
	a.live = make(map[*Slot]struct{})
	a.dead = nil
	a.mu.Unlock()

	for _, s := range slots {
		s.Set(nil)
	}
}
