package codemap

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/host"
)

// Shared hands out one CodeMap per execution context so profilers attached
// to the same context share a single code-event subscription.
type Shared struct {
	mu     sync.Mutex
	maps   map[host.ContextID]*CodeMap
	logger zerolog.Logger
}

// NewShared creates an empty set of per-context maps.
func NewShared(logger zerolog.Logger) *Shared {
	return &Shared{
		maps:   make(map[host.ContextID]*CodeMap),
		logger: logger,
	}
}

// For returns the map for id, creating it on first use. When source can
// run cleanup hooks, the map is forgotten as the context is torn down.
func (s *Shared) For(id host.ContextID, source host.CodeEventSource) *CodeMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.maps[id]; ok {
		return m
	}
	m := New(source, s.logger.With().Uint64("context", uint64(id)).Logger())
	s.maps[id] = m
	if hooks, ok := source.(host.CleanupHooks); ok {
		hooks.AddCleanupHook(func() { s.forget(id, m) })
	}
	return m
}

// forget drops m only if it is still the map for id.
func (s *Shared) forget(id host.ContextID, m *CodeMap) {
	s.mu.Lock()
	if s.maps[id] == m {
		delete(s.maps, id)
	}
	s.mu.Unlock()
	m.shutdown()
}

