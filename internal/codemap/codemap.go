// Package codemap tracks regions of dynamically generated code and resolves
// program counters to the function that owns them.
package codemap

import (
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/host"
)

// Record describes one region of generated code.
type Record struct {
	Start        uint64
	Size         uint64
	FunctionName string
	ScriptName   string
	ScriptID     int
	Line         int
	Column       int
}

// End returns the first address past the region.
func (r Record) End() uint64 { return r.Start + r.Size }

// Contains reports whether addr falls inside the region.
func (r Record) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// RecordFromEvent builds a record from an added or moved code-event.
func RecordFromEvent(ev host.CodeEvent) Record {
	return Record{
		Start:        ev.Start,
		Size:         ev.Size,
		FunctionName: ev.FunctionName,
		ScriptName:   ev.ScriptName,
		ScriptID:     ev.ScriptID,
		Line:         ev.Line,
		Column:       ev.Column,
	}
}

func byStart(a, b Record) bool { return a.Start < b.Start }

// CodeMap is an address-ordered interval index. No two live records overlap.
//
// Mutations come from the code-event callback. Lookups take a read lock and
// must therefore stay off the interrupt path.
type CodeMap struct {
	mu      sync.RWMutex
	entries *btree.BTreeG[Record]

	// subMu serialises Enable and Disable across the subscription call,
	// which cannot run under mu because the source may replay events.
	subMu       sync.Mutex
	source      host.CodeEventSource
	refs        int
	unsubscribe func()

	logger zerolog.Logger
}

// New creates an empty code map fed by source once enabled. A nil source
// yields a map that is only populated through Add.
func New(source host.CodeEventSource, logger zerolog.Logger) *CodeMap {
	return &CodeMap{
		entries: btree.NewG[Record](16, byStart),
		source:  source,
		logger:  logger.With().Str("component", "codemap").Logger(),
	}
}

// Enable subscribes to code-events on the first call. Calls nest.
func (m *CodeMap) Enable() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	m.refs++
	first := m.refs == 1
	m.mu.Unlock()

	if !first || m.source == nil {
		return
	}
	unsubscribe := m.source.SubscribeCodeEvents(m.HandleEvent)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
	m.logger.Debug().Msg("Subscribed to code events")
}

// Disable undoes one Enable. The last one unsubscribes and clears the map.
func (m *CodeMap) Disable() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		return
	}
	m.refs--
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.release()
}

// shutdown drops every outstanding Enable.
func (m *CodeMap) shutdown() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	m.refs = 0
	m.mu.Unlock()
	m.release()
}

// release unsubscribes and clears the map. Callers hold subMu.
func (m *CodeMap) release() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		m.logger.Debug().Msg("Unsubscribed from code events")
	}
	m.Clear()
}

// Enabled reports whether at least one Enable is outstanding.
func (m *CodeMap) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs > 0
}

// HandleEvent applies one code-event.
func (m *CodeMap) HandleEvent(ev host.CodeEvent) {
	switch ev.Type {
	case host.CodeAdded:
		m.Add(ev.Start, RecordFromEvent(ev))
	case host.CodeMoved:
		m.mu.Lock()
		if _, ok := m.entries.Delete(Record{Start: ev.PreviousStart}); ok {
			m.logger.Trace().
				Uint64("previous_start", ev.PreviousStart).
				Uint64("start", ev.Start).
				Msg("Code moved")
		}
		m.addLocked(ev.Start, RecordFromEvent(ev))
		m.mu.Unlock()
	case host.CodeRemoved:
		m.Remove(ev.Start)
	case host.CodeScriptID:
		m.mu.Lock()
		if rec, ok := m.entries.Get(Record{Start: ev.Start}); ok {
			rec.ScriptID = ev.ScriptID
			m.entries.ReplaceOrInsert(rec)
		}
		m.mu.Unlock()
	}
}

// Add inserts rec at addr after evicting every record it overlaps.
func (m *CodeMap) Add(addr uint64, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(addr, rec)
}

func (m *CodeMap) addLocked(addr uint64, rec Record) {
	rec.Start = addr
	end := rec.End()

	var evict []Record
	m.entries.DescendLessOrEqual(Record{Start: addr}, func(prev Record) bool {
		if prev.Start == addr || prev.End() > addr {
			evict = append(evict, prev)
		}
		return false
	})
	m.entries.AscendRange(Record{Start: addr + 1}, Record{Start: end}, func(next Record) bool {
		evict = append(evict, next)
		return true
	})
	for _, r := range evict {
		m.entries.Delete(r)
	}
	if len(evict) > 0 {
		m.logger.Trace().
			Uint64("start", addr).
			Int("evicted", len(evict)).
			Msg("Evicted overlapping code")
	}

	m.entries.ReplaceOrInsert(rec)
}

// Remove deletes the record starting exactly at addr.
func (m *CodeMap) Remove(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Delete(Record{Start: addr})
}

// Lookup returns the record covering addr.
func (m *CodeMap) Lookup(addr uint64) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		found Record
		ok    bool
	)
	m.entries.DescendLessOrEqual(Record{Start: addr}, func(r Record) bool {
		found, ok = r, addr < r.End()
		return false
	})
	return found, ok
}

// Clear drops every record.
func (m *CodeMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Clear(false)
}

// Len returns the number of live records.
func (m *CodeMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.Len()
}

// Entries returns a snapshot of every record in address order.
func (m *CodeMap) Entries() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, m.entries.Len())
	m.entries.Ascend(func(r Record) bool {
		out = append(out, r)
		return true
	})
	return out
}
