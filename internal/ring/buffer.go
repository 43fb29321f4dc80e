// Package ring provides fixed-capacity circular buffers that never allocate
// after construction.
//
// Buffer is a single-producer/single-consumer queue meant to carry samples
// out of an interrupt callback. Queue is a non-concurrent double ended
// variant with overwrite-on-full semantics, used to hold context snapshots
// whose owner swaps the whole queue once producers are quiesced.
package ring

import "sync/atomic"

// Buffer is a fixed-capacity single-producer/single-consumer FIFO.
//
// The producer calls Reserve, fills the returned slot, then Push. The consumer
// calls Peek, reads the slot, then Remove. Head and tail are atomics so the
// slot write happens-before the consumer observes it; no other
// synchronisation is performed and at most one goroutine may act on each
// side at a time.
type Buffer[T any] struct {
	elems []T
	head  atomic.Uint64 // next slot to read, advanced by the consumer
	tail  atomic.Uint64 // next slot to write, advanced by the producer
}

// New creates a buffer holding at most capacity elements.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{elems: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.elems) }

// Size returns the number of pushed but not yet removed elements.
func (b *Buffer[T]) Size() int {
	return int(b.tail.Load() - b.head.Load())
}

// Full reports whether Reserve would fail.
func (b *Buffer[T]) Full() bool { return b.Size() == len(b.elems) }

// Empty reports whether Peek would fail.
func (b *Buffer[T]) Empty() bool { return b.Size() == 0 }

// Reserve returns the slot the next Push publishes, or nil when full.
// Calling Reserve repeatedly without Push returns the same slot.
func (b *Buffer[T]) Reserve() *T {
	tail := b.tail.Load()
	if tail-b.head.Load() == uint64(len(b.elems)) {
		return nil
	}
	return &b.elems[tail%uint64(len(b.elems))]
}

// Push publishes the slot returned by the last successful Reserve.
func (b *Buffer[T]) Push() {
	b.tail.Add(1)
}

// Peek returns the oldest published slot, or nil when empty. The slot stays
// valid until Remove.
func (b *Buffer[T]) Peek() *T {
	head := b.head.Load()
	if b.tail.Load() == head {
		return nil
	}
	return &b.elems[head%uint64(len(b.elems))]
}

// Remove releases the slot returned by Peek back to the producer.
func (b *Buffer[T]) Remove() {
	b.head.Add(1)
}
