package ring

import "iter"

// Queue is a fixed-capacity double ended queue that overwrites on full.
// PushBack evicts the oldest element when full and PushFront evicts the
// newest. A zero-capacity queue drops every push.
//
// Queue performs no synchronisation.
type Queue[T any] struct {
	elems []T
	front int
	size  int
}

// NewQueue creates a queue holding at most capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{elems: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.elems) }

// Size returns the number of held elements.
func (q *Queue[T]) Size() int { return q.size }

// Full reports whether the next push evicts an element.
func (q *Queue[T]) Full() bool { return q.size == len(q.elems) }

// Empty reports whether the queue holds nothing.
func (q *Queue[T]) Empty() bool { return q.size == 0 }

// PushBack appends v, evicting the oldest element when full.
func (q *Queue[T]) PushBack(v T) {
	n := len(q.elems)
	if n == 0 {
		return
	}
	if q.size == n {
		q.elems[q.front] = v
		q.front = q.inc(q.front)
		return
	}
	q.elems[(q.front+q.size)%n] = v
	q.size++
}

// PushFront prepends v, evicting the newest element when full.
func (q *Queue[T]) PushFront(v T) {
	n := len(q.elems)
	if n == 0 {
		return
	}
	q.front = q.dec(q.front)
	q.elems[q.front] = v
	if q.size < n {
		q.size++
	}
}

// PopFront removes and returns the oldest element.
func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.elems[q.front]
	q.elems[q.front] = zero
	q.front = q.inc(q.front)
	q.size--
	return v, true
}

// Front returns the oldest element without removing it.
func (q *Queue[T]) Front() (T, bool) {
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.elems[q.front], true
}

// At returns the i-th element counting from the front. It panics when i is
// out of range.
func (q *Queue[T]) At(i int) T {
	if i < 0 || i >= q.size {
		panic("ring: index out of range")
	}
	return q.elems[(q.front+i)%len(q.elems)]
}

// All iterates from oldest to newest.
func (q *Queue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < q.size; i++ {
			if !yield(q.elems[(q.front+i)%len(q.elems)]) {
				return
			}
		}
	}
}

// Clear drops every element, keeping the backing storage.
func (q *Queue[T]) Clear() {
	for q.size > 0 {
		q.PopFront()
	}
	q.front = 0
}

func (q *Queue[T]) inc(i int) int {
	if i+1 == len(q.elems) {
		return 0
	}
	return i + 1
}

func (q *Queue[T]) dec(i int) int {
	if i == 0 {
		return len(q.elems) - 1
	}
	return i - 1
}
