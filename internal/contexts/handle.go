// Package contexts holds the caller-supplied values attached to samples.
//
// The profiler never inspects a value. It stores, copies and forwards
// handles by identity and keeps them alive while a sample references them.
package contexts

import "sync/atomic"

// Handle is a reference-counted, opaque context value.
type Handle struct {
	value  any
	refs   atomic.Int32
	onFree func(any)
}

// NewHandle wraps v with one reference held by the caller. onFree, if set,
// runs once after the last Release.
func NewHandle(v any, onFree func(any)) *Handle {
	h := &Handle{value: v, onFree: onFree}
	h.refs.Store(1)
	return h
}

// Retain adds a reference and returns h. It is safe on the interrupt path
// and on a nil handle.
func (h *Handle) Retain() *Handle {
	if h != nil {
		h.refs.Add(1)
	}
	return h
}

// TryRetain adds a reference unless the last one is already gone, in which
// case it returns nil. Readers that load a handle without holding a
// reference use it so a handle being replaced is never revived.
func (h *Handle) TryRetain() *Handle {
	if h == nil {
		return nil
	}
	for {
		n := h.refs.Load()
		if n <= 0 {
			return nil
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return h
		}
	}
}

// Release drops a reference.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	if h.refs.Add(-1) == 0 && h.onFree != nil {
		h.onFree(h.value)
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	if h == nil {
		return 0
	}
	return int(h.refs.Load())
}

// Value returns the wrapped value. The profiler itself never calls it.
func (h *Handle) Value() any {
	if h == nil {
		return nil
	}
	return h.value
}
