package wall

import "github.com/coral-mesh/wallprof/internal/contexts"

// SetContext makes v the context attached to the following samples. v may
// be a *contexts.Handle, which is shared rather than wrapped, or nil.
//
// With async storage the context is kept in the current continuation frame
// and follows the asynchronous flow; outside any frame the call does
// nothing.
func (p *Profiler) SetContext(v any) {
	if !p.opts.UseAsyncStorage {
		p.setInProgress.Store(true)
		old := p.curContext.Swap(wrap(v))
		p.setInProgress.Store(false)
		old.Release()
		return
	}

	p.arena.Sweep()
	defer p.updateContextCount()

	frame := p.rt.CurrentFrame()
	if frame == nil {
		return
	}
	slot, _ := frame.Data().(*contexts.Slot)
	if slot == nil {
		if v == nil {
			return
		}
		slot = p.arena.Allocate()
		frame.SetData(slot)
		frame.OnCollected(slot.MarkDead)
	}
	p.setInProgress.Store(true)
	slot.Set(wrap(v))
	p.setInProgress.Store(false)
}

// Context returns the current context value, or nil.
func (p *Profiler) Context() any {
	var h *contexts.Handle
	if p.opts.UseAsyncStorage {
		h = frameContext(p.rt.CurrentFrame())
	} else {
		h = p.curContext.Load()
	}
	return h.Value()
}

func (p *Profiler) updateContextCount() {
	p.contextCount.Store(uint32(p.arena.Live()))
}

func wrap(v any) *contexts.Handle {
	switch v := v.(type) {
	case nil:
		return nil
	case *contexts.Handle:
		return v.Retain()
	default:
		return contexts.NewHandle(v, nil)
	}
}
