package wall

import (
	"math"
	"time"

	"github.com/coral-mesh/wallprof/internal/contexts"
	"github.com/coral-mesh/wallprof/internal/correlate"
	"github.com/coral-mesh/wallprof/internal/host"
)

// HandleInterrupt runs on the interrupted context in place of the engine's
// own handler. It never locks or allocates. next is the engine's handler.
func (p *Profiler) HandleInterrupt(ctx host.ContextID, regs host.RegisterState, next host.ProfHandler) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	switch CollectionMode(p.mode.Load()) {
	case NoCollect:
		p.noCollectCalls.Add(1)
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return
	case PassThrough:
		next(ctx, regs)
		return
	}

	var cpu time.Duration
	if p.opts.CollectCPUTime {
		cpu = p.rt.ThreadCPUTime()
	}
	from := p.rt.Now()
	next(ctx, regs)
	to := p.rt.Now()

	q := p.snapshots.Load()
	if q == nil {
		return
	}
	if q.Full() {
		p.dropped.Add(1)
		return
	}
	q.PushBack(correlate.Snapshot{
		Context:  p.interruptContext().TryRetain(),
		TimeFrom: from,
		TimeTo:   to,
		CPUTime:  cpu,
		AsyncID:  p.interruptAsyncID(),
	})
	p.sampleCount.Add(1)
}

// interruptContext reads the current context without touching reference
// counts. A context being replaced reads as nil. Interrupts can arrive from
// another thread, so the caller must take its reference with TryRetain: the
// setter may release the handle between this load and the retain.
func (p *Profiler) interruptContext() *contexts.Handle {
	if p.setInProgress.Load() {
		return nil
	}
	if !p.opts.UseAsyncStorage {
		return p.curContext.Load()
	}
	if p.gcCount.Load() > 0 {
		return p.gcContext.Load()
	}
	return frameContext(p.rt.CurrentFrame())
}

func frameContext(frame host.AsyncFrame) *contexts.Handle {
	if frame == nil {
		return nil
	}
	slot, _ := frame.Data().(*contexts.Slot)
	if slot == nil {
		return nil
	}
	return slot.Get()
}

func (p *Profiler) interruptAsyncID() float64 {
	if !p.opts.CollectAsyncID {
		return -1
	}
	if p.gcCount.Load() > 0 {
		return math.Float64frombits(p.gcAsyncID.Load())
	}
	return p.rt.AsyncID()
}

// OnGCStart freezes the async id and context for the duration of a
// collection, during which the runtime cannot be queried for them.
func (p *Profiler) OnGCStart() {
	if p.gcCount.Load() == 0 {
		if p.opts.CollectAsyncID {
			p.gcAsyncID.Store(math.Float64bits(p.rt.AsyncID()))
		}
		if p.opts.UseAsyncStorage {
			h := frameContext(p.rt.CurrentFrame()).Retain()
			if old := p.gcContext.Swap(h); old != nil {
				old.Release()
			}
		}
	}
	p.gcCount.Add(1)
}

// OnGCEnd unfreezes what OnGCStart froze once collections are over.
func (p *Profiler) OnGCEnd() {
	if p.gcCount.Add(-1) == 0 && p.opts.UseAsyncStorage {
		if old := p.gcContext.Swap(nil); old != nil {
			old.Release()
		}
	}
}
