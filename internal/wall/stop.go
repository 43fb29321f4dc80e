package wall

import (
	"runtime"
	"time"

	"github.com/coral-mesh/wallprof/internal/correlate"
	"github.com/coral-mesh/wallprof/internal/interrupt"
	"github.com/coral-mesh/wallprof/internal/ring"
	"github.com/coral-mesh/wallprof/internal/translate"
)

// Stop ends the running session and returns its profile. With restart, the
// next session is started before the current one is stopped so no interval
// goes unsampled.
//
// Context handles in the returned profile are not retained. Callers that
// keep a profile beyond the handles' owners must copy what they need.
func (p *Profiler) Stop(restart bool) (*translate.Profile, error) {
	began := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil, ErrNotStarted
	}

	if restart && p.workaround {
		p.setMode(NoCollect)
		// Let the engine's processing loop see one interrupt from the old
		// session before the new one starts.
		p.waitForSignal(0)
	} else if p.opts.WithContexts {
		p.setMode(NoCollect)
		// Snapshots of the next session must not share a timestamp with
		// the last sample of this one.
		interrupt.AdvanceTick(p.rt)
	}

	oldTitle := p.title
	startThreadCPU := p.startThreadCPU
	startProcessCPU := p.startProcessCPU

	var callCount uint64
	if restart {
		if err := p.startSession(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to restart engine session, stopping instead")
			restart = false
		} else {
			callCount = p.noCollectCalls.Load()
		}
	}

	if p.interceptSignal {
		p.dispatcher.Release()
	}

	engProf := p.engine.Stop(oldTitle)

	var used *ring.Queue[correlate.Snapshot]
	if p.opts.WithContexts {
		used = p.swapSnapshots()
	}

	if engProf == nil {
		p.logger.Warn().Str("session", oldTitle).Msg("Engine returned no profile")
		if used != nil {
			p.releaseSnapshots(used)
			p.spare = used
		}
		if restart && p.opts.WithContexts && !p.workaround {
			p.setMode(CollectContexts)
		}
		p.finishStop(restart, callCount)
		return nil, ErrNoProfile
	}

	stall := translate.StallNone
	if p.opts.DetectStall {
		stall = translate.DetectStall(engProf)
		p.lastStall = stall
		if stall.Detected() {
			p.stallDetected = true
			p.logger.Warn().
				Str("session", oldTitle).
				Stringer("level", stall).
				Int("samples", engProf.SamplesCount()).
				Msg("Engine sample processing looks stalled")
		}
	}

	if restart && p.opts.WithContexts && !p.workaround {
		interrupt.AdvanceTick(p.rt)
		p.setMode(CollectContexts)
	}

	report := StopReport{
		Context:       p.rt.ID(),
		Restart:       restart,
		EngineSamples: engProf.SamplesCount(),
		Stall:         stall,
	}

	var prof *translate.Profile
	if p.opts.WithContexts {
		var nonJS time.Duration
		if p.opts.IsMainThread && p.opts.CollectCPUTime {
			nonJS = p.processCPU() - startProcessCPU - p.registry.GatherTotalCPUAndReset()
			nonJS = max(nonJS, 0)
		}

		byNode, stats := correlate.Correlate(engProf, used.All(), correlate.Options{
			CollectCPUTime: p.opts.CollectCPUTime,
			CollectAsyncID: p.opts.CollectAsyncID,
			StartCPUTime:   startThreadCPU,
			EpochOffset:    correlate.EpochOffset(p.rt),
		})
		prof = translate.TimeProfile(engProf, translate.Options{
			LineNumbers:         p.opts.LineNumbers,
			HasCPUTime:          p.opts.CollectCPUTime,
			NonJSThreadsCPUTime: nonJS,
		}, byNode)

		report.Snapshots = used.Size()
		report.Correlation = stats
		if stats.ExcessInversions > 0 {
			p.logger.Warn().
				Int("excess_inversions", stats.ExcessInversions).
				Msg("Some engine samples were attributed out of order")
		}
		p.releaseSnapshots(used)
		p.spare = used
	} else {
		prof = translate.TimeProfile(engProf, translate.Options{LineNumbers: p.opts.LineNumbers}, nil)
	}
	engProf.Delete()

	p.finishStop(restart, callCount)

	dropped := p.dropped.Load()
	report.DroppedSnapshots = dropped - p.droppedReported
	p.droppedReported = dropped
	report.Latency = time.Since(began)
	if p.recorder != nil {
		p.recorder.ObserveStop(report)
	}

	p.logger.Debug().
		Str("session", oldTitle).
		Bool("restart", restart).
		Int("samples", report.EngineSamples).
		Int("matched", report.Correlation.Matched).
		Dur("latency", report.Latency).
		Msg("Wall profile collected")
	return prof, nil
}

func (p *Profiler) finishStop(restart bool, callCount uint64) {
	switch {
	case !restart:
		p.setMode(NoCollect)
		p.dispose(true)
	case p.workaround:
		// Wait for an interrupt to reach the new session before sampling.
		p.waitForSignal(callCount + 1)
		if p.opts.WithContexts {
			p.setMode(CollectContexts)
		} else {
			p.setMode(PassThrough)
		}
	}
	p.started = restart
}

// swapSnapshots installs the spare queue and returns the filled one once no
// handler can still be writing to it.
func (p *Profiler) swapSnapshots() *ring.Queue[correlate.Snapshot] {
	used := p.snapshots.Swap(p.spare)
	p.spare = nil
	p.waitHandlers()
	return used
}

func (p *Profiler) waitHandlers() {
	for p.inFlight.Load() != 0 {
		runtime.Gosched()
	}
}

// releaseSnapshots drops the references the handler took and empties q.
func (p *Profiler) releaseSnapshots(q *ring.Queue[correlate.Snapshot]) {
	if q == nil {
		return
	}
	for s := range q.All() {
		s.Context.Release()
	}
	q.Clear()
}

// waitForSignal waits until the handler has seen target interrupts in
// NoCollect mode, or at most two sampling periods. A zero target means the
// next interrupt.
func (p *Profiler) waitForSignal(target uint64) bool {
	cur := p.noCollectCalls.Load()
	if target == 0 {
		target = cur + 1
	} else if cur >= target {
		return true
	}

	timer := time.NewTimer(2 * p.opts.Period)
	defer timer.Stop()
	for {
		select {
		case <-p.wake:
			if p.noCollectCalls.Load() >= target {
				return true
			}
		case <-timer.C:
			return p.noCollectCalls.Load() >= target
		}
	}
}
