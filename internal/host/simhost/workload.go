package simhost

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"
)

// WorkloadConfig shapes the synthetic busy loop.
type WorkloadConfig struct {
	// Slice is how long each unit of work burns CPU.
	Slice time.Duration
	// IdleRatio is the fraction of units spent idle in the event loop.
	IdleRatio float64
	// RelocateEvery relocates a random function every N units; zero never.
	RelocateEvery int
	// GCEvery runs a simulated collection every N units; zero never.
	GCEvery int
	Seed    uint64
}

// Workload drives a runtime through a small request-handling program.
type Workload struct {
	rt    *Runtime
	cfg   WorkloadConfig
	rng   *rand.Rand
	paths [][]*Function
	funcs []*Function
}

// Unit describes one unit of work about to run.
type Unit struct {
	Iteration int
	Route     string
	AsyncID   float64
	Idle      bool
}

// NewWorkload compiles the program into rt.
func NewWorkload(rt *Runtime, cfg WorkloadConfig) *Workload {
	if cfg.Slice <= 0 {
		cfg.Slice = 200 * time.Microsecond
	}
	main := rt.Compile("main", "app.js", 1, 1)
	serve := rt.Compile("serve", "server.js", 10, 3)
	handle := rt.Compile("handleRequest", "server.js", 42, 5)
	parse := rt.Compile("parseJSON", "codec.js", 7, 1)
	hash := rt.Compile("computeHash", "crypto.js", 88, 9)
	render := rt.Compile("renderTemplate", "views.js", 120, 2)
	query := rt.Compile("queryDatabase", "db.js", 31, 4)

	return &Workload{
		rt:  rt,
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		paths: [][]*Function{
			{main, serve, handle, parse},
			{main, serve, handle, hash},
			{main, serve, handle, render},
			{main, serve, handle, query},
			{main, serve, handle, query, parse},
		},
		funcs: []*Function{main, serve, handle, parse, hash, render, query},
	}
}

// Functions returns the compiled functions.
func (w *Workload) Functions() []*Function { return w.funcs }

// Run executes units until ctx is done. before, if set, runs ahead of each
// unit on the workload goroutine so callers can set profiler context.
func (w *Workload) Run(ctx context.Context, before func(Unit)) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			w.rt.SetStack()
			return nil
		}

		path := w.paths[w.rng.IntN(len(w.paths))]
		unit := Unit{
			Iteration: i,
			Route:     path[len(path)-1].Name,
			AsyncID:   float64(i + 1),
			Idle:      w.rng.Float64() < w.cfg.IdleRatio,
		}
		if before != nil {
			before(unit)
		}

		if w.cfg.RelocateEvery > 0 && i > 0 && i%w.cfg.RelocateEvery == 0 {
			w.rt.Relocate(w.funcs[w.rng.IntN(len(w.funcs))])
		}

		if unit.Idle {
			w.rt.SetIdle(true)
			time.Sleep(w.cfg.Slice)
			w.rt.SetIdle(false)
		} else {
			w.rt.SetAsyncID(unit.AsyncID)
			w.rt.SetStack(Call(path...)...)
			if w.cfg.GCEvery > 0 && i > 0 && i%w.cfg.GCEvery == 0 {
				w.rt.RunGC(func() { w.burn(w.cfg.Slice / 4) })
			}
			w.burn(w.cfg.Slice)
		}
		w.rt.Safepoint()
	}
}

var sink atomic.Uint64

func (w *Workload) burn(d time.Duration) {
	start := time.Now()
	x := uint64(1)
	for time.Since(start) < d {
		for j := 0; j < 256; j++ {
			x = x*6364136223846793005 + 1442695040888963407
		}
	}
	sink.Store(x)
	w.rt.Burn(time.Since(start))
}
