package profile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/wallprof/internal/archive"
	"github.com/coral-mesh/wallprof/internal/config"
	"github.com/coral-mesh/wallprof/internal/errors"
	"github.com/coral-mesh/wallprof/internal/host/simhost"
	"github.com/coral-mesh/wallprof/internal/interrupt"
	"github.com/coral-mesh/wallprof/internal/metrics"
	"github.com/coral-mesh/wallprof/internal/pprofexport"
	"github.com/coral-mesh/wallprof/internal/sampler"
	"github.com/coral-mesh/wallprof/internal/translate"
	"github.com/coral-mesh/wallprof/internal/wall"
)

// Options controls one profiling run.
type Options struct {
	// Sessions is the number of wall profiles collected, each lasting
	// config Profiler.Duration.
	Sessions int
	// Restart switches sessions without a gap.
	Restart bool
	// Output receives the merged wall profile.
	Output string
	// CPUOutput, when set, also runs the CPU sampler and writes its profile.
	CPUOutput string
	// Labels tags every unit of work with its route.
	Labels   bool
	Workload simhost.WorkloadConfig
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Sessions   int
	TotalHits  int
	ProfileIDs []string
	CPUSamples int
	// Last is the final session collected.
	Last *translate.Profile
}

// Runner profiles the simulated workload.
type Runner struct {
	cfg     *config.Config
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRunner validates opts. A nil m gets private collectors.
func NewRunner(cfg *config.Config, opts Options, m *metrics.Metrics, logger zerolog.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("profile runner requires a configuration")
	}
	if opts.Sessions <= 0 {
		return nil, fmt.Errorf("sessions must be positive, got %d", opts.Sessions)
	}
	if opts.Output == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if m == nil {
		var err error
		if m, err = metrics.New(nil); err != nil {
			return nil, err
		}
	}
	return &Runner{
		cfg:     cfg,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "profile_runner").Logger(),
	}, nil
}

// Run profiles until every session is collected or ctx is done. Sessions
// collected before cancellation are still written.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}
	logger := r.logger.With().Str("run_id", summary.RunID).Logger()

	var arch *archive.Archive
	if r.cfg.Archive.Path != "" {
		a, err := archive.Open(r.cfg.Archive.Path, logger)
		if err != nil {
			return nil, err
		}
		defer errors.DeferClose(logger, a, "failed to close profile archive")
		arch = a
	}

	proc := simhost.NewProcess(simhost.NewMonotonicClock(), simhost.WithAutoTick(), simhost.WithLogger(logger))
	rt := proc.NewRuntime(true)
	defer rt.Close()

	dispatcher := interrupt.NewDispatcher(proc, interrupt.NewRegistry(), logger)
	wp, err := wall.New(r.cfg.Profiler.ToOptions(), wall.Deps{
		Runtime:    rt,
		Dispatcher: dispatcher,
		Recorder:   r.metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var cpu *sampler.Sampler
	results := make(chan session, r.opts.Sessions)
	d := &driver{
		profiler: wp,
		logger:   logger,
		sessions: r.opts.Sessions,
		length:   r.cfg.Profiler.Duration,
		restart:  r.opts.Restart,
		labels:   r.opts.Labels && r.cfg.Profiler.WithContexts,
		done:     cancel,
		results:  results,
		routes:   make(map[string]pprofexport.Labels),
	}
	if r.opts.CPUOutput != "" {
		d.onStart = func() error {
			s, err := r.startSampler(rt)
			cpu = s
			return err
		}
		d.onFinish = func() {
			if cpu != nil {
				cpu.Stop()
			}
		}
	}

	workload := simhost.NewWorkload(rt, r.opts.Workload)
	g.Go(func() error {
		defer close(results)
		err := workload.Run(gctx, d.beforeUnit)
		d.finish()
		if err != nil {
			return err
		}
		return d.err
	})

	if arch != nil && r.cfg.Archive.Retention > 0 && r.cfg.Archive.CleanupInterval > 0 {
		g.Go(func() error {
			arch.RunCleanupLoop(gctx, r.cfg.Archive.Retention, r.cfg.Archive.CleanupInterval)
			return nil
		})
	}

	var merged []*profile.Profile
	g.Go(func() error {
		for s := range results {
			p, err := r.collect(ctx, arch, summary, s)
			if err != nil {
				cancel()
				return err
			}
			merged = append(merged, p)
		}
		return nil
	})

	runErr := g.Wait()

	if cpu != nil {
		n, err := r.writeCPU(cpu)
		if err != nil && runErr == nil {
			runErr = err
		}
		summary.CPUSamples = n
	}
	if len(merged) > 0 {
		if err := writeMerged(r.opts.Output, merged); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return summary, runErr
	}

	logger.Info().
		Int("sessions", summary.Sessions).
		Int("hits", summary.TotalHits).
		Str("output", r.opts.Output).
		Msg("Profiling run complete")
	return summary, nil
}

func (r *Runner) collect(ctx context.Context, arch *archive.Archive, summary *Summary, s session) (*profile.Profile, error) {
	p, err := pprofexport.FromTimeProfile(s.profile, pprofexport.Options{
		Period: r.cfg.Profiler.Period,
		Start:  s.start,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to convert session %d: %w", s.index, err)
	}
	summary.Sessions++
	summary.Last = s.profile
	summary.TotalHits += translate.TotalHitCount(s.profile.Root)

	if arch != nil {
		id, err := arch.StoreProfile(ctx, archive.ProfileMeta{
			RunID:     summary.RunID,
			Session:   s.title,
			StartedAt: s.start,
		}, s.profile)
		if err != nil {
			return nil, err
		}
		summary.ProfileIDs = append(summary.ProfileIDs, id)
	}
	return p, nil
}

func (r *Runner) startSampler(rt *simhost.Runtime) (*sampler.Sampler, error) {
	var source interrupt.Source
	switch r.cfg.Profiler.InterruptMode {
	case config.InterruptSignal:
		if !interrupt.SignalsSupported {
			return nil, fmt.Errorf("signal interrupts are not supported on this platform")
		}
		// Targets the calling thread, which the workload keeps locked.
		source = interrupt.NewSignalSource(0)
	default:
		source = interrupt.NewEngineSource(rt)
	}

	s, err := sampler.New(sampler.Config{}, sampler.Deps{Runtime: rt, Source: source, Logger: r.logger})
	if err != nil {
		return nil, err
	}
	if err := s.Start(r.cfg.Profiler.Period); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Runner) writeCPU(s *sampler.Sampler) (int, error) {
	defer func() { _ = s.Close() }()
	r.metrics.ObserveSampler("main", s.Stats())

	cpu := s.Profile()
	p, err := pprofexport.FromSamples(&cpu, pprofexport.Options{Period: r.cfg.Profiler.Period, Start: time.Now()})
	if err != nil {
		return 0, err
	}
	return len(cpu.Samples), writeFile(r.opts.CPUOutput, p)
}

func writeMerged(path string, profiles []*profile.Profile) error {
	p, err := profile.Merge(profiles)
	if err != nil {
		return fmt.Errorf("failed to merge wall profiles: %w", err)
	}
	return writeFile(path, p)
}

func writeFile(path string, p *profile.Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := pprofexport.Write(f, p); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
