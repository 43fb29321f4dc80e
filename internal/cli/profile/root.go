package profile

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/wallprof/internal/cli/helpers"
	"github.com/coral-mesh/wallprof/internal/config"
)

// NewProfileCmd creates the profile command.
func NewProfileCmd() *cobra.Command {
	var (
		opts      Options
		period    time.Duration
		duration  time.Duration
		contexts  bool
		cpuTime   bool
		archiveTo string
		tree      bool
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Profile the simulated workload with the wall profiler",
		Long: `Run the built-in request handling workload and profile it.

Each session lasts --duration. With --restart the profiler switches to the
next session without a gap. All sessions are merged into one pprof file.

Examples:
  wallprof profile --sessions 3 --restart -o wall.pb.gz
  wallprof profile --duration 2s --cpu-output cpu.pb.gz --interrupt-mode signal
  wallprof profile --archive profiles.duckdb --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}

			applyOverrides(cmd.Flags(), cfg, overrides{
				period:    period,
				duration:  duration,
				contexts:  contexts,
				cpuTime:   cpuTime,
				archiveTo: archiveTo,
			})
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := helpers.Logger(cmd, cfg)
			m, stopMetrics, err := helpers.ServeMetrics(cfg.Metrics, logger)
			if err != nil {
				return err
			}
			defer stopMetrics()

			runner, err := NewRunner(cfg, opts, m, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.ErrOrStderr(), "Profiling %d session(s) of %s at %s...\n",
				opts.Sessions, cfg.Profiler.Duration, cfg.Profiler.Period)

			summary, err := runner.Run(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("Run:      %s\n", summary.RunID)
			cmd.Printf("Sessions: %d\n", summary.Sessions)
			cmd.Printf("Hits:     %d\n", summary.TotalHits)
			cmd.Printf("Output:   %s\n", opts.Output)
			if opts.CPUOutput != "" {
				cmd.Printf("CPU:      %s (%d samples)\n", opts.CPUOutput, summary.CPUSamples)
			}
			if tree && summary.Last != nil {
				cmd.Printf("\nLast session:\n%s", helpers.RenderTree(summary.Last.Root, cfg.Profiler.Period, 1))
			}
			if len(summary.ProfileIDs) > 0 {
				cmd.Printf("Archived: %d profile(s) in %s\n", len(summary.ProfileIDs), cfg.Archive.Path)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.Sessions, "sessions", 1, "Number of profiling sessions")
	flags.BoolVar(&opts.Restart, "restart", false, "Switch sessions without a gap")
	flags.StringVarP(&opts.Output, "output", "o", "wall.pb.gz", "Wall profile output path")
	flags.StringVar(&opts.CPUOutput, "cpu-output", "", "Also run the CPU sampler and write its profile here")
	flags.BoolVar(&opts.Labels, "labels", true, "Label samples with the request route (needs contexts)")
	flags.DurationVar(&period, "period", 0, "Sampling period (overrides config)")
	flags.DurationVar(&duration, "duration", 0, "Session duration (overrides config)")
	flags.BoolVar(&contexts, "contexts", true, "Attach contexts to samples (overrides config)")
	flags.BoolVar(&cpuTime, "cpu-time", false, "Collect CPU time per sample (overrides config)")
	flags.StringVar(&archiveTo, "archive", "", "DuckDB file to archive sessions in (overrides config)")
	flags.String("interrupt-mode", "", "CPU sampler interrupts: signal or engine (overrides config)")
	flags.BoolVar(&tree, "tree", false, "Print the call tree of the last session")
	flags.Bool("metrics", false, "Serve Prometheus metrics (overrides config)")

	flags.DurationVar(&opts.Workload.Slice, "slice", 200*time.Microsecond, "Length of one unit of work")
	flags.Float64Var(&opts.Workload.IdleRatio, "idle-ratio", 0.2, "Fraction of units spent idle")
	flags.IntVar(&opts.Workload.GCEvery, "gc-every", 50, "Run a collection every N units, 0 never")
	flags.IntVar(&opts.Workload.RelocateEvery, "relocate-every", 100, "Move generated code every N units, 0 never")
	flags.Uint64Var(&opts.Workload.Seed, "seed", 1, "Workload random seed")

	return cmd
}

type overrides struct {
	period    time.Duration
	duration  time.Duration
	contexts  bool
	cpuTime   bool
	archiveTo string
}

// applyOverrides copies the flags the user set over cfg.
func applyOverrides(flags *pflag.FlagSet, cfg *config.Config, o overrides) {
	if flags.Changed("period") {
		cfg.Profiler.Period = o.period
	}
	if flags.Changed("duration") {
		cfg.Profiler.Duration = o.duration
	}
	if flags.Changed("contexts") {
		cfg.Profiler.WithContexts = o.contexts
	}
	if flags.Changed("cpu-time") {
		cfg.Profiler.CollectCPUTime = o.cpuTime
	}
	if flags.Changed("archive") {
		cfg.Archive.Path = o.archiveTo
	}
	if flags.Changed("interrupt-mode") {
		cfg.Profiler.InterruptMode, _ = flags.GetString("interrupt-mode")
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled, _ = flags.GetBool("metrics")
	}
}
