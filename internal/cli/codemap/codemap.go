// Package codemap implements 'wallprof codemap', which runs the simulated
// workload and prints the generated code regions the profiler would resolve
// program counters against.
package codemap

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/wallprof/internal/cli/helpers"
	"github.com/coral-mesh/wallprof/internal/codemap"
	"github.com/coral-mesh/wallprof/internal/host/simhost"
)

// Entry is one code region as printed.
type Entry struct {
	Start    string `header:"START" json:"start" yaml:"start"`
	End      string `header:"END" json:"end" yaml:"end"`
	Function string `header:"FUNCTION" json:"function" yaml:"function"`
	Location string `header:"LOCATION" json:"location" yaml:"location"`
	ScriptID int    `header:"SCRIPT_ID" json:"script_id" yaml:"script_id"`
}

// NewCodeMapCmd creates the codemap command.
func NewCodeMapCmd() *cobra.Command {
	var (
		format   string
		duration time.Duration
		cfg      simhost.WorkloadConfig
	)

	cmd := &cobra.Command{
		Use:   "codemap",
		Short: "Show the code map of the simulated workload",
		Long: `Run the built-in workload while tracking code events and print the
resulting code map, ordered by start address.

Relocated functions leave no stale region behind: the map never holds two
overlapping regions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, supportedFormats); err != nil {
				return err
			}
			c, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logger := helpers.Logger(cmd, c)

			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()
			entries, err := Collect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return Print(cmd.OutOrStdout(), helpers.OutputFormat(format), entries)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, supportedFormats)
	cmd.Flags().DurationVar(&duration, "duration", 100*time.Millisecond, "How long to run the workload")
	cmd.Flags().IntVar(&cfg.RelocateEvery, "relocate-every", 10, "Move generated code every N units, 0 never")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", 1, "Workload random seed")
	return cmd
}

var supportedFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatYAML}

// Collect runs the workload until ctx is done and returns the code map.
func Collect(ctx context.Context, cfg simhost.WorkloadConfig, logger zerolog.Logger) ([]Entry, error) {
	proc := simhost.NewProcess(simhost.NewMonotonicClock(), simhost.WithLogger(logger))
	rt := proc.NewRuntime(true)
	defer rt.Close()

	cm := codemap.New(rt, logger)
	cm.Enable()
	defer cm.Disable()

	if err := simhost.NewWorkload(rt, cfg).Run(ctx, nil); err != nil {
		return nil, err
	}

	records := cm.Entries()
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, Entry{
			Start:    fmt.Sprintf("%#x", r.Start),
			End:      fmt.Sprintf("%#x", r.End()),
			Function: r.FunctionName,
			Location: fmt.Sprintf("%s:%d:%d", r.ScriptName, r.Line, r.Column),
			ScriptID: r.ScriptID,
		})
	}
	return entries, nil
}

// Print writes entries in the given format.
func Print(w io.Writer, format helpers.OutputFormat, entries []Entry) error {
	f, err := helpers.NewFormatter(format)
	if err != nil {
		return err
	}
	return f.Format(entries, w)
}
