// Package cli wires the wallprof commands together.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/wallprof/internal/cli/codemap"
	"github.com/coral-mesh/wallprof/internal/cli/config"
	"github.com/coral-mesh/wallprof/internal/cli/helpers"
	"github.com/coral-mesh/wallprof/internal/cli/profile"
	"github.com/coral-mesh/wallprof/pkg/version"
)

// NewRootCmd creates the wallprof command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallprof",
		Short: "Wall-clock sampling profiler for managed runtimes",
		Long: `wallprof samples where an execution context spends wall-clock time and
attributes every sample to the context the application set, its CPU time and
its async resource.

It ships with a simulated runtime and workload so the whole pipeline, from
interrupt dispatch to pprof export and the DuckDB archive, can be exercised
from the command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String(helpers.ConfigFlag, "", "Configuration file (YAML)")
	cmd.PersistentFlags().String(helpers.LogLevelFlag, "", "Log level: trace, debug, info, warn, error (overrides config)")

	cmd.AddCommand(profile.NewProfileCmd())
	cmd.AddCommand(codemap.NewCodeMapCmd())
	cmd.AddCommand(config.NewConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("wallprof version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
