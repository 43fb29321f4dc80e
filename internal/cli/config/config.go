// Package config implements the 'wallprof config' command family.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/wallprof/internal/cli/helpers"
	"github.com/coral-mesh/wallprof/internal/config"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate wallprof configuration",
		Long: `Inspect and validate wallprof configuration.

Configuration Priority:
  1. WALLPROF_* environment variables (highest)
  2. File given with --config
  3. Built-in defaults`,
	}

	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newInitCmd())
	return cmd
}

func newViewCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, viewFormats); err != nil {
				return err
			}
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format(cfg, cmd.OutOrStdout())
		},
	}
	helpers.AddFormatFlag(cmd, &format, helpers.FormatYAML, viewFormats)
	return cmd
}

var viewFormats = []helpers.OutputFormat{helpers.FormatYAML, helpers.FormatJSON}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file, reporting every violated rule.
Without an argument the file given with --config is validated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString(helpers.ConfigFlag)
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("configuration is invalid:\n%w", err)
			}
			if path == "" {
				path = "defaults"
			}
			cmd.Printf("✓ %s is valid\n", path)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <file>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			cmd.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
