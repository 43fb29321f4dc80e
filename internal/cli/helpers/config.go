package helpers

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/wallprof/internal/config"
	"github.com/coral-mesh/wallprof/internal/logging"
)

// LoadConfig loads the file named by --config, or defaults plus environment
// when the flag is empty.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(ConfigFlag)
	return config.Load(path)
}

// Logger builds the command logger. --log-level wins over the config.
func Logger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	lc := cfg.Logging.ToLogging()
	if level, _ := cmd.Flags().GetString(LogLevelFlag); level != "" {
		lc.Level = level
	}
	lc.Output = cmd.ErrOrStderr()
	return logging.NewWithComponent(lc, "cli")
}
