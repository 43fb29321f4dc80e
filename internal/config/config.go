// Package config loads wallprof configuration from a YAML file, environment
// variables and defaults, in increasing order of precedence: defaults, file,
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/wallprof/internal/logging"
	"github.com/coral-mesh/wallprof/internal/wall"
)

// Interrupt modes.
const (
	InterruptSignal = "signal"
	InterruptEngine = "engine"
)

// Config is the full wallprof configuration.
type Config struct {
	Profiler ProfilerConfig `yaml:"profiler"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ProfilerConfig mirrors wall.Options.
type ProfilerConfig struct {
	Period          time.Duration `yaml:"period" env:"WALLPROF_PERIOD"`
	Duration        time.Duration `yaml:"duration" env:"WALLPROF_DURATION"`
	LineNumbers     bool          `yaml:"line_numbers" env:"WALLPROF_LINE_NUMBERS"`
	WithContexts    bool          `yaml:"with_contexts" env:"WALLPROF_WITH_CONTEXTS"`
	CollectCPUTime  bool          `yaml:"collect_cpu_time" env:"WALLPROF_COLLECT_CPU_TIME"`
	CollectAsyncID  bool          `yaml:"collect_async_id" env:"WALLPROF_COLLECT_ASYNC_ID"`
	WorkaroundStall bool          `yaml:"workaround_stall" env:"WALLPROF_WORKAROUND_STALL"`
	DetectStall     bool          `yaml:"detect_stall" env:"WALLPROF_DETECT_STALL"`
	IsMainThread    bool          `yaml:"is_main_thread" env:"WALLPROF_IS_MAIN_THREAD"`
	UseAsyncStorage bool          `yaml:"use_async_storage" env:"WALLPROF_USE_ASYNC_STORAGE"`
	// InterruptMode selects how sampling interrupts are raised: "signal"
	// sends a thread signal, "engine" asks the runtime at safe points.
	InterruptMode string `yaml:"interrupt_mode" env:"WALLPROF_INTERRUPT_MODE"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"WALLPROF_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"WALLPROF_LOG_PRETTY"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"WALLPROF_METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"WALLPROF_METRICS_ADDR"`
}

// ArchiveConfig configures the DuckDB profile archive. An empty path
// disables archiving.
type ArchiveConfig struct {
	Path            string        `yaml:"path" env:"WALLPROF_ARCHIVE_PATH"`
	Retention       time.Duration `yaml:"retention" env:"WALLPROF_ARCHIVE_RETENTION"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"WALLPROF_ARCHIVE_CLEANUP_INTERVAL"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Profiler: ProfilerConfig{
			Period:        DefaultPeriod,
			Duration:      DefaultDuration,
			WithContexts:  true,
			DetectStall:   true,
			IsMainThread:  true,
			InterruptMode: InterruptEngine,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
		Archive: ArchiveConfig{
			Retention:       DefaultRetention,
			CleanupInterval: DefaultCleanupInterval,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every violated rule joined together.
func (c *Config) Validate() error {
	var errs []error
	p := c.Profiler
	if p.Period <= 0 {
		errs = append(errs, errors.New("profiler.period must be positive"))
	}
	if p.Duration <= 0 {
		errs = append(errs, errors.New("profiler.duration must be positive"))
	} else if p.Duration < p.Period {
		errs = append(errs, errors.New("profiler.duration must not be less than profiler.period"))
	}
	if p.CollectCPUTime && !p.WithContexts {
		errs = append(errs, errors.New("profiler.collect_cpu_time requires profiler.with_contexts"))
	}
	if p.CollectAsyncID && !p.WithContexts {
		errs = append(errs, errors.New("profiler.collect_async_id requires profiler.with_contexts"))
	}
	if p.UseAsyncStorage && !p.WithContexts {
		errs = append(errs, errors.New("profiler.use_async_storage requires profiler.with_contexts"))
	}
	if p.LineNumbers && p.WithContexts {
		errs = append(errs, errors.New("profiler.line_numbers is not compatible with profiler.with_contexts"))
	}
	if p.WorkaroundStall && !p.DetectStall {
		errs = append(errs, errors.New("profiler.workaround_stall requires profiler.detect_stall"))
	}
	switch p.InterruptMode {
	case InterruptSignal, InterruptEngine:
	default:
		errs = append(errs, fmt.Errorf("profiler.interrupt_mode %q is not one of %q, %q",
			p.InterruptMode, InterruptSignal, InterruptEngine))
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is invalid", c.Logging.Level))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	if c.Archive.Path != "" && c.Archive.Retention < 0 {
		errs = append(errs, errors.New("archive.retention must not be negative"))
	}
	return errors.Join(errs...)
}

// ToOptions converts the profiler section.
func (p ProfilerConfig) ToOptions() wall.Options {
	return wall.Options{
		Period:          p.Period,
		Duration:        p.Duration,
		LineNumbers:     p.LineNumbers,
		WithContexts:    p.WithContexts,
		CollectCPUTime:  p.CollectCPUTime,
		CollectAsyncID:  p.CollectAsyncID,
		WorkaroundStall: p.WorkaroundStall,
		DetectStall:     p.DetectStall,
		IsMainThread:    p.IsMainThread,
		UseAsyncStorage: p.UseAsyncStorage,
	}
}

// ToLogging converts the logging section.
func (l LoggingConfig) ToLogging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Pretty = l.Pretty
	return cfg
}
