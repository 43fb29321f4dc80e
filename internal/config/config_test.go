package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Profiler.ToOptions().Validate(true))
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallprof.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiler:
  period: 5ms
  duration: 2s
  with_contexts: true
  collect_cpu_time: true
  interrupt_mode: signal
archive:
  path: /tmp/profiles.duckdb
  retention: 24h
`), 0o600))

	t.Setenv("WALLPROF_DURATION", "3s")
	t.Setenv("WALLPROF_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, cfg.Profiler.Period)
	assert.Equal(t, 3*time.Second, cfg.Profiler.Duration, "environment wins over file")
	assert.True(t, cfg.Profiler.CollectCPUTime)
	assert.True(t, cfg.Profiler.DetectStall, "defaults survive")
	assert.Equal(t, InterruptSignal, cfg.Profiler.InterruptMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 24*time.Hour, cfg.Archive.Retention)
	assert.Equal(t, DefaultCleanupInterval, cfg.Archive.CleanupInterval)

	opts := cfg.Profiler.ToOptions()
	assert.Equal(t, 5*time.Millisecond, opts.Period)
	assert.True(t, opts.CollectCPUTime)
	assert.Equal(t, 1200, opts.SnapshotCapacity())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("profiler: [1, 2"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "failed to parse config file")

	t.Setenv("WALLPROF_PERIOD", "fast")
	_, err = Load("")
	assert.ErrorContains(t, err, "WALLPROF_PERIOD")
}

func TestValidate_ReportsEveryRule(t *testing.T) {
	cfg := Default()
	cfg.Profiler.Period = 0
	cfg.Profiler.WithContexts = false
	cfg.Profiler.CollectAsyncID = true
	cfg.Profiler.InterruptMode = "timer"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"profiler.period must be positive",
		"profiler.collect_async_id requires profiler.with_contexts",
		`profiler.interrupt_mode "timer"`,
		`logging.level "loud"`,
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duration below period", func(c *Config) { c.Profiler.Duration = time.Millisecond }, "must not be less than"},
		{"cpu without contexts", func(c *Config) {
			c.Profiler.WithContexts = false
			c.Profiler.CollectCPUTime = true
		}, "collect_cpu_time"},
		{"async storage without contexts", func(c *Config) {
			c.Profiler.WithContexts = false
			c.Profiler.UseAsyncStorage = true
		}, "use_async_storage"},
		{"line numbers with contexts", func(c *Config) { c.Profiler.LineNumbers = true }, "line_numbers"},
		{"workaround without detection", func(c *Config) {
			c.Profiler.WorkaroundStall = true
			c.Profiler.DetectStall = false
		}, "workaround_stall"},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Archive.Path = "profiles.duckdb"
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, *cfg, back)
}
