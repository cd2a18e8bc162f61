package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  max_parallelism: 8
  poll_interval: 250ms
storage:
  definitions_dir: /srv/jobs
  results_dir: /srv/results
  history_db: ""
search:
  strict_resume: true
evaluator:
  timeout: 2m
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.MaxParallelism)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, "/srv/jobs", cfg.Storage.DefinitionsDir)
	assert.Empty(t, cfg.Storage.HistoryDB)
	assert.True(t, cfg.Search.StrictResume)
	assert.Equal(t, 1000, cfg.Search.MaxConsecutiveSkips, "default kept")
	assert.Equal(t, 2*time.Minute, cfg.Evaluator.Timeout)
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.GRPCAddr, "default kept")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "scheduler: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "scheduler:\n  max_parallelism: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = LoadOrDefault(writeConfig(t, "metrics:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero parallelism", func(c *Config) { c.Scheduler.MaxParallelism = 0 }},
		{"zero poll interval", func(c *Config) { c.Scheduler.PollInterval = 0 }},
		{"negative buffer", func(c *Config) { c.Scheduler.QueueBuffer = -1 }},
		{"no definitions dir", func(c *Config) { c.Storage.DefinitionsDir = "" }},
		{"no results dir", func(c *Config) { c.Storage.ResultsDir = "" }},
		{"negative skips", func(c *Config) { c.Search.MaxConsecutiveSkips = -1 }},
		{"negative timeout", func(c *Config) { c.Evaluator.Timeout = -time.Second }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
