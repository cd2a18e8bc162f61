// Package config loads the evalsearch YAML configuration.
//
// Example:
//
//	scheduler:
//	  max_parallelism: 4
//	  poll_interval: 1s
//	  queue_buffer: 0
//	storage:
//	  definitions_dir: jobs
//	  results_dir: results
//	  history_db: results/history.db
//	search:
//	  strict_resume: false
//	  max_consecutive_skips: 1000
//	evaluator:
//	  timeout: 10m
//	server:
//	  grpc_addr: 127.0.0.1:50051
//	  http_addr: 127.0.0.1:8080
//	metrics:
//	  enabled: true
//	logging:
//	  level: info
//	  format: text
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/logging"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete configuration of an evalsearch server.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Search    SearchConfig    `yaml:"search"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SchedulerConfig struct {
	MaxParallelism int           `yaml:"max_parallelism"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	QueueBuffer    int           `yaml:"queue_buffer"`
}

type StorageConfig struct {
	DefinitionsDir string `yaml:"definitions_dir"`
	ResultsDir     string `yaml:"results_dir"`
	HistoryDB      string `yaml:"history_db"` // empty disables run history
}

type SearchConfig struct {
	StrictResume        bool `yaml:"strict_resume"`
	MaxConsecutiveSkips int  `yaml:"max_consecutive_skips"`
}

type EvaluatorConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default per-iteration limit, 0 = none
}

type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC service
	HTTPAddr string `yaml:"http_addr"` // empty disables the HTTP API
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxParallelism: 2,
			PollInterval:   time.Second,
		},
		Storage: StorageConfig{
			DefinitionsDir: "jobs",
			ResultsDir:     "results",
			HistoryDB:      "results/history.db",
		},
		Search: SearchConfig{
			MaxConsecutiveSkips: 1000,
		},
		Server: ServerConfig{
			GRPCAddr: "127.0.0.1:50051",
			HTTPAddr: "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load, except that a missing file yields the
// defaults.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	switch {
	case c.Scheduler.MaxParallelism < 1:
		return fmt.Errorf("%w: scheduler.max_parallelism must be at least 1", ErrInvalidConfig)
	case c.Scheduler.PollInterval <= 0:
		return fmt.Errorf("%w: scheduler.poll_interval must be positive", ErrInvalidConfig)
	case c.Scheduler.QueueBuffer < 0:
		return fmt.Errorf("%w: scheduler.queue_buffer must not be negative", ErrInvalidConfig)
	case c.Storage.DefinitionsDir == "":
		return fmt.Errorf("%w: storage.definitions_dir is required", ErrInvalidConfig)
	case c.Storage.ResultsDir == "":
		return fmt.Errorf("%w: storage.results_dir is required", ErrInvalidConfig)
	case c.Search.MaxConsecutiveSkips < 0:
		return fmt.Errorf("%w: search.max_consecutive_skips must not be negative", ErrInvalidConfig)
	case c.Evaluator.Timeout < 0:
		return fmt.Errorf("%w: evaluator.timeout must not be negative", ErrInvalidConfig)
	case !logging.ValidFormat(c.Logging.Format):
		return fmt.Errorf("%w: logging.format %q (want text or json)", ErrInvalidConfig, c.Logging.Format)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	return nil
}
