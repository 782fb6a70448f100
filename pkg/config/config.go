package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/skein-run/skein/pkg/telemetry"
)

// EngineConfig tunes the run machinery.
type EngineConfig struct {
	Workers      int      `yaml:"workers" validate:"gte=0,lte=256"`
	MaxSteps     int      `yaml:"max_steps" validate:"gte=0"`
	BlockedTasks []string `yaml:"blocked_tasks"`
	PolicyGate   bool     `yaml:"policy_gate"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig           `yaml:"database"`
	Engine   EngineConfig             `yaml:"engine"`
	Logging  telemetry.LoggingConfig  `yaml:"logging"`
	Metrics  telemetry.MetricsConfig  `yaml:"metrics"`
	Tracing  telemetry.TracingConfig  `yaml:"tracing"`
}

// Default returns a configuration that works with no file present.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "skein.db"},
		Engine:   EngineConfig{Workers: 4},
		Logging:  telemetry.DefaultLoggingConfig(),
		Metrics:  telemetry.DefaultMetricsConfig(),
		Tracing:  telemetry.DefaultTracingConfig(),
	}
}

// Load reads a YAML configuration file over the defaults and validates
// the result. An empty path returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
