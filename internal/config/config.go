// Package config loads and validates cozo's workspace configuration: the
// engine's storage path, default timeouts, worker pool size, and logging
// settings, read from .cozo/config.yaml with environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/silky/cozo/internal/logging"
)

// Config holds all cozo configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Engine configuration
	Engine EngineConfig `yaml:"engine"`

	// Logging configuration (mirrors logging.loggingConfig's JSON shape so
	// .cozo/config.json written by WriteLoggingConfigJSON and .cozo/config.yaml
	// loaded here describe the same settings in each format's idiom).
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures the query engine's storage and execution limits.
type EngineConfig struct {
	DatabasePath   string `yaml:"database_path"`
	Workers        int    `yaml:"workers"`
	DefaultTimeout string `yaml:"default_timeout"`
}

// LoggingConfig configures internal/logging's category-based file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// DefaultConfig returns cozo's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cozo",
		Version: "0.1.0",
		Engine: EngineConfig{
			DatabasePath:   "data/cozo.db",
			Workers:        4,
			DefaultTimeout: "30s",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from a YAML file at path, falling back to
// DefaultConfig if the file does not exist, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("config loaded: database_path=%s workers=%d", cfg.Engine.DatabasePath, cfg.Engine.Workers)
	return cfg, nil
}

// Save writes c to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets COZO_DB/COZO_WORKERS/COZO_DEBUG win over whatever
// was loaded from file, matching how deployment environments usually
// override a checked-in config without editing it.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("COZO_DB"); path != "" {
		c.Engine.DatabasePath = path
	}
	if workers := os.Getenv("COZO_WORKERS"); workers != "" {
		var n int
		if _, err := fmt.Sscanf(workers, "%d", &n); err == nil && n > 0 {
			c.Engine.Workers = n
		}
	}
	if debug := os.Getenv("COZO_DEBUG"); debug == "1" || debug == "true" {
		c.Logging.DebugMode = true
		if c.Logging.Level == "" {
			c.Logging.Level = "debug"
		}
	}
}

// GetDefaultTimeout returns the engine's default query timeout as a
// Duration, falling back to 30s if the configured value doesn't parse.
func (c *Config) GetDefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.Engine.DefaultTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate reports a descriptive error for any setting that would make the
// engine unusable.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.DatabasePath == "" {
		return fmt.Errorf("engine.database_path must not be empty")
	}
	if _, err := time.ParseDuration(c.Engine.DefaultTimeout); err != nil {
		return fmt.Errorf("engine.default_timeout %q is not a valid duration: %w", c.Engine.DefaultTimeout, err)
	}
	return nil
}

// WriteLoggingConfigJSON writes the logging section as .cozo/config.json,
// the file internal/logging.Initialize reads directly (kept as a separate
// file/format so the file-logger package never needs to import yaml or know
// about the rest of Config).
func (c *Config) WriteLoggingConfigJSON(workspace string) error {
	path := filepath.Join(workspace, ".cozo", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create .cozo directory: %w", err)
	}
	wrapper := struct {
		Logging LoggingConfig `json:"logging"`
	}{Logging: c.Logging}
	data, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal logging config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
