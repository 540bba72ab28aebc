// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ameliaerrors "github.com/ameliahq/orchestrator/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// OrchestratorConfig holds the tunables for the orchestrator core:
// concurrency ceiling, shutdown behavior, health checking cadence,
// retention policy, and where the event store lives on disk.
type OrchestratorConfig struct {
	// MaxConcurrent is the maximum number of simultaneously active workflows.
	// Default: 5
	MaxConcurrent int `yaml:"max_concurrent"`

	// ShutdownTimeout bounds how long graceful shutdown waits for active
	// workflows to drain before forcing cancellation.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// HealthCheckInterval is the period between worktree health sweeps.
	// Default: 30s
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// RetentionDays is how many days of terminal-workflow events are kept
	// before the shutdown-time retention collector prunes them. Zero
	// disables day-based pruning.
	// Default: 30
	RetentionDays int `yaml:"retention_days"`

	// RetentionMaxEvents is reserved: it is loaded and validated
	// (non-negative) but the retention collector does not read it.
	// Default: 0
	RetentionMaxEvents int `yaml:"retention_max_events"`

	// DataDir is the directory holding the event store database file.
	// Default: XDG data dir (see DefaultDataDir)
	DataDir string `yaml:"data_dir"`
}

// Default returns an OrchestratorConfig with the built-in default tunables.
func Default() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxConcurrent:       5,
		ShutdownTimeout:     30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		RetentionDays:       30,
		RetentionMaxEvents:  0,
		DataDir:             DefaultDataDir(),
	}
}

// Load reads configuration from the YAML file at configPath (an error if
// it cannot be read); when configPath is empty it reads ConfigPath()
// only if that file exists. It then fills zero-valued MaxConcurrent,
// ShutdownTimeout, HealthCheckInterval and DataDir with defaults, applies
// environment variable overrides, and finally validates the result.
func Load(configPath string) (*OrchestratorConfig, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &ameliaerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &ameliaerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file, overlaying it onto
// the receiver (which already holds defaults).
func (c *OrchestratorConfig) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills in zero-valued fields so a minimal config file
// (or none at all) still produces a fully populated OrchestratorConfig.
func (c *OrchestratorConfig) applyDefaults() {
	defaults := Default()

	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaults.MaxConcurrent
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
}

// loadFromEnv overrides configuration fields from environment variables.
// Environment variables take precedence over file-based configuration.
func (c *OrchestratorConfig) loadFromEnv() {
	if val := os.Getenv("AMELIA_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxConcurrent = n
		}
	}
	if val := os.Getenv("AMELIA_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("AMELIA_HEALTH_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.HealthCheckInterval = d
		}
	}
	if val := os.Getenv("AMELIA_RETENTION_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.RetentionDays = n
		}
	}
	if val := os.Getenv("AMELIA_RETENTION_MAX_EVENTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.RetentionMaxEvents = n
		}
	}
	if val := os.Getenv("AMELIA_DATA_DIR"); val != "" {
		c.DataDir = val
	}
}

// Validate checks that the configuration is internally consistent.
func (c *OrchestratorConfig) Validate() error {
	var errs []string

	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Sprintf("max_concurrent must be positive, got %d", c.MaxConcurrent))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("shutdown_timeout must be positive, got %v", c.ShutdownTimeout))
	}
	if c.HealthCheckInterval <= 0 {
		errs = append(errs, fmt.Sprintf("health_check_interval must be positive, got %v", c.HealthCheckInterval))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("retention_days must be non-negative, got %d", c.RetentionDays))
	}
	if c.RetentionMaxEvents < 0 {
		errs = append(errs, fmt.Sprintf("retention_max_events must be non-negative, got %d", c.RetentionMaxEvents))
	}
	if c.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// StorePath returns the path to the event store database file under DataDir.
func (c *OrchestratorConfig) StorePath() string {
	return filepath.Join(c.DataDir, "amelia.db")
}
