// Package config provides configuration management for NoiseGuard,
// including privacy presets, environment variable overrides, and
// validation.
//
// Configuration Sources (in order of precedence):
//  1. Environment variables (highest priority)
//  2. Configuration file (JSON format)
//  3. Default values (lowest priority)
//
// Privacy Presets:
//   - default: balanced protection for typical deployments
//   - strict: smaller epsilons, tighter anomaly threshold, harsher
//     reputation penalties
//   - permissive: larger epsilons and looser thresholds for development
//     and calibration runs
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/TheEntropyCollective/noiseguard/pkg/anomaly"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/budget"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/sensitivity"
	"github.com/TheEntropyCollective/noiseguard/pkg/reputation"
)

// Preset names accepted by GetPresetConfig.
const (
	PresetDefault    = "default"
	PresetStrict     = "strict"
	PresetPermissive = "permissive"
)

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres". Memory is explicit ephemeral
	// mode: nothing survives the process.
	Backend string `json:"backend"`

	// ConnectionString is the postgres DSN when Backend is "postgres".
	ConnectionString string `json:"connection_string,omitempty"`

	// MigrationsPath is the golang-migrate source URL.
	MigrationsPath string `json:"migrations_path,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level            string `json:"level"`
	Format           string `json:"format"` // "text" or "json"
	EnableSanitizing bool   `json:"enable_sanitizing"`
}

// Config is the complete NoiseGuard configuration.
type Config struct {
	Budget     *budget.Config     `json:"budget"`
	Anomaly    *anomaly.Config    `json:"anomaly"`
	Reputation *reputation.Config `json:"reputation"`
	Storage    StorageConfig      `json:"storage"`
	Logging    LoggingConfig      `json:"logging"`
}

// DefaultConfig returns the balanced default configuration.
func DefaultConfig() *Config {
	return &Config{
		Budget:     budget.DefaultConfig(),
		Anomaly:    anomaly.DefaultConfig(),
		Reputation: reputation.DefaultConfig(),
		Storage: StorageConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:            "info",
			Format:           "text",
			EnableSanitizing: true,
		},
	}
}

// GetPresetConfig returns a named preset configuration.
func GetPresetConfig(preset string) (*Config, error) {
	config := DefaultConfig()
	switch preset {
	case PresetDefault:
	case PresetStrict:
		config.Budget.TotalBudgetLimit = 5.0
		config.Budget.Epsilon = map[sensitivity.Level]float64{
			sensitivity.High:   0.05,
			sensitivity.Medium: 0.2,
			sensitivity.Low:    0.5,
		}
		config.Anomaly.SigmaThreshold = 2.5
		config.Reputation.AnomalyPenalty = 20.0
		config.Reputation.IsolationThreshold = 3
	case PresetPermissive:
		config.Budget.TotalBudgetLimit = 50.0
		config.Budget.Epsilon = map[sensitivity.Level]float64{
			sensitivity.High:   0.5,
			sensitivity.Medium: 1.0,
			sensitivity.Low:    2.0,
		}
		config.Anomaly.SigmaThreshold = 4.0
		config.Reputation.AnomalyPenalty = 5.0
	default:
		return nil, fmt.Errorf("unknown preset: %s", preset)
	}
	return config, nil
}

// LoadConfig reads configuration from an optional JSON file, then applies
// environment overrides and validates the result. An empty path skips the
// file and uses defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if c.Budget == nil {
		return fmt.Errorf("budget config is required")
	}
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if c.Anomaly == nil {
		return fmt.Errorf("anomaly config is required")
	}
	if c.Anomaly.SigmaThreshold <= 0 {
		return fmt.Errorf("sigma threshold must be positive, got %v", c.Anomaly.SigmaThreshold)
	}
	if c.Reputation == nil {
		return fmt.Errorf("reputation config is required")
	}
	if c.Reputation.IsolationThreshold <= 0 {
		return fmt.Errorf("isolation threshold must be positive, got %d", c.Reputation.IsolationThreshold)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.ConnectionString == "" {
			return fmt.Errorf("postgres backend requires a connection string")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	return nil
}

// applyEnvironmentOverrides applies NOISEGUARD_* environment variables on
// top of the loaded configuration.
func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("NOISEGUARD_BUDGET_LIMIT"); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil {
			config.Budget.TotalBudgetLimit = limit
		}
	}
	if v := os.Getenv("NOISEGUARD_RESET_PERIOD_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil {
			config.Budget.ResetPeriodHours = hours
		}
	}
	if v := os.Getenv("NOISEGUARD_SIGMA_THRESHOLD"); v != "" {
		if sigma, err := strconv.ParseFloat(v, 64); err == nil {
			config.Anomaly.SigmaThreshold = sigma
		}
	}
	if v := os.Getenv("NOISEGUARD_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("NOISEGUARD_POSTGRES_DSN"); v != "" {
		config.Storage.ConnectionString = v
	}
	if v := os.Getenv("NOISEGUARD_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}
