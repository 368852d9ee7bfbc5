// Package config holds the daemon configuration surface: six boolean
// feature gates, tier capacities, and the background loop intervals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all cnsd configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Feature gates. When a gate is off the corresponding manager
	// behavior takes a neutral path rather than omitting the call.
	Features FeatureConfig `yaml:"features"`

	// Per-tier capacities and tuning
	Tiers TierConfig `yaml:"tiers"`

	// Background loop intervals
	Intervals IntervalConfig `yaml:"intervals"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// FeatureConfig is the fixed set of boolean feature gates.
type FeatureConfig struct {
	EnableValidation             bool `yaml:"enable_validation"`
	EnableEvolution              bool `yaml:"enable_evolution"`
	EnablePredictiveLoading      bool `yaml:"enable_predictive_loading"`
	EnableIntelligenceMultiplier bool `yaml:"enable_intelligence_multiplier"`
	AutoHealing                  bool `yaml:"auto_healing"`
	MetricsCollection            bool `yaml:"metrics_collection"`
}

// TierConfig sizes the four memory tiers.
type TierConfig struct {
	SessionMaxSize     int     `yaml:"session_max_size"`
	ContextMaxSize     int     `yaml:"context_max_size"`
	PatternsMaxSize    int     `yaml:"patterns_max_size"`
	PredictionsMaxSize int     `yaml:"predictions_max_size"`
	CompressionRatio   float64 `yaml:"compression_ratio"`
}

// IntervalConfig holds the background loop periods.
type IntervalConfig struct {
	Metrics      time.Duration `yaml:"metrics"`
	Optimize     time.Duration `yaml:"optimize"`
	ValidateHeal time.Duration `yaml:"validate_heal"`
	Recompute    time.Duration `yaml:"recompute"`
	Rebalance    time.Duration `yaml:"rebalance"`
	Evolution    time.Duration `yaml:"evolution"`
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`   // empty means stderr
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// DefaultConfig returns the full default configuration, all gates on.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cnsd",
		Version: "0.1.0",
		Features: FeatureConfig{
			EnableValidation:             true,
			EnableEvolution:              true,
			EnablePredictiveLoading:      true,
			EnableIntelligenceMultiplier: true,
			AutoHealing:                  true,
			MetricsCollection:            true,
		},
		Tiers: TierConfig{
			SessionMaxSize:     1000,
			ContextMaxSize:     500,
			PatternsMaxSize:    200,
			PredictionsMaxSize: 100,
			CompressionRatio:   0.4,
		},
		Intervals: IntervalConfig{
			Metrics:      30 * time.Second,
			Optimize:     10 * time.Minute,
			ValidateHeal: time.Hour,
			Recompute:    time.Minute,
			Rebalance:    10 * time.Minute,
			Evolution:    5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9920",
			Path: "/metrics",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
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

// applyEnvOverrides lets the environment flip gates without a file.
func (c *Config) applyEnvOverrides() {
	envBool("CNSD_ENABLE_VALIDATION", &c.Features.EnableValidation)
	envBool("CNSD_ENABLE_EVOLUTION", &c.Features.EnableEvolution)
	envBool("CNSD_ENABLE_PREDICTIVE_LOADING", &c.Features.EnablePredictiveLoading)
	envBool("CNSD_ENABLE_INTELLIGENCE_MULTIPLIER", &c.Features.EnableIntelligenceMultiplier)
	envBool("CNSD_AUTO_HEALING", &c.Features.AutoHealing)
	envBool("CNSD_METRICS_COLLECTION", &c.Features.MetricsCollection)

	if addr := os.Getenv("CNSD_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
	}
	if level := os.Getenv("CNSD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func envBool(key string, dst *bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		*dst = v
	}
}

func (c *Config) Validate() error {
	for name, size := range map[string]int{
		"session":     c.Tiers.SessionMaxSize,
		"context":     c.Tiers.ContextMaxSize,
		"patterns":    c.Tiers.PatternsMaxSize,
		"predictions": c.Tiers.PredictionsMaxSize,
	} {
		if size <= 0 {
			return fmt.Errorf("invalid %s tier size: %d", name, size)
		}
	}
	if c.Tiers.CompressionRatio <= 0 || c.Tiers.CompressionRatio > 1 {
		return fmt.Errorf("invalid compression ratio: %g", c.Tiers.CompressionRatio)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	for name, d := range map[string]time.Duration{
		"metrics":       c.Intervals.Metrics,
		"optimize":      c.Intervals.Optimize,
		"validate_heal": c.Intervals.ValidateHeal,
		"recompute":     c.Intervals.Recompute,
		"rebalance":     c.Intervals.Rebalance,
		"evolution":     c.Intervals.Evolution,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s interval: %v", name, d)
		}
	}
	return nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if p := os.Getenv("CNSD_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "cnsd.yaml"
	}
	return filepath.Join(home, ".cnsd", "config.yaml")
}
