// Package config loads the server configuration from a TOML file, applies
// CODEPERCENT_* environment overrides and fills defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultTimeWindowSeconds      = 60
	DefaultTelemetryTimeoutMs     = 5000
	DefaultTelemetryRatePerSecond = 2.0
	DefaultLogLevel               = "info"
)

// Config is the on-disk configuration.
type Config struct {
	// TimeWindowSeconds is how often each language tracker flushes.
	TimeWindowSeconds int `toml:"time_window_seconds"`

	// TelemetryEnabled gates metric emission. It is re-read on file changes.
	TelemetryEnabled bool `toml:"telemetry_enabled"`

	// TelemetryURL is the metrics endpoint. Empty means metrics are only logged.
	TelemetryURL string `toml:"telemetry_url"`

	TelemetryTimeoutMs     int     `toml:"telemetry_timeout_ms"`
	TelemetryRatePerSecond float64 `toml:"telemetry_rate_per_second"`

	LogLevel string `toml:"log_level"`

	// Languages restricts tracking to these language ids. Empty tracks all.
	Languages []string `toml:"languages"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		TimeWindowSeconds:      DefaultTimeWindowSeconds,
		TelemetryEnabled:       true,
		TelemetryTimeoutMs:     DefaultTelemetryTimeoutMs,
		TelemetryRatePerSecond: DefaultTelemetryRatePerSecond,
		LogLevel:               DefaultLogLevel,
	}
}

// TimeWindow returns the flush interval as a duration.
func (c *Config) TimeWindow() time.Duration {
	return time.Duration(c.TimeWindowSeconds) * time.Second
}

// TelemetryTimeout returns the per-request telemetry timeout.
func (c *Config) TelemetryTimeout() time.Duration {
	return time.Duration(c.TelemetryTimeoutMs) * time.Millisecond
}

// TracksLanguage reports whether language is enabled by the Languages filter.
func (c *Config) TracksLanguage(language string) bool {
	if len(c.Languages) == 0 {
		return true
	}
	for _, l := range c.Languages {
		if strings.EqualFold(l, language) {
			return true
		}
	}
	return false
}

// SetDefaults fills zero values. TelemetryEnabled is left alone since false is
// a meaningful setting.
func (c *Config) SetDefaults() {
	if c.TimeWindowSeconds == 0 {
		c.TimeWindowSeconds = DefaultTimeWindowSeconds
	}
	if c.TelemetryTimeoutMs == 0 {
		c.TelemetryTimeoutMs = DefaultTelemetryTimeoutMs
	}
	if c.TelemetryRatePerSecond == 0 {
		c.TelemetryRatePerSecond = DefaultTelemetryRatePerSecond
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.TimeWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("time_window_seconds must be at least 1, got %d", c.TimeWindowSeconds))
	}
	if c.TelemetryTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("telemetry_timeout_ms must not be negative, got %d", c.TelemetryTimeoutMs))
	}
	if c.TelemetryRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("telemetry_rate_per_second must not be negative, got %v", c.TelemetryRatePerSecond))
	}
	if c.TelemetryURL != "" && !strings.HasPrefix(c.TelemetryURL, "http://") && !strings.HasPrefix(c.TelemetryURL, "https://") {
		errs = append(errs, fmt.Errorf("telemetry_url must be an http(s) URL, got %q", c.TelemetryURL))
	}
	return errors.Join(errs...)
}

// ApplyEnvOverrides applies CODEPERCENT_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v, ok := os.LookupEnv("CODEPERCENT_TELEMETRY"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TelemetryEnabled = b
		}
	}
	if v := os.Getenv("CODEPERCENT_TELEMETRY_URL"); v != "" {
		c.TelemetryURL = v
	}
	if v := os.Getenv("CODEPERCENT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CODEPERCENT_TIME_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TimeWindowSeconds = n
		}
	}
}

// LoadFromPath decodes the TOML file at path on top of the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path if it exists and falls back to defaults otherwise. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return LoadFromPath(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
