// Package config handles YAML configuration loading with environment
// variable expansion, plus the handful of env-only settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Admin     AdminConfig     `yaml:"admin"`
	Timezone  string          `yaml:"timezone"` // IANA zone for calendar windows
	ClientVersionGAThreshold int `yaml:"client_version_ga_threshold"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds the shared state store settings.
type RedisConfig struct {
	URL string `yaml:"url"` // empty disables Redis (everything fails open)
}

// RateLimitConfig toggles the quota guard.
type RateLimitConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled defaults to true when unset.
func (r RateLimitConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// AdminConfig holds the admin API token.
type AdminConfig struct {
	Token string `yaml:"token"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
// A missing file yields the defaults, so the binary runs with env vars alone.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // streams run long
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "palantir.db"},
		Timezone: "Asia/Shanghai",
		ClientVersionGAThreshold: 2,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays the env-only settings onto the config.
func applyEnv(cfg *Config) {
	if tz := os.Getenv("TZ"); tz != "" {
		cfg.Timezone = tz
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if v := os.Getenv("ENABLE_RATE_LIMIT"); v != "" {
		enabled := v == "1" || v == "true"
		cfg.RateLimit.Enabled = &enabled
	}
	if v := os.Getenv("CLIENT_VERSION_GA_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 10 {
			cfg.ClientVersionGAThreshold = n
		}
	}
	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		cfg.Admin.Token = token
	}
}
