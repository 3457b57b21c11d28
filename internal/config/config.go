// Package config provides configuration parsing and validation for htcp-purger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/htcp-purger/internal/logging"
	"github.com/postalsys/htcp-purger/internal/metrics"
	"github.com/postalsys/htcp-purger/internal/purger"
	"github.com/postalsys/htcp-purger/internal/routing"
)

// Config represents the complete purger configuration.
type Config struct {
	LogLevel     string          `yaml:"log_level"`  // debug, info, warn, error
	LogFormat    string          `yaml:"log_format"` // text, json
	LogFile      LogFileConfig   `yaml:"log_file"`
	MulticastTTL int             `yaml:"multicast_ttl"`
	LocalAddr    string          `yaml:"local_addr"` // empty for an ephemeral port
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Routes       []RouteConfig   `yaml:"routes"`
	Health       HealthConfig    `yaml:"health"`
	Stream       StreamConfig    `yaml:"stream"`
}

// LogFileConfig enables a rotating log file in addition to stderr.
type LogFileConfig struct {
	Path       string `yaml:"path"` // empty disables file logging
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RateLimitConfig paces outgoing packets.
type RateLimitConfig struct {
	PacketsPerSecond float64 `yaml:"packets_per_second"` // 0 = unlimited
	Burst            int     `yaml:"burst"`
}

// RouteConfig maps URLs to a cache endpoint.
type RouteConfig struct {
	Rule string `yaml:"rule,omitempty"` // "/<regexp>/" or empty for all URLs
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StreamConfig controls batching for the stream command.
type StreamConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "text",
		LogFile: LogFileConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		MulticastTTL: 8,
		RateLimit: RateLimitConfig{
			PacketsPerSecond: 0,
			Burst:            1,
		},
		Routes: []RouteConfig{},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9490",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if c.LogFile.Path != "" && (c.LogFile.MaxSizeMB < 0 || c.LogFile.MaxBackups < 0 || c.LogFile.MaxAgeDays < 0) {
		errs = append(errs, "log_file limits must not be negative")
	}

	if c.MulticastTTL < 0 || c.MulticastTTL > 255 {
		errs = append(errs, "multicast_ttl must be between 0 and 255")
	}

	if c.RateLimit.PacketsPerSecond < 0 {
		errs = append(errs, "rate_limit.packets_per_second must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit.burst must not be negative")
	}

	// Validate routes
	if len(c.Routes) == 0 {
		errs = append(errs, routing.ErrNoRoutes.Error())
	}
	for i, r := range c.Routes {
		if err := routing.ValidateRule(r.toRule()); err != nil {
			errs = append(errs, fmt.Sprintf("routes[%d]: %v", i, err))
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if c.Stream.BatchSize < 1 {
		errs = append(errs, "stream.batch_size must be positive")
	}
	if c.Stream.FlushInterval <= 0 {
		errs = append(errs, "stream.flush_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func (r RouteConfig) toRule() routing.Rule {
	return routing.Rule{Pattern: r.Rule, Host: r.Host, Port: r.Port}
}

// RoutingRules converts the configured routes in declaration order.
func (c *Config) RoutingRules() []routing.Rule {
	rules := make([]routing.Rule, len(c.Routes))
	for i, r := range c.Routes {
		rules[i] = r.toRule()
	}
	return rules
}

// PurgerOptions builds purger options from the config. Routing misses are
// logged through logger.
func (c *Config) PurgerOptions(logger *slog.Logger, m *metrics.Metrics) purger.Options {
	return purger.Options{
		Routes:       c.RoutingRules(),
		MulticastTTL: c.MulticastTTL,
		LocalAddr:    c.LocalAddr,
		Log:          logging.Callback(logger),
		Logger:       logger,
		Metrics:      m,
		Rate:         c.RateLimit.PacketsPerSecond,
		Burst:        c.RateLimit.Burst,
	}
}

// String returns a YAML representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
