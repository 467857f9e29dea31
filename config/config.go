// Package config loads and validates the throttle agent's configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ============================================================================
// Configuration Constants
// ============================================================================

const (
	// EnvPrefix is the prefix for environment-variable overrides.
	EnvPrefix = "THROTTLE_AGENT"

	// DefaultRate is the default target admission rate per interval.
	DefaultRate = 1_000_000
	// DefaultRateIntervalMs is the default accounting window size, in milliseconds.
	DefaultRateIntervalMs = 1000
	// DefaultRateLowerWeight multiplies failed outcomes in the rate direction sign test.
	DefaultRateLowerWeight = 18
	// DefaultRateLowerKoef is the fractional step applied on a decrease.
	//
	// Two candidate defaults circulated for this value, 0.2 and 0.1; we settled
	// on 0.2 — see DESIGN.md Open Question 1.
	DefaultRateLowerKoef = 0.2
	// DefaultRateRaiseKoef is the fractional step applied on an increase.
	DefaultRateRaiseKoef = 0.02
	// DefaultMaxPending is the pending-queue cutoff per endpoint.
	DefaultMaxPending = 3000
	// DefaultMaxBuffer is the average per-socket buffer cutoff, in bytes.
	DefaultMaxBuffer = 50
	// DefaultCheckBeforeRequest controls whether the pre-check path is enabled.
	DefaultCheckBeforeRequest = false

	// MinRate is the floor of any limiter's working limit.
	MinRate = 1
	// MaxRate is the ceiling of any limiter's working limit.
	MaxRate = 1_000_000
	// AvgTimeThresholdMs is the averageTime threshold that relaxes the buffer gate.
	AvgTimeThresholdMs = 400
	// CleanupIntervalMs is how long a limiter must sit idle before it is
	// eligible for garbage collection.
	CleanupIntervalMs = 60_000

	// Default logging settings, mirrored from the teacher's logging config.
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultLogOutput     = "console"
	DefaultLogMaxSize    = 100
	DefaultLogMaxBackups = 5
	DefaultLogMaxAge     = 30
	DefaultLogCompress   = true

	// DefaultHotReloadDebounce is the default debounce window for config file changes.
	DefaultHotReloadDebounce = 2 * time.Second
)

// Valid value sets used for validation.
var (
	ValidLogLevels  = []string{"debug", "info", "warn", "error"}
	ValidLogFormats = []string{"text", "json"}
	ValidLogOutputs = []string{"console", "file", "both"}
)

// ============================================================================
// Configuration Errors
// ============================================================================

var (
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrInvalidLogOutput = errors.New("invalid log output")
	ErrNegativeValue    = errors.New("value must be non-negative")
	ErrRateOutOfRange   = errors.New("rate must be between MinRate and MaxRate")
	ErrInvalidInterval  = errors.New("interval must be positive")
)

// ============================================================================
// Configuration Structures
// ============================================================================

// Config is the throttle agent's configuration. It is an immutable value
// type — callers that need to change settings at runtime go through the
// hot-reload path, which produces a fresh Config and re-applies it to the
// live agent rather than mutating this one in place.
type Config struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RateLimitConfig holds the token-bucket and feedback-loop tuning knobs.
type RateLimitConfig struct {
	Rate            int     `mapstructure:"rate"`              // default target rate per interval
	RateIntervalMs  int     `mapstructure:"rate_interval_ms"`   // accounting window size
	RateLowerWeight int     `mapstructure:"rate_lower_weight"`  // multiplier on failed in the sign test
	RateLowerKoef   float64 `mapstructure:"rate_lower_koef"`    // fractional step on decrease
	RateRaiseKoef   float64 `mapstructure:"rate_raise_koef"`    // fractional step on increase
}

// AdmissionConfig holds the pre-emptive rejection knobs.
type AdmissionConfig struct {
	MaxPending         int  `mapstructure:"max_pending"`          // pending-queue cutoff per endpoint
	MaxBuffer          int  `mapstructure:"max_buffer"`           // avg socket buffer cutoff, bytes
	CheckBeforeRequest bool `mapstructure:"check_before_request"` // enable the pre-check path
}

// LoggingConfig holds logging configuration, mirrored from the teacher.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ============================================================================
// Configuration Loading
// ============================================================================

// Load reads configuration from file and environment, returning an
// immutable Config. configPath may be empty, in which case viper searches
// the working directory, ./config and /etc/throttle-agent/ for a config file, falling
// back to defaults if none is found.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/throttle-agent/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration and panics on error. Use only in tests or
// process bootstrap.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Default returns a Config populated entirely from defaults, with no file
// or environment lookup. Useful for tests and for embedding the agent as a
// library with no external configuration file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rate_limit.rate", DefaultRate)
	v.SetDefault("rate_limit.rate_interval_ms", DefaultRateIntervalMs)
	v.SetDefault("rate_limit.rate_lower_weight", DefaultRateLowerWeight)
	v.SetDefault("rate_limit.rate_lower_koef", DefaultRateLowerKoef)
	v.SetDefault("rate_limit.rate_raise_koef", DefaultRateRaiseKoef)

	v.SetDefault("admission.max_pending", DefaultMaxPending)
	v.SetDefault("admission.max_buffer", DefaultMaxBuffer)
	v.SetDefault("admission.check_before_request", DefaultCheckBeforeRequest)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.output", DefaultLogOutput)
	v.SetDefault("logging.max_size", DefaultLogMaxSize)
	v.SetDefault("logging.max_backups", DefaultLogMaxBackups)
	v.SetDefault("logging.max_age", DefaultLogMaxAge)
	v.SetDefault("logging.compress", DefaultLogCompress)
}

// ============================================================================
// Validation
// ============================================================================

// Validate validates the entire configuration.
func Validate(cfg *Config) error {
	if err := validateRateLimitConfig(&cfg.RateLimit); err != nil {
		return fmt.Errorf("rate_limit config: %w", err)
	}
	if err := validateAdmissionConfig(&cfg.Admission); err != nil {
		return fmt.Errorf("admission config: %w", err)
	}
	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func validateRateLimitConfig(cfg *RateLimitConfig) error {
	if cfg.Rate < MinRate || cfg.Rate > MaxRate {
		return fmt.Errorf("%w: got %d", ErrRateOutOfRange, cfg.Rate)
	}
	if cfg.RateIntervalMs <= 0 {
		return fmt.Errorf("rate_interval_ms: %w", ErrInvalidInterval)
	}
	if cfg.RateLowerWeight < 0 {
		return fmt.Errorf("rate_lower_weight: %w", ErrNegativeValue)
	}
	if cfg.RateLowerKoef < 0 || cfg.RateRaiseKoef < 0 {
		return fmt.Errorf("rate_lower_koef/rate_raise_koef: %w", ErrNegativeValue)
	}
	return nil
}

func validateAdmissionConfig(cfg *AdmissionConfig) error {
	if cfg.MaxPending < 0 {
		return fmt.Errorf("max_pending: %w", ErrNegativeValue)
	}
	if cfg.MaxBuffer < 0 {
		return fmt.Errorf("max_buffer: %w", ErrNegativeValue)
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	if !containsString(ValidLogLevels, cfg.Level) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogLevel, cfg.Level, ValidLogLevels)
	}
	if !containsString(ValidLogFormats, cfg.Format) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogFormat, cfg.Format, ValidLogFormats)
	}
	if !containsString(ValidLogOutputs, cfg.Output) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogOutput, cfg.Output, ValidLogOutputs)
	}
	return nil
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// ToSafeMap returns a map representation suitable for structured logging.
func (c *Config) ToSafeMap() map[string]interface{} {
	return map[string]interface{}{
		"rate_limit": map[string]interface{}{
			"rate":              c.RateLimit.Rate,
			"rate_interval_ms":  c.RateLimit.RateIntervalMs,
			"rate_lower_weight": c.RateLimit.RateLowerWeight,
			"rate_lower_koef":   c.RateLimit.RateLowerKoef,
			"rate_raise_koef":   c.RateLimit.RateRaiseKoef,
		},
		"admission": map[string]interface{}{
			"max_pending":          c.Admission.MaxPending,
			"max_buffer":           c.Admission.MaxBuffer,
			"check_before_request": c.Admission.CheckBeforeRequest,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}
}
