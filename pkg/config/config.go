// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Detection criteria and safety limits
// are intentionally NOT configured here: they arrive with each workflow
// invocation so no hidden defaults can spend money.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"adpilot/pkg/models"
)

// Config holds the runtime wiring of the service.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	LogLevel    string `yaml:"log_level"`

	PlatformBaseURL string `yaml:"platform_base_url"`
	PlatformAPIKey  string `yaml:"platform_api_key"`

	Executor ExecutorConfig `yaml:"executor"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// LimitsConfig carries the account safety limits the background executor
// re-validates against. These only ever restrict changes; every value must
// be set explicitly, there are no permissive defaults.
type LimitsConfig struct {
	MaxDailyChangePercent float64 `yaml:"max_daily_change_percent"`
	MinBudgetPerAd        string  `yaml:"min_budget_per_ad"`
	MaxBudgetPerAd        string  `yaml:"max_budget_per_ad"`
	TotalBudgetCap        string  `yaml:"total_budget_cap"`
}

// SafetyLimits parses and validates the configured limits.
func (l LimitsConfig) SafetyLimits() (models.SafetyLimits, error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, fmt.Errorf("config: limits.%s is required", name)
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("config: limits.%s: %w", name, err)
		}
		return d, nil
	}
	min, err := parse("min_budget_per_ad", l.MinBudgetPerAd)
	if err != nil {
		return models.SafetyLimits{}, err
	}
	max, err := parse("max_budget_per_ad", l.MaxBudgetPerAd)
	if err != nil {
		return models.SafetyLimits{}, err
	}
	cap, err := parse("total_budget_cap", l.TotalBudgetCap)
	if err != nil {
		return models.SafetyLimits{}, err
	}
	limits := models.SafetyLimits{
		MaxDailyChangePercent: l.MaxDailyChangePercent,
		MinBudgetPerAd:        min,
		MaxBudgetPerAd:        max,
		TotalBudgetCap:        cap,
	}
	if err := limits.Validate(); err != nil {
		return models.SafetyLimits{}, err
	}
	return limits, nil
}

// ExecutorConfig tunes the SafeExecutor worker pool.
type ExecutorConfig struct {
	Workers          int           `yaml:"workers"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ClaimLease       time.Duration `yaml:"claim_lease"`
	JitterMin        time.Duration `yaml:"jitter_min"`
	JitterMax        time.Duration `yaml:"jitter_max"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RequestsPerHour  int64         `yaml:"requests_per_hour"`
	BreakerFailures  int           `yaml:"breaker_failures"`
	BreakerCoolDown  time.Duration `yaml:"breaker_cooldown"`
	ArchiveRetention time.Duration `yaml:"archive_retention"`
}

// Load reads the YAML file at path (if non-empty), then applies ADPILOT_*
// environment overrides on top.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Executor: ExecutorConfig{
			Workers:          4,
			PollInterval:     2 * time.Second,
			ClaimLease:       2 * time.Minute,
			JitterMin:        3 * time.Second,
			JitterMax:        18 * time.Second,
			RequestTimeout:   30 * time.Second,
			BackoffBase:      30 * time.Second,
			BackoffCap:       30 * time.Minute,
			MaxAttempts:      3,
			RequestsPerHour:  500,
			BreakerFailures:  5,
			BreakerCoolDown:  5 * time.Minute,
			ArchiveRetention: 7 * 24 * time.Hour,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = envStr("ADPILOT_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = envStr("ADPILOT_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = envStr("ADPILOT_REDIS_ADDR", cfg.RedisAddr)
	cfg.LogLevel = envStr("ADPILOT_LOG_LEVEL", cfg.LogLevel)
	cfg.PlatformBaseURL = envStr("ADPILOT_PLATFORM_BASE_URL", cfg.PlatformBaseURL)
	cfg.PlatformAPIKey = envStr("ADPILOT_PLATFORM_API_KEY", cfg.PlatformAPIKey)

	e := &cfg.Executor
	e.Workers = envInt("ADPILOT_EXECUTOR_WORKERS", e.Workers)
	e.PollInterval = envDur("ADPILOT_EXECUTOR_POLL_INTERVAL", e.PollInterval)
	e.ClaimLease = envDur("ADPILOT_EXECUTOR_CLAIM_LEASE", e.ClaimLease)
	e.JitterMin = envDur("ADPILOT_EXECUTOR_JITTER_MIN", e.JitterMin)
	e.JitterMax = envDur("ADPILOT_EXECUTOR_JITTER_MAX", e.JitterMax)
	e.RequestTimeout = envDur("ADPILOT_EXECUTOR_REQUEST_TIMEOUT", e.RequestTimeout)
	e.BackoffBase = envDur("ADPILOT_EXECUTOR_BACKOFF_BASE", e.BackoffBase)
	e.BackoffCap = envDur("ADPILOT_EXECUTOR_BACKOFF_CAP", e.BackoffCap)
	e.MaxAttempts = envInt("ADPILOT_EXECUTOR_MAX_ATTEMPTS", e.MaxAttempts)
	e.RequestsPerHour = envInt64("ADPILOT_EXECUTOR_REQUESTS_PER_HOUR", e.RequestsPerHour)
	e.BreakerFailures = envInt("ADPILOT_EXECUTOR_BREAKER_FAILURES", e.BreakerFailures)
	e.BreakerCoolDown = envDur("ADPILOT_EXECUTOR_BREAKER_COOLDOWN", e.BreakerCoolDown)
	e.ArchiveRetention = envDur("ADPILOT_ARCHIVE_RETENTION", e.ArchiveRetention)

	l := &cfg.Limits
	l.MaxDailyChangePercent = envFloat("ADPILOT_LIMITS_MAX_DAILY_CHANGE_PERCENT", l.MaxDailyChangePercent)
	l.MinBudgetPerAd = envStr("ADPILOT_LIMITS_MIN_BUDGET_PER_AD", l.MinBudgetPerAd)
	l.MaxBudgetPerAd = envStr("ADPILOT_LIMITS_MAX_BUDGET_PER_AD", l.MaxBudgetPerAd)
	l.TotalBudgetCap = envStr("ADPILOT_LIMITS_TOTAL_BUDGET_CAP", l.TotalBudgetCap)
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Validate checks internal consistency of operator-supplied settings.
func (c Config) Validate() error {
	e := c.Executor
	if e.Workers <= 0 {
		return fmt.Errorf("config: executor workers must be positive")
	}
	if e.JitterMin < 0 || e.JitterMax < e.JitterMin {
		return fmt.Errorf("config: jitter window invalid: min=%s max=%s", e.JitterMin, e.JitterMax)
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("config: max_attempts must be positive")
	}
	if e.RequestsPerHour <= 0 {
		return fmt.Errorf("config: requests_per_hour must be positive")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
