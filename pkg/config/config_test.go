package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 4, cfg.Executor.Workers)
	require.Equal(t, 3*time.Second, cfg.Executor.JitterMin)
	require.Equal(t, 18*time.Second, cfg.Executor.JitterMax)
	require.Equal(t, 3, cfg.Executor.MaxAttempts)
	require.Equal(t, int64(500), cfg.Executor.RequestsPerHour)
}

func TestYAMLThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
log_level: debug
executor:
  workers: 8
  max_attempts: 5
`), 0o644))

	t.Setenv("ADPILOT_EXECUTOR_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 2, cfg.Executor.Workers, "env wins over yaml")
	require.Equal(t, 5, cfg.Executor.MaxAttempts)
}

func TestValidationRejectsBadExecutor(t *testing.T) {
	t.Setenv("ADPILOT_EXECUTOR_MAX_ATTEMPTS", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestLimitsParseAndValidate(t *testing.T) {
	l := LimitsConfig{
		MaxDailyChangePercent: 0.3,
		MinBudgetPerAd:        "10",
		MaxBudgetPerAd:        "1000",
		TotalBudgetCap:        "5000",
	}
	limits, err := l.SafetyLimits()
	require.NoError(t, err)
	require.Equal(t, 0.3, limits.MaxDailyChangePercent)
	require.Equal(t, "10", limits.MinBudgetPerAd.String())

	l.MinBudgetPerAd = ""
	_, err = l.SafetyLimits()
	require.Error(t, err, "limits must be explicit")

	l.MinBudgetPerAd = "10"
	l.MaxDailyChangePercent = 1.5
	_, err = l.SafetyLimits()
	require.Error(t, err)
}
