package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/lpbot/config"
	"github.com/alejandrodnm/lpbot/internal/domain"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LOG_LEVEL", "LOG_FORMAT", "LPBOT_DSN", "LPBOT_INITIAL_CAPITAL", "LPBOT_TELEMETRY_URL"} {
		t.Setenv(k, "")
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ShippedConfig(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Scheduler.Interval)
	assert.InDelta(t, 1000, cfg.Ledger.InitialCapital, 1e-9)
	assert.Equal(t, 15*time.Minute, cfg.KillSwitch.MinRuntime)
	assert.InDelta(t, 0.28, cfg.KillSwitch.ResumeAliveRatio, 1e-9)
	assert.InDelta(t, 100, cfg.Orchestrator.Modes[domain.SizingStandard].MaxUSD, 1e-9)
	assert.InDelta(t, 150, cfg.Strategy.MicroScore.SizeUSD[domain.SizingAggressive], 1e-9)
	assert.Equal(t, "http://localhost:8089", cfg.Telemetry.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Valuation.MaxPriceAge)
	assert.Equal(t, ":9108", cfg.Metrics.Addr)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(writeYAML(t, "ledger:\n  initial_capital: 500\n"))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, "STOP_LPBOT", cfg.Scheduler.StopFile)
	assert.Equal(t, "lpbot.db", cfg.Storage.DSN)
	assert.Equal(t, "micro_score", cfg.Strategy.Name)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 2, cfg.KillSwitch.DebounceCycles)
	assert.InDelta(t, 0.40, cfg.Orchestrator.MaxTotalDeployedPct, 1e-9)
	assert.Len(t, cfg.Orchestrator.Modes, 3)
}

func TestLoad_PartialSectionKeepsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(writeYAML(t, `
ledger:
  initial_capital: 500
kill_switch:
  cooldown: 20m
orchestrator:
  modes:
    standard: {max_pct_of_equity: 0.04, min_usd: 10, max_usd: 80}
`))
	require.NoError(t, err)

	assert.Equal(t, 20*time.Minute, cfg.KillSwitch.Cooldown)
	assert.Equal(t, 60*time.Second, cfg.KillSwitch.RecheckInterval)
	assert.InDelta(t, 80, cfg.Orchestrator.Modes[domain.SizingStandard].MaxUSD, 1e-9)
	assert.InDelta(t, 250, cfg.Orchestrator.Modes[domain.SizingAggressive].MaxUSD, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LPBOT_DSN", ":memory:")
	t.Setenv("LPBOT_INITIAL_CAPITAL", "2500")
	t.Setenv("LPBOT_TELEMETRY_URL", "http://telemetry:9000")

	cfg, err := config.Load(writeYAML(t, "ledger:\n  initial_capital: 500\nstorage:\n  dsn: file.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":memory:", cfg.Storage.DSN)
	assert.InDelta(t, 2500, cfg.Ledger.InitialCapital, 1e-9)
	assert.Equal(t, "http://telemetry:9000", cfg.Telemetry.BaseURL)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeYAML(t, "ledger: [\n"))
	assert.ErrorContains(t, err, "parse YAML")

	_, err = config.Load(writeYAML(t, "log:\n  level: info\n"))
	assert.ErrorContains(t, err, "initial_capital")

	_, err = config.Load(writeYAML(t, `
ledger:
  initial_capital: 500
kill_switch:
  resume_alive_ratio: 0.10
`))
	assert.Error(t, err, "resume threshold below kill threshold")

	t.Setenv("LPBOT_INITIAL_CAPITAL", "lots")
	_, err = config.Load(writeYAML(t, "ledger:\n  initial_capital: 500\n"))
	assert.ErrorContains(t, err, "LPBOT_INITIAL_CAPITAL")
}

func TestLedgerPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger = config.LedgerConfig{InitialCapital: 100, TestMode: true, RestartTolerance: 2, Epsilon: 0.05}

	p := cfg.LedgerPolicy()
	assert.True(t, p.TestMode)
	assert.InDelta(t, 2, p.RestartTolerance, 1e-9)
	assert.InDelta(t, 0.05, p.Epsilon, 1e-9)
}
