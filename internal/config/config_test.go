package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("trading:\n  symbol: GAZP\n"))
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, "GAZP", cfg.Trading.Symbol)
	assert.Equal(t, "GAZP", cfg.Policy.Key)
	assert.Equal(t, 0.02, cfg.Risk.MaxRiskPerTrade)
	assert.Equal(t, 0.05, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 3, cfg.Risk.MaxPositions)
	assert.Equal(t, 100000, cfg.Policy.TrainingTimesteps)
	assert.Equal(t, time.Minute, cfg.DecisionCadence())
	assert.Equal(t, time.Hour, cfg.CheckpointInterval())
	assert.InDelta(t, 0.1, cfg.MarginRate(), 1e-12)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
mode: sandbox
trading:
  symbol: SBER
  decision_cadence: 30s
risk:
  max_positions: 2
  stop_loss_distance: 0.5
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsSandbox())
	assert.Equal(t, 30*time.Second, cfg.DecisionCadence())
	assert.Equal(t, 2, cfg.Risk.MaxPositions)
	assert.Equal(t, 0.5, cfg.Risk.StopLossDistance)
	assert.Zero(t, cfg.Risk.ATRStopMultiplier)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown mode", "mode: margin\n"},
		{"live without account", "mode: live\n"},
		{"bad cadence", "trading:\n  decision_cadence: soon\n"},
		{"short lookback", "trading:\n  lookback: 10\n"},
		{"risk above one", "risk:\n  max_risk_per_trade: 1.5\n"},
		{"unknown strategy", "policy:\n  strategy: dqn\n"},
		{"onnx without model", "policy:\n  strategy: onnx\n"},
		{"telegram without chat", "telegram:\n  enabled: true\n"},
		{"webhook without url", "webhook:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
