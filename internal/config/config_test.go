package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
exchange:
  api_key: test-key
  api_secret: test-secret
`

const strategyConfig = `
exchange:
  api_key: ${GT_TEST_API_KEY}
  api_secret: ${GT_TEST_API_SECRET}

strategies:
  - settings:
      symbol: BTCUSDT
      position_side: LONG
      grid_price_difference: "50"
      grid_trade_quantity: "0.002"
      max_position_quantity: "0.1"
`

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("GT_TEST_VALUE", "expanded")

	assert.Equal(t, "key: expanded", expandEnvVars("key: ${GT_TEST_VALUE}"))
	assert.Equal(t, "key: ", expandEnvVars("key: ${GT_TEST_MISSING}"))
	assert.Equal(t, "static: 123", expandEnvVars("static: 123"))
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.App.LogLevel)
	assert.Equal(t, "grid_trader.db", cfg.App.DatabasePath)
	assert.Equal(t, 9090, cfg.Telemetry.MetricsPort)
	assert.Equal(t, 8, cfg.Concurrency.PoolSize)
	assert.Equal(t, 128, cfg.Concurrency.PoolBuffer)
	assert.Equal(t, "1h", cfg.Optimizer.Interval)
	assert.Equal(t, "profit", cfg.Optimizer.Objective)
}

func TestLoadConfig_ExpandsCredentialsFromEnv(t *testing.T) {
	t.Setenv("GT_TEST_API_KEY", "key-from-env")
	t.Setenv("GT_TEST_API_SECRET", "secret-from-env")

	cfg, err := LoadConfig(writeConfig(t, strategyConfig))
	require.NoError(t, err)

	assert.Equal(t, Secret("key-from-env"), cfg.Exchange.APIKey)
	assert.Equal(t, Secret("secret-from-env"), cfg.Exchange.APISecret)

	// Strategy credentials fall back to the exchange section
	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, "key-from-env", cfg.Strategies[0].Credentials.APIKey)
	assert.Equal(t, time.Second, cfg.Strategies[0].Settings.PollingInterval)
}

func TestLoadConfig_RejectsInvalidLogLevel(t *testing.T) {
	content := minimalConfig + `
app:
  log_level: LOUD
`
	_, err := LoadConfig(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.log_level")
}

func TestLoadConfig_RejectsInvalidObjective(t *testing.T) {
	content := minimalConfig + `
optimizer:
  objective: vibes
`
	_, err := LoadConfig(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "optimizer.objective")
}

func TestLoadConfig_RejectsInvalidStrategy(t *testing.T) {
	content := `
exchange:
  api_key: k
  api_secret: s

strategies:
  - settings:
      symbol: BTCUSDT
      position_side: SIDEWAYS
      grid_price_difference: "50"
      grid_trade_quantity: "0.002"
`
	_, err := LoadConfig(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategies[0]")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	t.Setenv("GT_TEST_API_KEY", "my_super_secret_api_key")
	t.Setenv("GT_TEST_API_SECRET", "my_super_secret_secret_key")

	cfg, err := LoadConfig(writeConfig(t, strategyConfig))
	require.NoError(t, err)

	output := cfg.String()
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
	assert.Contains(t, output, "[REDACTED]")
	assert.Contains(t, output, "****")
}
