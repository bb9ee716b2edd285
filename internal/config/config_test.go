package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Queue.BackoffMax)
	assert.Equal(t, 10, cfg.Queue.RatePerMinute)
	assert.Equal(t, 30*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, "Tradewatch webhook", cfg.Provider.WebhookName)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradewatch.toml")
	content := `
[server]
port = 8080

[provider]
base_url = "https://api.example.com"
api_key = "key-123"
callback_url = "https://tradewatch.example.com/api/v1/activity"

[queue]
max_attempts = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://api.example.com", cfg.Provider.BaseURL)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	// Untouched settings keep their defaults.
	assert.Equal(t, 10, cfg.Queue.RatePerMinute)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TRADEWATCH_LOG__LEVEL", "debug")
	t.Setenv("TRADEWATCH_PROVIDER__API_KEY", "key-from-env")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "key-from-env", cfg.Provider.APIKey)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	// Defaults alone are not a runnable configuration.
	assert.Error(t, Validate(cfg))

	cfg.Provider.BaseURL = "https://api.example.com"
	cfg.Provider.APIKey = "key-123"
	cfg.Provider.CallbackURL = "https://tradewatch.example.com/api/v1/activity"
	assert.NoError(t, Validate(cfg))

	cfg.Server.Port = 0
	assert.Error(t, Validate(cfg))
}
