package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarm-trader/internal/models"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ALPHAVANTAGE_API_KEY", "ALPHAVANTAGE_API_KEY0", "ALPHAVANTAGE_API_KEY1",
		"NAPI_CALLS_PER_MINUTE", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "TRADING_MODE"} {
		t.Setenv(k, "")
	}
}

func writeFiles(t *testing.T, cfg, creds string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(cfg), 0644))
	if creds != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(creds), 0600))
	}
	return dir
}

func TestLoadTemplateDefaults(t *testing.T) {
	clearEnv(t)
	dir := writeFiles(t, configTemplate, "[provider]\napi_keys = [\"ab-c1 23\"]\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"abc123"}, cfg.Credentials.Provider.APIKeys)
	assert.Equal(t, 5, cfg.Provider.CallsPerMinute)
	assert.Equal(t, time.Minute, cfg.Provider.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.UnavailablePoll)
	assert.Equal(t, filepath.Join(dir, "alarm-trader.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "blocking_errors.csv"), cfg.Notifications.QueuePath)
	assert.True(t, cfg.IsPaperMode())
	assert.False(t, cfg.Notifications.Telegram.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := writeFiles(t, configTemplate, "[provider]\napi_keys = [\"FILEKEY\"]\n")
	t.Setenv("ALPHAVANTAGE_API_KEY0", "ENVKEY0")
	t.Setenv("ALPHAVANTAGE_API_KEY1", "ENVKEY1")
	t.Setenv("NAPI_CALLS_PER_MINUTE", "75")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("TRADING_MODE", "LIVE")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"ENVKEY0", "ENVKEY1"}, cfg.Credentials.Provider.APIKeys)
	assert.Equal(t, 75, cfg.Provider.CallsPerMinute)
	assert.True(t, cfg.Notifications.Telegram.Enabled)
	assert.False(t, cfg.IsPaperMode())
}

func TestLoadMissingFilesWriteTemplates(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join(t.TempDir(), "fresh")
	_, err := Load(dir)
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))

	// Second run finds config.toml but not credentials.toml.
	_, err = Load(dir)
	require.Error(t, err)
	info, statErr := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, statErr)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadWithCredentialLoader(t *testing.T) {
	clearEnv(t)
	dir := writeFiles(t, configTemplate, "")

	cfg, err := Load(dir, WithCredentialLoader(func(c *Credentials) error {
		c.Provider.APIKeys = []string{"VAULTKEY"}
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"VAULTKEY"}, cfg.Credentials.Provider.APIKeys)
	assert.NoFileExists(t, filepath.Join(dir, "credentials.toml"))

	boom := errors.New("locked")
	_, err = Load(dir, WithCredentialLoader(func(*Credentials) error { return boom }))
	assert.ErrorIs(t, err, boom)
}

func TestValidateRejectsMissingKeys(t *testing.T) {
	clearEnv(t)
	dir := writeFiles(t, configTemplate, "[provider]\napi_keys = []\n")
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode(" Paper ")
	require.NoError(t, err)
	assert.Equal(t, "paper", mode)

	mode, err = ParseMode("LIVE")
	require.NoError(t, err)
	assert.Equal(t, "live", mode)

	_, err = ParseMode("demo")
	assert.Error(t, err)
}

func TestLoadIndicatorsSeedsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "available_indicators.csv")
	indicators, err := LoadIndicators(path)
	require.NoError(t, err)
	assert.Equal(t, models.Interval15Min, indicators[models.DefaultIndicator])

	require.NoError(t, os.WriteFile(path, []byte("default,15min\nSMA50,60min\n"), 0644))
	indicators, err = LoadIndicators(path)
	require.NoError(t, err)
	assert.Equal(t, models.Interval60Min, indicators["sma50"])
}
