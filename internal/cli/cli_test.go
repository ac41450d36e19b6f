package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarm-trader/internal/security"
)

const testAPIKey = "TESTKEY1234567"

func writeConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "[logging]\nlevel = \"error\"\nconsole = false\nfile = false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(cfg), 0644))
	creds := "[provider]\napi_keys = [\"" + testAPIKey + "\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(creds), 0600))
	return dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(zerolog.Nop())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionNeedsNoConfig(t *testing.T) {
	out, err := execute(t, "", "--config", filepath.Join(t.TempDir(), "missing"), "version", "--json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, Version, got["version"])
}

func TestAlarmsAddListRemove(t *testing.T) {
	dir := writeConfigDir(t)

	out, err := execute(t, "", "--config", dir, "alarms", "add", "msft", "100", "crossdown", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued MSFT crossdown at 100")

	_, err = execute(t, "", "--config", dir, "alarms", "remove", "aapl", "sma50")
	require.NoError(t, err)

	intake, err := os.ReadFile(filepath.Join(dir, "tickers_watched_alarm.csv"))
	require.NoError(t, err)
	assert.Equal(t, "msft,100,crossdown,500\n-aapl,sma50\n", string(intake))

	out, err = execute(t, "", "--config", dir, "--json", "alarms", "list", "--all")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestAlarmsAddRejectsBadDirection(t *testing.T) {
	dir := writeConfigDir(t)
	_, err := execute(t, "", "--config", dir, "alarms", "add", "msft", "100", "sideways")
	assert.Error(t, err)
}

func TestConfigShowMasksKeys(t *testing.T) {
	dir := writeConfigDir(t)
	out, err := execute(t, "", "--config", dir, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, testAPIKey)
	assert.Contains(t, out, security.MaskCredential(testAPIKey))
	assert.Contains(t, out, filepath.Join(dir, "alarm-trader.db"))
}

func TestConfigValidateAndPath(t *testing.T) {
	dir := writeConfigDir(t)
	out, err := execute(t, "", "--config", dir, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	out, err = execute(t, "", "--config", dir, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(out))
}

func TestMissingConfigCreatesTemplate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	_, err := execute(t, "", "--config", dir, "alarms", "list")
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))
}

func TestRunRejectsUnknownMode(t *testing.T) {
	dir := writeConfigDir(t)
	_, err := execute(t, "", "--config", dir, "run", "demo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAPER or LIVE")
}

func TestPortfolioEmpty(t *testing.T) {
	dir := writeConfigDir(t)
	out, err := execute(t, "", "--config", dir, "portfolio")
	require.NoError(t, err)
	assert.Contains(t, out, "No open positions")
}

func TestCredentialsSealAndLoad(t *testing.T) {
	dir := writeConfigDir(t)

	out, err := execute(t, "s3cret\n", "--config", dir, "credentials", "seal")
	require.NoError(t, err)
	assert.Contains(t, out, security.VaultFile)
	assert.NoFileExists(t, filepath.Join(dir, "credentials.toml"))

	t.Setenv(security.PasswordEnv, "s3cret")
	out, err = execute(t, "", "--config", dir, "credentials", "status")
	require.NoError(t, err)
	assert.Contains(t, out, security.MaskCredential(testAPIKey))

	out, err = execute(t, "", "--config", dir, "--json", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, security.MaskCredential(testAPIKey))
	assert.NotContains(t, out, testAPIKey)

	t.Setenv(security.PasswordEnv, "wrong")
	_, err = execute(t, "", "--config", dir, "config", "show")
	assert.ErrorIs(t, err, security.ErrWrongPassword)
}

func TestTableRender(t *testing.T) {
	var buf bytes.Buffer
	o := &Output{writer: &buf}
	table := NewTable(o, "TICKER", "QTY")
	table.AddRow("MSFT", "10")
	table.AddRow("GOOGL", "1")
	table.Render()

	assert.Equal(t, "TICKER  QTY\n------  ---\nMSFT    10\nGOOGL   1\n", buf.String())
}

func TestVisibleLenIgnoresEscapes(t *testing.T) {
	assert.Equal(t, 3, visibleLen("\x1b[32myes\x1b[0m"))
	assert.Equal(t, 4, visibleLen("MSFT"))
}

func TestFormatShares(t *testing.T) {
	assert.Equal(t, "12", formatShares(12))
	assert.Equal(t, "1,500", formatShares(1500))
	assert.Equal(t, "12,345.25", formatShares(12345.25))
	assert.Equal(t, "-2,000", formatShares(-2000))
	assert.Equal(t, "-0.5", formatShares(-0.5))
	assert.Equal(t, "0", formatShares(0))
}
