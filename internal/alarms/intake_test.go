package alarms

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarm-trader/internal/models"
)

var testIndicators = models.Indicators{
	models.DefaultIndicator: models.Interval15Min,
	"rsi":                   models.Interval60Min,
}

func newTestIntake(t *testing.T, content string) *Intake {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickers_watched_alarm.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	in, err := NewIntake(path)
	require.NoError(t, err)
	return in
}

func readFile(t *testing.T, in *Intake) string {
	t.Helper()
	data, err := os.ReadFile(in.Path())
	require.NoError(t, err)
	return string(data)
}

func TestSanitize(t *testing.T) {
	in := newTestIntake(t, strings.Join([]string{
		"MSFT,100,crossdown,500",
		"MSFT,,100,crossdown",
		"AAPL,RSI,crossup",
		"GOOG,macd,crossup",
		"TSLA,200",
		"-AMZN",
		"-NFLX,,",
		"  ",
		"-amzn,",
	}, "\n"))

	malformed, err := in.Sanitize(testIndicators)
	require.NoError(t, err)
	assert.Equal(t, []string{"GOOG,macd,crossup", "TSLA,200"}, malformed)

	assert.Equal(t, strings.Join([]string{
		"msft,100,crossdown,500",
		"aapl,rsi,crossup",
		"-amzn,,",
		"-nflx,,",
	}, "\n")+"\n", readFile(t, in))
}

func TestSanitizeMergesCapital(t *testing.T) {
	in := newTestIntake(t, "msft,100,crossdown\nmsft,100,crossdown,750\n")

	_, err := in.Sanitize(testIndicators)
	require.NoError(t, err)
	assert.Equal(t, "msft,100,crossdown,750\n", readFile(t, in))
}

func TestWithdrawals(t *testing.T) {
	in := newTestIntake(t, "-msft,100,\n-aapl,,\nmsft,90,crossdown\n")

	refs, err := in.Withdrawals()
	require.NoError(t, err)
	assert.Equal(t, []models.AlarmRef{
		{Ticker: "MSFT", Target: "100"},
		{Ticker: "AAPL", Target: ""},
	}, refs)
}

func TestTakeNewAlarms(t *testing.T) {
	in := newTestIntake(t, "msft,100,crossdown,500\naapl,rsi,sideways\n-goog,,\ntsla,rsi,crossup\n")

	alarms, rejected, err := in.TakeNewAlarms()
	require.NoError(t, err)

	require.Len(t, alarms, 2)
	assert.Equal(t, "MSFT", alarms[0].Ticker)
	assert.Equal(t, models.Buy, alarms[0].Direction)
	require.NotNil(t, alarms[0].Capital)
	assert.Equal(t, 500.0, *alarms[0].Capital)
	p, ok := alarms[0].Target.Price()
	assert.True(t, ok)
	assert.Equal(t, 100.0, p)

	assert.Equal(t, "TSLA", alarms[1].Ticker)
	assert.Equal(t, models.Sell, alarms[1].Direction)
	name, ok := alarms[1].Target.Indicator()
	assert.True(t, ok)
	assert.Equal(t, "rsi", name)

	require.Len(t, rejected, 1)
	assert.Equal(t, "aapl,rsi,sideways", rejected[0].Line)

	assert.Equal(t, "-goog,,\n", readFile(t, in))
}

func TestRemoveRef(t *testing.T) {
	in := newTestIntake(t, "msft,100,crossdown\nmsft,1000,crossup\n-msft,100,\naapl,100,crossdown\n")

	n, err := in.RemoveRef(models.AlarmRef{Ticker: "MSFT", Target: "100"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "msft,1000,crossup\naapl,100,crossdown\n", readFile(t, in))

	n, err = in.RemoveRef(models.AlarmRef{Ticker: "msft"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "aapl,100,crossdown\n", readFile(t, in))
}

func TestAppendAndRemoveLine(t *testing.T) {
	in := newTestIntake(t, "")

	require.NoError(t, in.Append("a,1,crossup", "b,2,crossdown"))
	ok, err := in.RemoveLine("a,1,crossup")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = in.RemoveLine("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	lines, err := in.Lines()
	require.NoError(t, err)
	assert.Equal(t, []string{"b,2,crossdown"}, lines)
}

func TestFormatLineRoundTrip(t *testing.T) {
	capital := 250.5
	a, err := models.NewAlarm("nvda", models.PriceTarget(412.25), models.Sell, &capital)
	require.NoError(t, err)

	line := FormatLine(a)
	assert.Equal(t, "nvda,412.25,crossup,250.5", line)

	back, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, a.Key(), back.Key())
	assert.Equal(t, a.Descriptor(), back.Descriptor())

	assert.Equal(t, "-nvda,412.25", WithdrawalLine(a.Ref()))
}

func TestWithdrawalsUseStoredTargetForm(t *testing.T) {
	in := newTestIntake(t, "-msft,100.50,\n-aapl,100.0,\n-nvda,SMA50,\n")

	refs, err := in.Withdrawals()
	require.NoError(t, err)
	assert.Equal(t, []models.AlarmRef{
		{Ticker: "MSFT", Target: "100.5"},
		{Ticker: "AAPL", Target: "100"},
		{Ticker: "NVDA", Target: "sma50"},
	}, refs)

	removed, err := in.RemoveRef(models.AlarmRef{Ticker: "MSFT", Target: "100.5"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
