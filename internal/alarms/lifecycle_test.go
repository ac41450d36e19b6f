package alarms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/models"
)

func TestSyncRegistersAndWithdraws(t *testing.T) {
	l, in, st, n := newTestLifecycle(t, "MSFT,100,crossdown,500\nAAPL,rsi,crossup\nGOOG,150,sideways\nTSLA,foo,crossup\n")
	ctx := context.Background()

	active, err := l.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	lines, err := in.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
	// One malformed line (unknown indicator) and one bad direction.
	assert.Len(t, n.messages, 2)

	require.NoError(t, in.Append("-aapl"))
	active, err = l.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "MSFT", active[0].Ticker)

	all, err := st.ListAlarms(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	lines, err = in.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSyncWithdrawalBeatsPendingLine(t *testing.T) {
	l, in, _, _ := newTestLifecycle(t, "msft,100,crossdown\n-msft,100\n")

	active, err := l.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)

	lines, err := in.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestFinalize(t *testing.T) {
	l, in, st, _ := newTestLifecycle(t, "")
	ctx := context.Background()

	a, err := models.NewAlarm("MSFT", models.PriceTarget(100), models.Buy, nil)
	require.NoError(t, err)
	b, err := models.NewAlarm("MSFT", models.PriceTarget(90), models.Buy, nil)
	require.NoError(t, err)
	require.NoError(t, st.UpsertAlarms(ctx, []models.Alarm{a, b}))

	require.NoError(t, l.Finalize(ctx, []models.AlarmRef{a.Ref()}))

	all, err := st.ListAlarms(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "90;true", all[0].Descriptor())

	lines, err := in.Lines()
	require.NoError(t, err)
	assert.Equal(t, []string{"-msft,100"}, lines)
}

func TestFinalizeFailureIsFatal(t *testing.T) {
	l, _, st, _ := newTestLifecycle(t, "")
	require.NoError(t, st.Close())

	err := l.Finalize(context.Background(), []models.AlarmRef{{Ticker: "MSFT", Target: "100"}})
	assert.ErrorIs(t, err, apperrors.ErrFatalRemoval)
}

func TestSyncWithdrawsNonCanonicalTargets(t *testing.T) {
	l, in, st, n := newTestLifecycle(t, "msft,100.50,crossdown,500\naapl,100.0,crossup\nnvda,90,crossdown\n")
	ctx := context.Background()

	active, err := l.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)

	require.NoError(t, in.Append("-msft,100.50", "-aapl,100.0"))
	active, err = l.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "NVDA", active[0].Ticker)
	assert.Empty(t, n.messages)

	all, err := st.ListAlarms(ctx, false)
	require.NoError(t, err)
	for _, a := range all {
		if a.Ticker != "NVDA" {
			assert.False(t, a.Active, a.Ticker)
		}
	}

	lines, err := in.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSyncReportsUnmatchedWithdrawal(t *testing.T) {
	l, in, _, n := newTestLifecycle(t, "msft,100,crossdown\n")
	ctx := context.Background()

	_, err := l.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, in.Append("-msft,95"))
	active, err := l.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.Len(t, n.messages, 1)
	assert.Contains(t, n.messages[0], "-msft,95")
	assert.Contains(t, n.messages[0], "matched no alarm")

	lines, err := in.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
}
