package alarms

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/models"
	"alarm-trader/internal/refresh"
	"alarm-trader/internal/store"
)

type fakeEvalStore struct {
	mu      sync.Mutex
	points  map[string]*models.Datapoint
	loadErr error
	updated []models.AlarmRef
	field   store.AlarmField
	stamped interface{}
}

func (f *fakeEvalStore) LatestDatapoint(_ context.Context, ticker string, interval models.Interval) (*models.Datapoint, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.points[models.RefreshKey(ticker, interval)], nil
}

func (f *fakeEvalStore) UpdateAlarms(_ context.Context, refs []models.AlarmRef, field store.AlarmField, value interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, refs...)
	f.field = field
	f.stamped = value
	return int64(len(refs)), nil
}

func point(ticker string, interval models.Interval, high, low, close float64, indicators string) *models.Datapoint {
	return &models.Datapoint{
		Ticker: ticker, Interval: interval, Time: "2024-03-01 10:30:00",
		Open: close, High: high, Low: low, Close: close, CustomIndicators: indicators,
	}
}

func refreshedSet(pairs ...string) refresh.Set {
	s := make(refresh.Set)
	for _, p := range pairs {
		s[p] = struct{}{}
	}
	return s
}

// Feature: alarm-trader, Property 5: Trigger law
//
// Property: a sell alarm fires iff high > level and a buy alarm fires iff
// low < level; flipping the direction on the same datapoint only gives the
// same verdict when high == low == level.
func TestProperty_TriggerLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("direction decides which extreme is compared", prop.ForAll(
		func(low, spread, level int) bool {
			lo, hi, lv := float64(low), float64(low+spread), float64(level)
			st := &fakeEvalStore{points: map[string]*models.Datapoint{
				"MSFT15min": point("MSFT", models.Interval15Min, hi, lo, lo, ""),
			}}
			e := NewEvaluator(st, testIndicators, zerolog.Nop())
			set := refreshedSet("MSFT15min")

			verdict := func(dir models.Direction) bool {
				a := models.Alarm{Ticker: "MSFT", Target: models.PriceTarget(lv), Direction: dir, Active: true}
				eval, err := e.Evaluate(context.Background(), []models.Alarm{a}, set)
				return err == nil && len(eval.Fired) == 1
			}

			sell, buy := verdict(models.Sell), verdict(models.Buy)
			if sell != (hi > lv) || buy != (lo < lv) {
				return false
			}
			if sell == buy {
				// Both fire when low < level < high; neither only at a flat bar on the level.
				return (sell && lo < lv && lv < hi) || (!sell && hi == lv && lo == lv)
			}
			return true
		},
		gen.IntRange(50, 150),
		gen.IntRange(0, 20),
		gen.IntRange(40, 180),
	))

	properties.TestingRun(t)
}

func TestEvaluateScenario(t *testing.T) {
	st := &fakeEvalStore{points: map[string]*models.Datapoint{
		"MSFT15min": point("MSFT", models.Interval15Min, 101, 95, 98, ""),
		"AAPL60min": point("AAPL", models.Interval60Min, 180, 170, 175, "rsi=172;ema=168"),
		"GOOG60min": point("GOOG", models.Interval60Min, 140, 130, 135, "ema=120"),
	}}
	e := NewEvaluator(st, testIndicators, zerolog.Nop())
	at := time.Date(2024, 3, 1, 10, 31, 0, 0, time.UTC)
	e.now = func() time.Time { return at }

	capital := 500.0
	msft := models.Alarm{Ticker: "MSFT", Target: models.PriceTarget(100), Direction: models.Buy, Capital: &capital, Active: true}
	aapl := models.Alarm{Ticker: "AAPL", Target: models.IndicatorTarget("rsi"), Direction: models.Sell, Active: true}
	goog := models.Alarm{Ticker: "GOOG", Target: models.IndicatorTarget("rsi"), Direction: models.Buy, Active: true}
	stale := models.Alarm{Ticker: "TSLA", Target: models.PriceTarget(10), Direction: models.Buy, Active: true}
	bogus := models.Alarm{Ticker: "NFLX", Target: models.IndicatorTarget("macd"), Direction: models.Buy, Active: true}
	empty := models.Alarm{Ticker: "AMZN", Target: models.PriceTarget(10), Direction: models.Buy, Active: true}

	eval, err := e.Evaluate(context.Background(),
		[]models.Alarm{msft, aapl, goog, stale, bogus, empty},
		refreshedSet("MSFT15min", "AAPL60min", "GOOG60min", "AMZN15min"))
	require.NoError(t, err)

	require.Len(t, eval.Fired, 2)
	assert.ElementsMatch(t, []string{"MSFT,100", "AAPL,rsi"}, []string{eval.Fired[0].Key(), eval.Fired[1].Key()})
	assert.ElementsMatch(t, []models.AlarmRef{msft.Ref(), aapl.Ref()}, st.updated)
	assert.Equal(t, store.FieldTriggeredAt, st.field)
	assert.Equal(t, at, st.stamped)

	require.Len(t, eval.Diagnostics, 3)
	byTicker := make(map[string]error)
	for _, d := range eval.Diagnostics {
		byTicker[d.Alarm.Ticker] = d.Err
	}
	assert.ErrorIs(t, byTicker["GOOG"], apperrors.ErrIndicatorNotTracked)
	assert.ErrorIs(t, byTicker["NFLX"], apperrors.ErrInvalidAlarm)
	assert.ErrorIs(t, byTicker["AMZN"], apperrors.ErrDataNotFound)
	assert.Error(t, eval.Err())
}

func TestEvaluateLoadFailure(t *testing.T) {
	st := &fakeEvalStore{loadErr: errors.New("locked")}
	e := NewEvaluator(st, testIndicators, zerolog.Nop())

	a := models.Alarm{Ticker: "MSFT", Target: models.PriceTarget(100), Direction: models.Buy}
	eval, err := e.Evaluate(context.Background(), []models.Alarm{a}, refreshedSet("MSFT15min"))
	require.NoError(t, err)
	assert.Empty(t, eval.Fired)
	require.Len(t, eval.Diagnostics, 1)
	assert.Empty(t, st.updated)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func newTestLifecycle(t *testing.T, content string) (*Lifecycle, *Intake, *store.SQLiteStore, *recordingNotifier) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "alarms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	in := newTestIntake(t, content)
	n := &recordingNotifier{}
	return NewLifecycle(in, st, testIndicators, n, zerolog.Nop()), in, st, n
}

func TestTriage(t *testing.T) {
	l, in, st, n := newTestLifecycle(t, "nflx,macd,crossdown\n")
	ctx := context.Background()

	bogus := models.Alarm{Ticker: "NFLX", Target: models.IndicatorTarget("macd"), Direction: models.Buy, Active: true}
	untracked := models.Alarm{Ticker: "GOOG", Target: models.IndicatorTarget("rsi"), Direction: models.Buy, Active: true}
	missing := models.Alarm{Ticker: "AMZN", Target: models.PriceTarget(10), Direction: models.Buy, Active: true}
	require.NoError(t, st.UpsertAlarms(ctx, []models.Alarm{bogus, untracked}))

	l.Triage(ctx, []Diagnostic{
		{Alarm: bogus, Err: apperrors.NewValidationError("target", "macd", "unknown indicator")},
		{Alarm: untracked, Err: apperrors.NewDataError("indicator", "GOOG", "not tracked", apperrors.ErrIndicatorNotTracked)},
		{Alarm: missing, Err: apperrors.NewDataError("datapoint", "AMZN", "none", apperrors.ErrDataNotFound)},
	})

	lines, err := in.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)

	all, err := st.ListAlarms(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "GOOG", all[0].Ticker)

	// The removal and the missing datapoint are reported; the untracked indicator is only logged.
	assert.Len(t, n.messages, 2)
}
