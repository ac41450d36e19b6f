package indicators

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		want     Calculator
		lookback int
	}{
		{"sma50", SMA{name: "sma50", period: 50}, 50},
		{"EMA_20", EMA{name: "ema_20", period: 20}, 80},
		{"rsi", RSI{name: "rsi", period: 14}, 57},
		{"rsi7", RSI{name: "rsi7", period: 7}, 29},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc, err := Parse(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, calc)
			assert.Equal(t, tt.lookback, calc.Lookback())
		})
	}

	for _, name := range []string{"vwap", "default", "sma5x", "macd12"} {
		_, err := Parse(name)
		assert.ErrorIs(t, err, ErrUnknownIndicator, name)
	}
	_, err := Parse("sma0")
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestLatestValues(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}

	v, err := SMA{name: "sma3", period: 3}.Latest(closes)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, v, 1e-9)

	// Seeded with mean(1,2,3)=2, then halves the distance to each close.
	v, err = EMA{name: "ema3", period: 3}.Latest(closes)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, v, 1e-9)

	v, err = RSI{name: "rsi3", period: 3}.Latest(closes)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	v, err = RSI{name: "rsi2", period: 2}.Latest([]float64{10, 12, 10})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, v, 1e-9)

	_, err = SMA{name: "sma6", period: 6}.Latest(closes)
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = RSI{name: "rsi5", period: 5}.Latest(closes)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestIndicatorBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	closesGen := gen.SliceOfN(60, gen.Float64Range(1, 1000))

	properties.Property("rsi stays within [0, 100]", prop.ForAll(
		func(closes []float64, period int) bool {
			v, err := RSI{name: "rsi", period: period}.Latest(closes)
			return err == nil && v >= 0 && v <= 100
		},
		closesGen, gen.IntRange(2, 30),
	))

	properties.Property("moving averages stay within the price range", prop.ForAll(
		func(closes []float64, period int) bool {
			lo, hi := math.Inf(1), math.Inf(-1)
			for _, c := range closes {
				lo, hi = math.Min(lo, c), math.Max(hi, c)
			}
			sma, err := SMA{name: "sma", period: period}.Latest(closes)
			if err != nil {
				return false
			}
			ema, err := EMA{name: "ema", period: period}.Latest(closes)
			if err != nil {
				return false
			}
			const eps = 1e-9
			return sma >= lo-eps && sma <= hi+eps && ema >= lo-eps && ema <= hi+eps
		},
		closesGen, gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}
