// Package indicators computes the custom indicators alarms can target from
// stored close prices.
package indicators

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInsufficientData is returned when the series is shorter than the indicator needs.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
	// ErrUnknownIndicator is returned for names no calculator understands.
	ErrUnknownIndicator = errors.New("unknown indicator")
)

// Calculator produces the latest value of an indicator from closes ordered
// oldest first.
type Calculator interface {
	Name() string
	Lookback() int
	Latest(closes []float64) (float64, error)
}

var defaultPeriods = map[string]int{
	"sma": 20,
	"ema": 20,
	"rsi": 14,
}

// Parse maps an indicator name such as "sma50", "ema_20" or "rsi" to its
// calculator. A missing period uses the usual default for the family.
func Parse(name string) (Calculator, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	split := strings.IndexFunc(name, func(r rune) bool { return r < 'a' || r > 'z' })
	family, rest := name, ""
	if split >= 0 {
		family, rest = name[:split], strings.TrimPrefix(name[split:], "_")
	}

	period, ok := defaultPeriods[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, name)
	}
	if rest != "" {
		p, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, name)
		}
		period = p
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, name)
	}

	switch family {
	case "sma":
		return SMA{name: name, period: period}, nil
	case "ema":
		return EMA{name: name, period: period}, nil
	default:
		return RSI{name: name, period: period}, nil
	}
}

// SMA is the simple moving average of the last period closes.
type SMA struct {
	name   string
	period int
}

func (s SMA) Name() string  { return s.name }
func (s SMA) Lookback() int { return s.period }

func (s SMA) Latest(closes []float64) (float64, error) {
	if s.period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(closes) < s.period {
		return 0, ErrInsufficientData
	}
	return mean(closes[len(closes)-s.period:]), nil
}

// EMA is the exponential moving average seeded with the SMA of the first
// period closes.
type EMA struct {
	name   string
	period int
}

func (e EMA) Name() string { return e.name }

// Lookback asks for several periods so the seed has decayed.
func (e EMA) Lookback() int { return 4 * e.period }

func (e EMA) Latest(closes []float64) (float64, error) {
	if e.period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(closes) < e.period {
		return 0, ErrInsufficientData
	}

	multiplier := 2.0 / float64(e.period+1)
	ema := mean(closes[:e.period])
	for _, c := range closes[e.period:] {
		ema = (c-ema)*multiplier + ema
	}
	return ema, nil
}

// RSI is the relative strength index with Wilder smoothing.
type RSI struct {
	name   string
	period int
}

func (r RSI) Name() string  { return r.name }
func (r RSI) Lookback() int { return 4*r.period + 1 }

func (r RSI) Latest(closes []float64) (float64, error) {
	if r.period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(closes) < r.period+1 {
		return 0, ErrInsufficientData
	}

	var avgGain, avgLoss float64
	for i := 1; i <= r.period; i++ {
		gain, loss := change(closes[i-1], closes[i])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(r.period)
	avgLoss /= float64(r.period)

	for i := r.period + 1; i < len(closes); i++ {
		gain, loss := change(closes[i-1], closes[i])
		avgGain = (avgGain*float64(r.period-1) + gain) / float64(r.period)
		avgLoss = (avgLoss*float64(r.period-1) + loss) / float64(r.period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	return 100 - 100/(1+avgGain/avgLoss), nil
}

func change(prev, cur float64) (gain, loss float64) {
	d := cur - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
