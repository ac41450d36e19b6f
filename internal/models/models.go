// Package models provides domain models for the alarm trading application.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Interval represents a provider time-series interval.
type Interval string

const (
	Interval1Min  Interval = "1min"
	Interval5Min  Interval = "5min"
	Interval15Min Interval = "15min"
	Interval30Min Interval = "30min"
	Interval60Min Interval = "60min"
)

// Intervals lists every supported interval.
var Intervals = []Interval{Interval1Min, Interval5Min, Interval15Min, Interval30Min, Interval60Min}

// ParseInterval validates an interval string.
func ParseInterval(s string) (Interval, error) {
	i := Interval(strings.ToLower(strings.TrimSpace(s)))
	switch i {
	case Interval1Min, Interval5Min, Interval15Min, Interval30Min, Interval60Min:
		return i, nil
	}
	return "", fmt.Errorf("unsupported interval %q", s)
}

// Table returns the name of the series table holding this interval.
func (i Interval) Table() string {
	switch i {
	case Interval1Min:
		return "minutes_one_series"
	case Interval5Min:
		return "minutes_five_series"
	case Interval15Min:
		return "minutes_fifteen_series"
	case Interval30Min:
		return "minutes_thirty_series"
	case Interval60Min:
		return "minutes_sixty_series"
	default:
		return ""
	}
}

// DefaultIndicator is the indicator key mapped to the interval used by price alarms.
const DefaultIndicator = "default"

// Indicators maps an indicator name to the interval it is computed on.
type Indicators map[string]Interval

// Default returns the interval used by price-target alarms.
func (ind Indicators) Default() Interval {
	if i, ok := ind[DefaultIndicator]; ok {
		return i
	}
	return Interval15Min
}

// Has reports whether the indicator name is known.
func (ind Indicators) Has(name string) bool {
	_, ok := ind[strings.ToLower(name)]
	return ok
}

// IntervalFor returns the interval an alarm must be refreshed and evaluated on.
func (ind Indicators) IntervalFor(t Target) (Interval, error) {
	name, ok := t.Indicator()
	if !ok {
		return ind.Default(), nil
	}
	i, ok := ind[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("indicator %q is not available", name)
	}
	return i, nil
}

// Datapoint represents one OHLCV row of a ticker's series.
type Datapoint struct {
	Ticker           string
	Interval         Interval
	Time             string
	Open             float64
	High             float64
	Low              float64
	Close            float64
	Volume           int64
	CustomIndicators string // name=value;name=value
}

// Indicator looks up a named value in CustomIndicators.
func (d Datapoint) Indicator(name string) (float64, bool) {
	for _, pair := range strings.Split(d.CustomIndicators, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), name) {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// RefreshKey identifies a (ticker, interval) pair in a refresh result.
func RefreshKey(ticker string, interval Interval) string {
	return ticker + string(interval)
}
