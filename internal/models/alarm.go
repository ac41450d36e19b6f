package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Direction is the side an alarm trades on when it fires.
type Direction bool

const (
	// Buy fires when price crosses the level downwards.
	Buy Direction = true
	// Sell fires when price crosses the level upwards.
	Sell Direction = false
)

func (d Direction) String() string {
	if d == Buy {
		return "buy"
	}
	return "sell"
}

// IntakeToken returns the word used for this direction in the intake file.
func (d Direction) IntakeToken() string {
	if d == Buy {
		return "crossdown"
	}
	return "crossup"
}

// GatewayFlag renders the direction as the broker gateway expects it.
func (d Direction) GatewayFlag() string {
	if d == Buy {
		return "True"
	}
	return "False"
}

// Fires reports whether a period with the given high and low crosses level.
// Sells fire on upward excursions, buys on downward ones.
func (d Direction) Fires(high, low, level float64) bool {
	if d == Buy {
		return low < level
	}
	return high > level
}

// ParseDirection parses crossdown/crossup.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crossdown":
		return Buy, nil
	case "crossup":
		return Sell, nil
	}
	return Sell, fmt.Errorf("direction %q must be crossdown or crossup", s)
}

// TargetKind distinguishes the two target variants.
type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetPrice
	TargetIndicator
)

// Target is either a price level or a named indicator, never both.
type Target struct {
	kind      TargetKind
	price     float64
	indicator string
}

// PriceTarget creates a price-level target.
func PriceTarget(price float64) Target {
	return Target{kind: TargetPrice, price: price}
}

// IndicatorTarget creates an indicator target.
func IndicatorTarget(name string) Target {
	return Target{kind: TargetIndicator, indicator: strings.ToLower(strings.TrimSpace(name))}
}

// ParseTarget reads a numeric field as a price and anything else as an indicator name.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty target")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return PriceTarget(f), nil
	}
	return IndicatorTarget(s), nil
}

// CanonicalTarget returns the form in which a target written by hand is
// stored, so "100.50" selects the alarm stored as "100.5". Empty input
// stays empty.
func CanonicalTarget(s string) string {
	t, err := ParseTarget(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(t.String())
}

// Kind returns the variant.
func (t Target) Kind() TargetKind { return t.kind }

// Price returns the level for price targets.
func (t Target) Price() (float64, bool) {
	return t.price, t.kind == TargetPrice
}

// Indicator returns the name for indicator targets.
func (t Target) Indicator() (string, bool) {
	return t.indicator, t.kind == TargetIndicator
}

// IsZero reports whether no variant was set.
func (t Target) IsZero() bool { return t.kind == TargetNone }

func (t Target) String() string {
	switch t.kind {
	case TargetPrice:
		return strconv.FormatFloat(t.price, 'f', -1, 64)
	case TargetIndicator:
		return t.indicator
	default:
		return ""
	}
}

// Alarm is a persistent trigger rule for a ticker.
type Alarm struct {
	Ticker      string
	Target      Target
	Direction   Direction
	Capital     *float64 // currency for buys, share count for sells
	Active      bool
	UpdatedAt   time.Time
	TriggeredAt *time.Time
}

// NewAlarm builds an active alarm, sanitising the ticker.
func NewAlarm(ticker string, target Target, dir Direction, capital *float64) (Alarm, error) {
	t := SanitizeTicker(ticker)
	if t == "" {
		return Alarm{}, fmt.Errorf("ticker %q is empty after sanitising", ticker)
	}
	if target.IsZero() {
		return Alarm{}, fmt.Errorf("alarm for %s has no target", t)
	}
	if capital != nil && *capital <= 0 {
		return Alarm{}, fmt.Errorf("alarm for %s has non-positive capital %v", t, *capital)
	}
	return Alarm{
		Ticker:    t,
		Target:    target,
		Direction: dir,
		Capital:   capital,
		Active:    true,
	}, nil
}

// Key identifies the alarm in retry bookkeeping and intake withdrawals: "TICKER,target".
func (a Alarm) Key() string {
	return a.Ticker + "," + a.Target.String()
}

// Descriptor is the stored "target;direction" column.
func (a Alarm) Descriptor() string {
	return a.Target.String() + ";" + strconv.FormatBool(bool(a.Direction))
}

// ParseDescriptor splits a stored descriptor back into target and direction.
func ParseDescriptor(s string) (Target, Direction, error) {
	target, dir, ok := strings.Cut(s, ";")
	if !ok {
		return Target{}, Sell, fmt.Errorf("descriptor %q has no direction", s)
	}
	t, err := ParseTarget(target)
	if err != nil {
		return Target{}, Sell, fmt.Errorf("descriptor %q: %w", s, err)
	}
	b, err := strconv.ParseBool(strings.TrimSpace(dir))
	if err != nil {
		return Target{}, Sell, fmt.Errorf("descriptor %q: %w", s, err)
	}
	return t, Direction(b), nil
}

// AlarmRef selects a ticker's alarms, optionally narrowed to one target.
// It is used for withdrawals, field updates and removals.
type AlarmRef struct {
	Ticker string
	Target string
}

// Ref returns the reference selecting exactly this alarm's target.
func (a Alarm) Ref() AlarmRef {
	return AlarmRef{Ticker: a.Ticker, Target: a.Target.String()}
}

var tickerStrip = regexp.MustCompile(`[\d-]`)

// SanitizeTicker upper-cases a ticker and strips digits and hyphens.
func SanitizeTicker(s string) string {
	return tickerStrip.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), "")
}
