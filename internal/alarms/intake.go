// Package alarms implements the alarm intake file, the lifecycle sync with
// the store and the trigger evaluator.
package alarms

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"alarm-trader/internal/models"
)

// withdrawalMarker prefixes intake lines that withdraw alarms.
const withdrawalMarker = "-"

// Intake is the plain-text alarm intake file. Lines are
// "ticker,target,crossdown|crossup[,capital]" for new alarms and
// "-ticker[,target]" for withdrawals. All access goes through one lock.
type Intake struct {
	path string
	mu   sync.Mutex
}

// NewIntake opens the intake file at path, creating it when missing.
func NewIntake(path string) (*Intake, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating intake directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating intake file: %w", err)
	}
	f.Close()
	return &Intake{path: path}, nil
}

// Path returns the file location.
func (in *Intake) Path() string { return in.path }

// Lines returns the non-empty lines of the file.
func (in *Intake) Lines() ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.readLocked()
}

// Append adds lines at the end of the file.
func (in *Intake) Append(lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	existing, err := in.readLocked()
	if err != nil {
		return err
	}
	return in.writeLocked(append(existing, lines...))
}

// RemoveLine removes the first line equal to line and reports whether one was found.
func (in *Intake) RemoveLine(line string) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	lines, err := in.readLocked()
	if err != nil {
		return false, err
	}
	for i, l := range lines {
		if l == line {
			return true, in.writeLocked(append(lines[:i], lines[i+1:]...))
		}
	}
	return false, nil
}

// RemoveRef removes every line, new alarm or withdrawal, that refers to ref.
// It returns the number of lines removed.
func (in *Intake) RemoveRef(ref models.AlarmRef) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	lines, err := in.readLocked()
	if err != nil {
		return 0, err
	}

	ticker := models.SanitizeTicker(ref.Ticker)
	target := models.CanonicalTarget(ref.Target)
	kept := lines[:0:0]
	for _, l := range lines {
		fields := strings.Split(l, ",")
		if models.SanitizeTicker(fields[0]) == ticker &&
			(target == "" || (len(fields) > 1 && models.CanonicalTarget(fields[1]) == target)) {
			continue
		}
		kept = append(kept, l)
	}

	removed := len(lines) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, in.writeLocked(kept)
}

// Sanitize normalises the file in place: blank fields are dropped,
// withdrawals are padded to three fields, duplicate rows are merged and the
// result is lower-cased. It returns the malformed lines it dropped. Lines
// naming an indicator missing from indicators are malformed.
func (in *Intake) Sanitize(indicators models.Indicators) ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	lines, err := in.readLocked()
	if err != nil {
		return nil, err
	}

	var (
		malformed []string
		order     []string
		merged    = make(map[string][]string)
	)
	for _, line := range lines {
		var fields []string
		for _, f := range strings.Split(line, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}

		switch {
		case len(fields) == 0:
			continue
		case strings.Contains(fields[0], withdrawalMarker):
			for len(fields) < 3 {
				fields = append(fields, "")
			}
		case len(fields) < 3:
			malformed = append(malformed, strings.Join(fields, ","))
			continue
		default:
			if _, err := strconv.ParseFloat(fields[1], 64); err != nil && !indicators.Has(fields[1]) {
				malformed = append(malformed, strings.Join(fields, ","))
				continue
			}
		}

		key := strings.ToLower(fields[0] + fields[1] + fields[2])
		row, ok := merged[key]
		if !ok {
			merged[key] = fields
			order = append(order, key)
			continue
		}
		for i := range fields {
			if i >= len(row) {
				row = append(row, fields[i])
			} else if row[i] == "" {
				row[i] = fields[i]
			}
		}
		merged[key] = row
	}

	cleaned := make([]string, 0, len(order))
	for _, key := range order {
		cleaned = append(cleaned, strings.ToLower(strings.Join(merged[key], ",")))
	}
	return malformed, in.writeLocked(cleaned)
}

// Withdrawals returns the alarms selected by "-ticker[,target]" lines.
func (in *Intake) Withdrawals() ([]models.AlarmRef, error) {
	lines, err := in.Lines()
	if err != nil {
		return nil, err
	}

	var refs []models.AlarmRef
	for _, line := range lines {
		fields := strings.Split(line, ",")
		if !strings.HasPrefix(fields[0], withdrawalMarker) {
			continue
		}
		ref := models.AlarmRef{Ticker: models.SanitizeTicker(fields[0])}
		if len(fields) > 1 {
			ref.Target = models.CanonicalTarget(fields[1])
		}
		if ref.Ticker != "" {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// RejectedLine is an intake line that could not become an alarm.
type RejectedLine struct {
	Line   string
	Reason error
}

// TakeNewAlarms parses every new-alarm line and removes it from the file,
// whether it parsed or not. Withdrawal lines are left alone.
func (in *Intake) TakeNewAlarms() ([]models.Alarm, []RejectedLine, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	lines, err := in.readLocked()
	if err != nil {
		return nil, nil, err
	}

	var (
		alarms   []models.Alarm
		rejected []RejectedLine
		kept     []string
	)
	for _, line := range lines {
		if strings.HasPrefix(line, withdrawalMarker) {
			kept = append(kept, line)
			continue
		}
		a, err := ParseLine(line)
		if err != nil {
			rejected = append(rejected, RejectedLine{Line: line, Reason: err})
			continue
		}
		alarms = append(alarms, a)
	}

	if len(kept) != len(lines) {
		if err := in.writeLocked(kept); err != nil {
			return nil, nil, err
		}
	}
	return alarms, rejected, nil
}

// ParseLine parses "ticker,target,crossdown|crossup[,capital]".
func ParseLine(line string) (models.Alarm, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 3 {
		return models.Alarm{}, fmt.Errorf("line %q needs ticker, target and direction", line)
	}

	target, err := models.ParseTarget(fields[1])
	if err != nil {
		return models.Alarm{}, fmt.Errorf("line %q: %w", line, err)
	}
	dir, err := models.ParseDirection(fields[2])
	if err != nil {
		return models.Alarm{}, fmt.Errorf("line %q: %w", line, err)
	}

	var capital *float64
	if len(fields) > 3 && strings.TrimSpace(fields[3]) != "" {
		c, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err != nil {
			return models.Alarm{}, fmt.Errorf("line %q: capital %q is not a number", line, fields[3])
		}
		capital = &c
	}

	return models.NewAlarm(fields[0], target, dir, capital)
}

// FormatLine renders an alarm as an intake line.
func FormatLine(a models.Alarm) string {
	line := strings.ToLower(a.Ticker) + "," + a.Target.String() + "," + a.Direction.IntakeToken()
	if a.Capital != nil {
		line += "," + strconv.FormatFloat(*a.Capital, 'f', -1, 64)
	}
	return line
}

// WithdrawalLine renders the intake line withdrawing ref.
func WithdrawalLine(ref models.AlarmRef) string {
	return withdrawalMarker + strings.ToLower(ref.Ticker) + "," + strings.ToLower(ref.Target)
}

func (in *Intake) readLocked() ([]string, error) {
	f, err := os.Open(in.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening intake: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading intake: %w", err)
	}
	return lines, nil
}

func (in *Intake) writeLocked(lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l + "\n")
	}

	tmp := in.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing intake: %w", err)
	}
	if err := os.Rename(tmp, in.path); err != nil {
		return fmt.Errorf("replacing intake: %w", err)
	}
	return nil
}
