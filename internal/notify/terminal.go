package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/multierr"
)

// TerminalNotificationType classifies a message for display.
type TerminalNotificationType int

const (
	TerminalNotifyInfo TerminalNotificationType = iota
	TerminalNotifyTrade
	TerminalNotifyAlert
	TerminalNotifyError
)

// Label returns the short tag printed before the message.
func (t TerminalNotificationType) Label() string {
	switch t {
	case TerminalNotifyTrade:
		return "TRADE"
	case TerminalNotifyAlert:
		return "ALERT"
	case TerminalNotifyError:
		return "ERROR"
	default:
		return "INFO"
	}
}

var (
	errorWords = []string{"failed", "fatal", "unhealthy", "could not", "rejected", "error"}
	alertWords = []string{"removed", "suspended", "invalid", "missed", "warning", "cancel"}
	tradeWords = []string{"order", "bought", "sold", "submitted", "filled"}
)

// Classify picks the display type from the wording of message.
func Classify(message string) TerminalNotificationType {
	lower := strings.ToLower(message)
	for _, set := range []struct {
		words []string
		kind  TerminalNotificationType
	}{
		{errorWords, TerminalNotifyError},
		{alertWords, TerminalNotifyAlert},
		{tradeWords, TerminalNotifyTrade},
	} {
		for _, w := range set.words {
			if strings.Contains(lower, w) {
				return set.kind
			}
		}
	}
	return TerminalNotifyInfo
}

// TerminalNotifier prints notifications to a terminal, one timestamped
// line each.
type TerminalNotifier struct {
	mu           sync.Mutex
	out          io.Writer
	bellEnabled  bool
	colorEnabled bool
	now          func() time.Time
}

// NewTerminalNotifier creates a TerminalNotifier writing to out. Color
// follows the fatih/color terminal detection.
func NewTerminalNotifier(out io.Writer, bell bool) *TerminalNotifier {
	return &TerminalNotifier{
		out:          out,
		bellEnabled:  bell,
		colorEnabled: !color.NoColor,
		now:          time.Now,
	}
}

// SetColorEnabled enables or disables colored output.
func (tn *TerminalNotifier) SetColorEnabled(enabled bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.colorEnabled = enabled
}

// Notify writes message to the terminal. Errors ring the bell when enabled.
func (tn *TerminalNotifier) Notify(_ context.Context, message string) error {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	kind := Classify(message)
	_, err := fmt.Fprintln(tn.out, tn.format(kind, message))
	if err == nil && tn.bellEnabled && kind == TerminalNotifyError {
		_, err = io.WriteString(tn.out, "\a")
	}
	return err
}

func (tn *TerminalNotifier) format(kind TerminalNotificationType, message string) string {
	label := fmt.Sprintf("%-5s", kind.Label())
	if tn.colorEnabled {
		c := color.New(kindColor(kind), color.Bold)
		c.EnableColor()
		label = c.Sprint(label)
	}
	return fmt.Sprintf("[%s] %s %s", tn.now().Format("15:04:05"), label, message)
}

func kindColor(kind TerminalNotificationType) color.Attribute {
	switch kind {
	case TerminalNotifyTrade:
		return color.FgGreen
	case TerminalNotifyAlert:
		return color.FgYellow
	case TerminalNotifyError:
		return color.FgRed
	default:
		return color.FgCyan
	}
}

// MultiNotifier delivers each message to every notifier in order.
type MultiNotifier []Notifier

// Notify sends to all notifiers and combines their errors.
func (m MultiNotifier) Notify(ctx context.Context, message string) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Notify(ctx, message))
	}
	return err
}
