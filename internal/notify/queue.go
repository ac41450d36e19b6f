package notify

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// missedPrefix marks a queued line as an undelivered notification.
const missedPrefix = "no,missed notification --> "

// QueueNotifier wraps a Notifier and records messages it fails to deliver
// in a local file instead of returning the failure.
type QueueNotifier struct {
	next   Notifier
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewQueueNotifier wraps next, queueing failures at path.
func NewQueueNotifier(next Notifier, path string, logger zerolog.Logger) *QueueNotifier {
	return &QueueNotifier{next: next, path: path, logger: logger}
}

// Notify delivers message, queueing it on failure. It only returns an error
// when the message could be neither delivered nor queued.
func (q *QueueNotifier) Notify(ctx context.Context, message string) error {
	err := q.next.Notify(ctx, message)
	if err == nil {
		return nil
	}

	q.logger.Error().Err(err).Str("path", q.path).Msg("Notification missed, queueing it")

	q.mu.Lock()
	defer q.mu.Unlock()
	if qerr := q.appendLocked([]string{message}); qerr != nil {
		return fmt.Errorf("queueing missed notification: %w", qerr)
	}
	return nil
}

// Pending returns the queued messages.
func (q *QueueNotifier) Pending() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

// Replay resends queued messages and keeps only those that still fail.
// It returns the number delivered.
func (q *QueueNotifier) Replay(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.readLocked()
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	var failed []string
	for _, msg := range pending {
		if ctx.Err() != nil || q.next.Notify(ctx, msg) != nil {
			failed = append(failed, msg)
		}
	}

	if err := q.rewriteLocked(failed); err != nil {
		return len(pending) - len(failed), err
	}

	delivered := len(pending) - len(failed)
	q.logger.Info().
		Int("delivered", delivered).
		Int("pending", len(failed)).
		Msg("Replayed missed notifications")
	return delivered, nil
}

func (q *QueueNotifier) appendLocked(messages []string) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		if _, err := w.WriteString(missedPrefix + encodeLine(msg) + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readLocked returns queued messages; other lines in the file are ignored.
func (q *QueueNotifier) readLocked() ([]string, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, line := range strings.Split(string(data), "\n") {
		if msg, ok := strings.CutPrefix(line, missedPrefix); ok {
			messages = append(messages, decodeLine(msg))
		}
	}
	return messages, nil
}

// rewriteLocked replaces the queued messages with messages, keeping any
// other lines.
func (q *QueueNotifier) rewriteLocked(messages []string) error {
	data, err := os.ReadFile(q.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var b strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, missedPrefix) {
			continue
		}
		b.WriteString(line + "\n")
	}
	for _, msg := range messages {
		b.WriteString(missedPrefix + encodeLine(msg) + "\n")
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func encodeLine(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func decodeLine(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
