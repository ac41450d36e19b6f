// Package notify provides notification functionality for the trading application.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"alarm-trader/internal/config"
	"alarm-trader/pkg/utils"
)

// Notifier delivers a text message to the operator.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// burstSize and burstPause bound multi-message sends to the chat API's rate.
const (
	burstSize  = 50
	burstPause = 3500 * time.Millisecond
)

// NotifyMultiple sends messages in order, pausing after every burstSize
// messages. It returns the first error but keeps sending the rest.
func NotifyMultiple(ctx context.Context, n Notifier, messages []string) error {
	return notifyMultiple(ctx, n, messages, burstPause)
}

func notifyMultiple(ctx context.Context, n Notifier, messages []string, pause time.Duration) error {
	var first error
	for i, msg := range messages {
		if i > 0 && i%burstSize == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
		if err := n.Notify(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Alert logs msg as a warning and forwards it to n.
func Alert(ctx context.Context, n Notifier, logger zerolog.Logger, msg string) {
	logger.Warn().Msg(msg)
	if n == nil {
		return
	}
	if err := n.Notify(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("Failed to deliver notification")
	}
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
	retry    utils.RetryConfig
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = 2

	return &TelegramNotifier{
		baseURL:  strings.TrimRight(baseURL, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry: retry,
	}
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Notify sends message via Telegram.
func (t *TelegramNotifier) Notify(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       escapeHTML(message),
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	return utils.Retry(ctx, t.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating telegram request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// LogNotifier writes notifications to the log. It is used when no chat
// channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs message at info level.
func (l *LogNotifier) Notify(_ context.Context, message string) error {
	l.logger.Info().Str("event", "notification").Msg(message)
	return nil
}

// New builds the notifier chain from configuration: Telegram when enabled,
// logging otherwise, echoed to the terminal when asked, and wrapped in a
// QueueNotifier when a queue path is set.
func New(cfg config.NotificationConfig, logger zerolog.Logger) Notifier {
	var base Notifier = NewLogNotifier(logger)
	if tg := NewTelegramNotifier(cfg.Telegram); cfg.Enabled && tg.IsEnabled() {
		base = tg
	}
	if cfg.Terminal {
		base = MultiNotifier{NewTerminalNotifier(os.Stdout, cfg.TerminalBell), base}
	}
	if cfg.QueuePath == "" {
		return base
	}
	return NewQueueNotifier(base, cfg.QueuePath, logger)
}
