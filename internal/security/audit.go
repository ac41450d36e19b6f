package security

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditOrderPlaced    AuditEventType = "ORDER_PLACED"
	AuditOrderSkipped   AuditEventType = "ORDER_SKIPPED"
	AuditOrderRejected  AuditEventType = "ORDER_REJECTED"
	AuditOrderCancelled AuditEventType = "ORDER_CANCELLED"

	AuditCredentialsSealed AuditEventType = "CREDENTIALS_SEALED"
	AuditModeChanged       AuditEventType = "MODE_CHANGED"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Ticker    string                 `json:"ticker,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Paper     bool                   `json:"paper"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig keeps a year of audit files under configDir/audit.
func DefaultAuditConfig(configDir string) AuditConfig {
	return AuditConfig{
		Path:       filepath.Join(configDir, "audit", "audit.log"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// AuditLog appends JSON audit events. A nil *AuditLog discards events.
type AuditLog struct {
	mu        sync.Mutex
	writer    io.WriteCloser
	redactor  *Redactor
	sessionID string
	paper     bool
}

// NewAuditLog opens a rotating audit trail.
func NewAuditLog(cfg AuditConfig, paper bool, redactor *Redactor) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return newAuditLog(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}, paper, redactor), nil
}

func newAuditLog(w io.WriteCloser, paper bool, redactor *Redactor) *AuditLog {
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &AuditLog{writer: w, redactor: redactor, sessionID: generateSessionID(), paper: paper}
}

// SessionID identifies this process in the trail.
func (al *AuditLog) SessionID() string {
	if al == nil {
		return ""
	}
	return al.sessionID
}

// Log appends event.
func (al *AuditLog) Log(_ context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	event.Paper = al.paper

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	line := al.redactor.Redact(string(data)) + "\n"

	al.mu.Lock()
	defer al.mu.Unlock()
	if _, err := io.WriteString(al.writer, line); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogOrder records an order attempt. A nil err with submitted false means
// the broker skipped it, with note explaining why.
func (al *AuditLog) LogOrder(ctx context.Context, ticker, side, orderType string, qty int, price float64, submitted bool, note string, err error) error {
	event := AuditEvent{
		EventType: AuditOrderPlaced,
		Ticker:    ticker,
		Action:    side,
		Success:   err == nil,
		Details: map[string]interface{}{
			"quantity":   qty,
			"price":      price,
			"order_type": orderType,
		},
	}
	if note != "" {
		event.Details["note"] = note
	}
	switch {
	case err != nil:
		event.EventType = AuditOrderRejected
		event.ErrorMsg = err.Error()
	case !submitted:
		event.EventType = AuditOrderSkipped
	}
	return al.Log(ctx, event)
}

// LogCancel records a cancellation pass.
func (al *AuditLog) LogCancel(ctx context.Context, ticker, side string, price float64, cancelled int, err error) error {
	event := AuditEvent{
		EventType: AuditOrderCancelled,
		Ticker:    ticker,
		Action:    side,
		Success:   err == nil,
		Details: map[string]interface{}{
			"price":     price,
			"cancelled": cancelled,
		},
	}
	if err != nil {
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// Close closes the audit trail.
func (al *AuditLog) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}
