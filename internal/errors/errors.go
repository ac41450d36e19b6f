// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors
var (
	ErrThrottled            = errors.New("provider quota exhausted")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrDataNotFound         = errors.New("data not found")
	ErrIndicatorNotTracked  = errors.New("indicator not tracked")
	ErrInvalidAlarm         = errors.New("invalid alarm")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInconsistentPosition = errors.New("pending orders exceed open position")
	ErrGatewayFailed        = errors.New("broker gateway failed")
	ErrSnapshotTimeout      = errors.New("snapshot release timed out")
	ErrDatabaseError        = errors.New("database error")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrFatalRemoval         = errors.New("finalized alarms could not be removed")
)

// GatewayError represents a failed invocation of the broker gateway process.
type GatewayError struct {
	Command string
	Args    []string
	Stderr  string
	Err     error
}

func (e *GatewayError) Error() string {
	cmd := strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
	if e.Stderr != "" {
		return fmt.Sprintf("gateway error [%s]: %s", cmd, strings.TrimSpace(e.Stderr))
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway error [%s]: %v", cmd, e.Err)
	}
	return fmt.Sprintf("gateway error [%s]", cmd)
}

func (e *GatewayError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrGatewayFailed
}

// NewGatewayError creates a new GatewayError.
func NewGatewayError(command string, args []string, stderr string, err error) *GatewayError {
	return &GatewayError{
		Command: command,
		Args:    args,
		Stderr:  stderr,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	Ticker string
	Action string
	Reason string
	Err    error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error %s %s: %s: %v", e.Action, e.Ticker, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error %s %s: %s", e.Action, e.Ticker, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(ticker, action, reason string, err error) *OrderError {
	return &OrderError{
		Ticker: ticker,
		Action: action,
		Reason: reason,
		Err:    err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Unwrap lets callers match validation failures against ErrInvalidAlarm.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidAlarm
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Ticker   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Ticker, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Ticker, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, ticker, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Ticker:   ticker,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
