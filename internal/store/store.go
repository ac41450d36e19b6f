// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"alarm-trader/internal/models"
)

// AlarmField names an alarms column that UpdateAlarms may set.
type AlarmField string

const (
	FieldActive      AlarmField = "active"
	FieldTriggeredAt AlarmField = "triggered_datetime"
)

// AlarmStore persists alarm records.
type AlarmStore interface {
	UpsertAlarms(ctx context.Context, alarms []models.Alarm) error
	ActiveAlarms(ctx context.Context) ([]models.Alarm, error)
	ListAlarms(ctx context.Context, activeOnly bool) ([]models.Alarm, error)
	UpdateAlarms(ctx context.Context, refs []models.AlarmRef, field AlarmField, value interface{}) (int64, error)
	DeleteAlarms(ctx context.Context, ref models.AlarmRef) (int64, error)
}

// SeriesStore persists provider time series.
type SeriesStore interface {
	InsertSeries(ctx context.Context, ticker string, interval models.Interval, rows []string) (int, error)
	LatestDatapoint(ctx context.Context, ticker string, interval models.Interval) (*models.Datapoint, error)
	CloseSeries(ctx context.Context, ticker string, interval models.Interval, limit int) ([]float64, string, error)
	SetIndicators(ctx context.Context, ticker string, interval models.Interval, at, indicators string) error
}

// PortfolioStore persists the last known broker portfolio.
type PortfolioStore interface {
	RefreshPortfolio(ctx context.Context, positions []models.Position) error
	ActivePortfolio(ctx context.Context) ([]models.Position, error)
}

// DataStore combines every persistence concern.
type DataStore interface {
	AlarmStore
	SeriesStore
	PortfolioStore

	// Lifecycle
	Close() error
}

// TimeLayout is the text layout used for every stored timestamp.
const TimeLayout = "2006-01-02 15:04:05"
