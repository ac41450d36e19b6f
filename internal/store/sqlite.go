package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
//
// Every method holds mu for its whole duration: the embedded database does
// not tolerate concurrent writers.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database still answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates all required tables.
func (s *SQLiteStore) initSchema() error {
	var b strings.Builder
	b.WriteString(`
	-- Alarms keyed by ticker and "target;direction"
	CREATE TABLE IF NOT EXISTS alarms (
		ticker TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		time_updated TEXT NOT NULL,
		active BOOL NOT NULL,
		triggered_datetime TEXT,
		capital_to_invest REAL,
		PRIMARY KEY (ticker, descriptor)
	);

	-- Last broker portfolio snapshot
	CREATE TABLE IF NOT EXISTS portfolio (
		ticker TEXT NOT NULL,
		open_position REAL NOT NULL,
		average_cost REAL NOT NULL,
		market_price REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		active BOOL NOT NULL,
		PRIMARY KEY (ticker)
	);
	`)

	for _, interval := range models.Intervals {
		fmt.Fprintf(&b, `
	CREATE TABLE IF NOT EXISTS %s (
		ticker TEXT NOT NULL,
		time TEXT,
		open REAL,
		high REAL,
		low REAL,
		close REAL,
		volume INT,
		custom_indicators TEXT,
		PRIMARY KEY (ticker, time)
	);
	`, interval.Table())
	}

	_, err := s.db.Exec(b.String())
	return err
}

// ============================================================================
// Alarms Methods
// ============================================================================

// UpsertAlarms inserts or replaces alarms keyed by ticker and descriptor.
func (s *SQLiteStore) UpsertAlarms(ctx context.Context, alarms []models.Alarm) error {
	if len(alarms) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alarms (ticker, descriptor, time_updated, active, capital_to_invest)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ticker, descriptor) DO UPDATE SET
			time_updated = excluded.time_updated,
			active = excluded.active,
			capital_to_invest = excluded.capital_to_invest
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := s.now().Format(TimeLayout)
	for _, a := range alarms {
		var capital sql.NullFloat64
		if a.Capital != nil {
			capital = sql.NullFloat64{Float64: *a.Capital, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, a.Ticker, a.Descriptor(), now, a.Active, capital); err != nil {
			return apperrors.Wrapf(fmt.Errorf("%w: %v", apperrors.ErrDatabaseError, err), "failed to upsert alarm %s", a.Key())
		}
	}

	return tx.Commit()
}

// ActiveAlarms returns active alarms in random order so that a throttled
// provider does not always starve the same tail of alarms.
func (s *SQLiteStore) ActiveAlarms(ctx context.Context) ([]models.Alarm, error) {
	return s.queryAlarms(ctx, "SELECT ticker, descriptor, time_updated, active, triggered_datetime, capital_to_invest FROM alarms WHERE active = 1 ORDER BY RANDOM()")
}

// ListAlarms returns stored alarms ordered by ticker.
func (s *SQLiteStore) ListAlarms(ctx context.Context, activeOnly bool) ([]models.Alarm, error) {
	query := "SELECT ticker, descriptor, time_updated, active, triggered_datetime, capital_to_invest FROM alarms"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY ticker, descriptor"
	return s.queryAlarms(ctx, query)
}

func (s *SQLiteStore) queryAlarms(ctx context.Context, query string) ([]models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarms: %w", err)
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		var (
			ticker, descriptor, updated string
			active                      bool
			triggered                   sql.NullString
			capital                     sql.NullFloat64
		)
		if err := rows.Scan(&ticker, &descriptor, &updated, &active, &triggered, &capital); err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}

		target, dir, err := models.ParseDescriptor(descriptor)
		if err != nil {
			return nil, fmt.Errorf("alarm %s: %w", ticker, err)
		}

		a := models.Alarm{
			Ticker:    ticker,
			Target:    target,
			Direction: dir,
			Active:    active,
		}
		if t, err := time.ParseInLocation(TimeLayout, updated, time.Local); err == nil {
			a.UpdatedAt = t
		}
		if triggered.Valid {
			if t, err := time.ParseInLocation(TimeLayout, triggered.String, time.Local); err == nil {
				a.TriggeredAt = &t
			}
		}
		if capital.Valid {
			c := capital.Float64
			a.Capital = &c
		}
		alarms = append(alarms, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alarms: %w", err)
	}

	return alarms, nil
}

// UpdateAlarms sets field to value on every alarm matched by refs and
// returns how many rows changed. A ref with an empty Target matches all of
// the ticker's alarms.
func (s *SQLiteStore) UpdateAlarms(ctx context.Context, refs []models.AlarmRef, field AlarmField, value interface{}) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	switch field {
	case FieldActive, FieldTriggeredAt:
	default:
		return 0, fmt.Errorf("field %q cannot be updated", field)
	}
	if t, ok := value.(time.Time); ok {
		value = t.Format(TimeLayout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var changed int64
	for _, ref := range refs {
		query, args := refFilter("UPDATE alarms SET "+string(field)+" = ?", ref)
		result, err := tx.ExecContext(ctx, query, append([]interface{}{value}, args...)...)
		if err != nil {
			return 0, fmt.Errorf("failed to update alarm %s: %w", ref.Ticker, err)
		}
		n, _ := result.RowsAffected()
		changed += n
	}

	return changed, tx.Commit()
}

// DeleteAlarms removes the alarms matched by ref and returns how many were deleted.
func (s *SQLiteStore) DeleteAlarms(ctx context.Context, ref models.AlarmRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args := refFilter("DELETE FROM alarms", ref)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete alarm %s: %w", ref.Ticker, err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}

// refFilter appends the WHERE clause selecting ref. Targets are compared in
// their stored form on the descriptor prefix, so "100.50" selects
// "100.5;true" and "100" never selects "1000;true".
func refFilter(prefix string, ref models.AlarmRef) (string, []interface{}) {
	query := prefix + " WHERE ticker = ?"
	args := []interface{}{models.SanitizeTicker(ref.Ticker)}
	if target := models.CanonicalTarget(ref.Target); target != "" {
		query += " AND descriptor LIKE ?"
		args = append(args, target+";%")
	}
	return query, args
}

// ============================================================================
// Series Methods
// ============================================================================

// InsertSeries stores raw provider CSV rows. The first row is the header and
// rows with fewer than six columns (including the trailing empty row) are
// skipped. Existing rows keep their custom indicators.
func (s *SQLiteStore) InsertSeries(ctx context.Context, ticker string, interval models.Interval, rows []string) (int, error) {
	table := interval.Table()
	if table == "" {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	if len(rows) <= 1 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+table+` (ticker, time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker, time) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows[1:] {
		cols := strings.Split(strings.TrimSpace(row), ",")
		if len(cols) < 6 {
			continue
		}
		values := make([]float64, 4)
		for i := range values {
			v, err := strconv.ParseFloat(strings.TrimSpace(cols[i+1]), 64)
			if err != nil {
				return inserted, apperrors.NewDataError("series", ticker, fmt.Sprintf("bad row %q", row), err)
			}
			values[i] = v
		}
		volume, err := strconv.ParseInt(strings.TrimSpace(cols[5]), 10, 64)
		if err != nil {
			return inserted, apperrors.NewDataError("series", ticker, fmt.Sprintf("bad volume in %q", row), err)
		}

		if _, err := stmt.ExecContext(ctx, ticker, strings.TrimSpace(cols[0]), values[0], values[1], values[2], values[3], volume); err != nil {
			return inserted, fmt.Errorf("failed to insert %s row: %w", ticker, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s series: %w", ticker, err)
	}
	return inserted, nil
}

// LatestDatapoint returns the most recent row for ticker, or nil when none exists.
func (s *SQLiteStore) LatestDatapoint(ctx context.Context, ticker string, interval models.Interval) (*models.Datapoint, error) {
	table := interval.Table()
	if table == "" {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		dp         = models.Datapoint{Ticker: ticker, Interval: interval}
		timeCol    sql.NullString
		indicators sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT time, open, high, low, close, volume, custom_indicators
		FROM `+table+` WHERE ticker = ?
		ORDER BY time DESC LIMIT 1
	`, ticker).Scan(&timeCol, &dp.Open, &dp.High, &dp.Low, &dp.Close, &dp.Volume, &indicators)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest %s datapoint: %w", ticker, err)
	}

	dp.Time = timeCol.String
	dp.CustomIndicators = indicators.String
	return &dp, nil
}

// CloseSeries returns up to limit of the newest closes of ticker, oldest
// first, with the time of the newest row.
func (s *SQLiteStore) CloseSeries(ctx context.Context, ticker string, interval models.Interval, limit int) ([]float64, string, error) {
	table := interval.Table()
	if table == "" {
		return nil, "", fmt.Errorf("unsupported interval %q", interval)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT time, close FROM `+table+` WHERE ticker = ?
		ORDER BY time DESC LIMIT ?
	`, ticker, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query %s closes: %w", ticker, err)
	}
	defer rows.Close()

	var (
		closes []float64
		latest string
	)
	for rows.Next() {
		var (
			at    string
			price float64
		)
		if err := rows.Scan(&at, &price); err != nil {
			return nil, "", fmt.Errorf("failed to scan %s close: %w", ticker, err)
		}
		if latest == "" {
			latest = at
		}
		closes = append(closes, price)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes, latest, nil
}

// SetIndicators replaces the custom indicator list of one row.
func (s *SQLiteStore) SetIndicators(ctx context.Context, ticker string, interval models.Interval, at, indicators string) error {
	table := interval.Table()
	if table == "" {
		return fmt.Errorf("unsupported interval %q", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "UPDATE "+table+" SET custom_indicators = ? WHERE ticker = ? AND time = ?", indicators, ticker, at)
	if err != nil {
		return fmt.Errorf("failed to set indicators: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NewDataError("series", ticker, "no row at "+at, apperrors.ErrDataNotFound)
	}
	return nil
}

// ============================================================================
// Portfolio Methods
// ============================================================================

// RefreshPortfolio replaces the snapshot rows and marks tickers missing from
// positions inactive.
func (s *SQLiteStore) RefreshPortfolio(ctx context.Context, positions []models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE portfolio SET active = 0"); err != nil {
		return fmt.Errorf("failed to deactivate portfolio: %w", err)
	}

	for _, p := range positions {
		_, err := tx.ExecContext(ctx, `
			REPLACE INTO portfolio (ticker, open_position, average_cost, market_price, unrealized_pnl, active)
			VALUES (?, ?, ?, ?, ?, 1)
		`, p.Ticker, p.OpenPosition, p.AverageCost, p.MarketPrice, p.UnrealizedPnL)
		if err != nil {
			return fmt.Errorf("failed to save position %s: %w", p.Ticker, err)
		}
	}

	return tx.Commit()
}

// ActivePortfolio returns the positions of the last snapshot.
func (s *SQLiteStore) ActivePortfolio(ctx context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, open_position, average_cost, market_price, unrealized_pnl
		FROM portfolio WHERE active = 1 ORDER BY ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.Ticker, &p.OpenPosition, &p.AverageCost, &p.MarketPrice, &p.UnrealizedPnL); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}
