package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"alarm-trader/internal/config"
	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
)

// Status classifies a provider response.
type Status int

const (
	StatusOK Status = iota
	// StatusThrottled means the provider answered with its quota message.
	StatusThrottled
	// StatusInvalidSymbol means the provider returned only a header row.
	StatusInvalidSymbol
)

func (s Status) String() string {
	switch s {
	case StatusThrottled:
		return "throttled"
	case StatusInvalidSymbol:
		return "invalid_symbol"
	default:
		return "ok"
	}
}

// Series is one provider response split into CSV rows, header first.
type Series struct {
	Ticker   string
	Interval models.Interval
	Rows     []string
	Status   Status
}

// Fetcher retrieves intraday series. The refresh scheduler depends on this.
type Fetcher interface {
	FetchIntraday(ctx context.Context, ticker string, interval models.Interval) (*Series, error)
}

// Client calls the market-data provider under a shared Limiter.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	function       string
	throttleMarker string
	limiter        *Limiter
	availability   *Availability
	logger         zerolog.Logger
}

// NewClient creates a provider client from configuration.
func NewClient(cfg config.ProviderConfig, keys []string, logger zerolog.Logger) (*Client, error) {
	limiter, err := NewLimiter(keys, cfg.CallsPerMinute, cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("creating limiter: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        cfg.BaseURL,
		function:       cfg.Function,
		throttleMarker: cfg.ThrottleMarker,
		limiter:        limiter,
		availability:   NewAvailability(cfg.Cooldown),
		logger:         logging.WithOperation(logger, "marketdata"),
	}, nil
}

// Availability returns the provider's availability flag.
func (c *Client) Availability() *Availability {
	return c.availability
}

// FetchIntraday waits for a limiter slot and downloads the ticker's series.
// Quota and unknown-symbol responses are reported through Series.Status,
// not as errors.
func (c *Client) FetchIntraday(ctx context.Context, ticker string, interval models.Interval) (*Series, error) {
	key, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, ticker, interval, key)
	if err != nil {
		return nil, apperrors.NewDataError("series", ticker, "provider request failed", err)
	}

	series := &Series{
		Ticker:   ticker,
		Interval: interval,
		Rows:     splitRows(body),
	}

	switch {
	case c.throttleMarker != "" && strings.Contains(body, c.throttleMarker):
		series.Status = StatusThrottled
		series.Rows = nil
		if c.availability.Suspend() {
			logging.LogThrottled(c.logger, ticker, string(interval))
		}
	case len(series.Rows) == 2:
		series.Status = StatusInvalidSymbol
	}

	return series, nil
}

func (c *Client) get(ctx context.Context, ticker string, interval models.Interval, key string) (string, error) {
	params := url.Values{}
	params.Set("function", c.function)
	params.Set("symbol", ticker)
	params.Set("interval", string(interval))
	params.Set("apikey", key)
	params.Set("datatype", "csv")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.LogAPICall(c.logger, http.MethodGet, c.function, time.Since(start), err)
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err == nil && resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	logging.LogAPICall(c.logger, http.MethodGet, c.function, time.Since(start), err)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// splitRows splits a CSV payload into lines, keeping the trailing empty row
// the provider emits after the last record.
func splitRows(body string) []string {
	return strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
}
