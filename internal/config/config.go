// Package config provides configuration management for the alarm trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Provider      ProviderConfig     `mapstructure:"provider"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	Store         StoreConfig        `mapstructure:"store"`
	Intake        IntakeConfig       `mapstructure:"intake"`
	Portfolio     PortfolioConfig    `mapstructure:"portfolio"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       logging.LogConfig  `mapstructure:"logging"`
	Tracing       TracingConfig      `mapstructure:"tracing"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode string `mapstructure:"mode"` // "live", "paper"
}

// ProviderConfig holds market-data provider configuration.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Function       string        `mapstructure:"function"`
	CallsPerMinute int           `mapstructure:"calls_per_minute"` // per API key
	Cooldown       time.Duration `mapstructure:"cooldown"`
	Window         time.Duration `mapstructure:"window"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ThrottleMarker string        `mapstructure:"throttle_marker"`
}

// SchedulerConfig holds alarm loop timing.
type SchedulerConfig struct {
	IdleSleep       time.Duration `mapstructure:"idle_sleep"`
	UnavailablePoll time.Duration `mapstructure:"unavailable_poll"`
}

// BrokerConfig holds broker gateway configuration.
type BrokerConfig struct {
	Python         string        `mapstructure:"python"`
	Script         string        `mapstructure:"script"`
	RuntimeDir     string        `mapstructure:"runtime_dir"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ReleasePoll    time.Duration `mapstructure:"release_poll"`
}

// StoreConfig holds database configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// IntakeConfig holds the alarm intake file locations.
type IntakeConfig struct {
	AlarmsPath     string `mapstructure:"alarms_path"`
	IndicatorsPath string `mapstructure:"indicators_path"`
}

// PortfolioConfig holds reconciliation loop configuration.
type PortfolioConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxIssueWarnings int           `mapstructure:"max_issue_warnings"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	QueuePath      string         `mapstructure:"queue_path"`
	ReplayInterval time.Duration  `mapstructure:"replay_interval"`
	Terminal       bool           `mapstructure:"terminal"`
	TerminalBell   bool           `mapstructure:"terminal_bell"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BaseURL  string `mapstructure:"base_url"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	FilePath    string `mapstructure:"file_path"`
}

// Credentials holds API credentials.
type Credentials struct {
	Provider ProviderCredentials `mapstructure:"provider"`
	Telegram TelegramConfig      `mapstructure:"telegram"`
}

// ProviderCredentials holds the rotating market-data API keys.
type ProviderCredentials struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/alarm-trader"
	}
	return filepath.Join(home, ".config", "alarm-trader")
}

// CredentialLoader fills creds from somewhere other than credentials.toml.
type CredentialLoader func(creds *Credentials) error

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	credentials CredentialLoader
}

// WithCredentialLoader replaces credentials.toml as the credential source.
func WithCredentialLoader(l CredentialLoader) LoadOption {
	return func(o *loadOptions) { o.credentials = l }
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string, opts ...LoadOption) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if o.credentials != nil {
		if err := o.credentials(&cfg.Credentials); err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
	} else if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every config.toml default on v.
func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", "paper")

	v.SetDefault("provider.base_url", "https://www.alphavantage.co/query")
	v.SetDefault("provider.function", "TIME_SERIES_INTRADAY_EXTENDED")
	v.SetDefault("provider.calls_per_minute", 5)
	v.SetDefault("provider.cooldown", 60*time.Second)
	v.SetDefault("provider.window", 60*time.Second)
	v.SetDefault("provider.request_timeout", 30*time.Second)
	v.SetDefault("provider.throttle_marker", "Thank you for using")

	v.SetDefault("scheduler.idle_sleep", 60*time.Second)
	v.SetDefault("scheduler.unavailable_poll", 5*time.Second)

	v.SetDefault("broker.python", "python3")
	v.SetDefault("broker.script", filepath.Join("resources", "ib_api.py"))
	v.SetDefault("broker.runtime_dir", filepath.Join(configDir, "runtime"))
	v.SetDefault("broker.release_timeout", 60*time.Second)
	v.SetDefault("broker.release_poll", 5*time.Second)

	v.SetDefault("store.path", filepath.Join(configDir, "alarm-trader.db"))

	v.SetDefault("intake.alarms_path", filepath.Join(configDir, "tickers_watched_alarm.csv"))
	v.SetDefault("intake.indicators_path", filepath.Join(configDir, "available_indicators.csv"))

	v.SetDefault("portfolio.poll_interval", 300*time.Second)
	v.SetDefault("portfolio.max_issue_warnings", 10)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.queue_path", filepath.Join(configDir, "blocking_errors.csv"))
	v.SetDefault("notifications.replay_interval", 10*time.Minute)
	v.SetDefault("notifications.telegram.base_url", "https://api.telegram.org")
	v.SetDefault("notifications.terminal", false)
	v.SetDefault("notifications.terminal_bell", true)

	logDefaults := logging.DefaultLogConfig()
	v.SetDefault("logging.level", logDefaults.Level)
	v.SetDefault("logging.console", logDefaults.Console)
	v.SetDefault("logging.file", logDefaults.File)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "alarm-trader.log"))
	v.SetDefault("logging.max_size", logDefaults.MaxSize)
	v.SetDefault("logging.max_backups", logDefaults.MaxBackups)
	v.SetDefault("logging.max_age", logDefaults.MaxAge)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "alarm-trader")
	v.SetDefault("tracing.file_path", filepath.Join(configDir, "logs", "traces.json"))
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

// ReadCredentials reads a credentials file without creating a template.
func ReadCredentials(path string) (Credentials, error) {
	var creds Credentials
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return creds, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := v.Unmarshal(&creds); err != nil {
		return creds, fmt.Errorf("parsing %s: %w", path, err)
	}
	return creds, nil
}

var apiKeyStrip = regexp.MustCompile(`[^0-9a-zA-Z]+`)

// SanitizeAPIKey drops every non-alphanumeric character.
func SanitizeAPIKey(key string) string {
	return apiKeyStrip.ReplaceAllString(key, "")
}

func applyEnvOverrides(cfg *Config) {
	// ALPHAVANTAGE_API_KEY, ALPHAVANTAGE_API_KEY0 ... ALPHAVANTAGE_API_KEY254
	var envKeys []string
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		envKeys = append(envKeys, v)
	}
	for i := 0; i < 255; i++ {
		if v := os.Getenv("ALPHAVANTAGE_API_KEY" + strconv.Itoa(i)); v != "" {
			envKeys = append(envKeys, v)
		}
	}
	if len(envKeys) > 0 {
		cfg.Credentials.Provider.APIKeys = envKeys
	}

	var keys []string
	for _, k := range cfg.Credentials.Provider.APIKeys {
		if k = SanitizeAPIKey(k); k != "" {
			keys = append(keys, k)
		}
	}
	cfg.Credentials.Provider.APIKeys = keys

	if v := os.Getenv("NAPI_CALLS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Provider.CallsPerMinute = n
		}
	}

	// Credentials file values are the base; notification section may override.
	if cfg.Notifications.Telegram.BotToken == "" {
		cfg.Notifications.Telegram.BotToken = cfg.Credentials.Telegram.BotToken
	}
	if cfg.Notifications.Telegram.ChatID == "" {
		cfg.Notifications.Telegram.ChatID = cfg.Credentials.Telegram.ChatID
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notifications.Telegram.ChatID = v
	}
	if cfg.Notifications.Telegram.BotToken != "" && cfg.Notifications.Telegram.ChatID != "" {
		cfg.Notifications.Telegram.Enabled = true
	}

	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = strings.ToLower(v)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "" && c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}

	if c.Provider.CallsPerMinute < 1 {
		return fmt.Errorf("provider.calls_per_minute must be at least 1")
	}
	if len(c.Credentials.Provider.APIKeys) == 0 {
		return fmt.Errorf("at least one provider API key is required")
	}
	if c.Provider.Window <= 0 || c.Provider.Cooldown <= 0 {
		return fmt.Errorf("provider.window and provider.cooldown must be positive")
	}
	if c.Provider.ThrottleMarker == "" {
		return fmt.Errorf("provider.throttle_marker must not be empty")
	}

	if c.Scheduler.IdleSleep <= 0 || c.Scheduler.UnavailablePoll <= 0 {
		return fmt.Errorf("scheduler durations must be positive")
	}

	if c.Broker.Script == "" {
		return fmt.Errorf("broker.script must be set")
	}
	if c.Broker.ReleaseTimeout <= 0 || c.Broker.ReleasePoll <= 0 {
		return fmt.Errorf("broker release durations must be positive")
	}

	if c.Portfolio.PollInterval <= 0 {
		return fmt.Errorf("portfolio.poll_interval must be positive")
	}
	if c.Portfolio.MaxIssueWarnings < 0 {
		return fmt.Errorf("portfolio.max_issue_warnings must be non-negative")
	}

	if c.Notifications.Enabled && c.Notifications.ReplayInterval <= 0 {
		return fmt.Errorf("notifications.replay_interval must be positive")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode != "live"
}

// ParseMode validates the run-mode argument, accepting any case.
func ParseMode(arg string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "paper":
		return "paper", nil
	case "live":
		return "live", nil
	}
	return "", fmt.Errorf("mode %q is not valid, use PAPER or LIVE", arg)
}

// LoadIndicators reads the name,interval file, seeding it with the default row when empty.
func LoadIndicators(path string) (models.Indicators, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading indicators: %w", err)
	}

	if strings.TrimSpace(string(data)) == "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating indicators directory: %w", err)
		}
		seed := models.DefaultIndicator + "," + string(models.Interval15Min) + "\n"
		if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
			return nil, fmt.Errorf("seeding indicators: %w", err)
		}
		data = []byte(seed)
	}

	indicators := make(models.Indicators)
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		interval, err := models.ParseInterval(fields[len(fields)-1])
		if err != nil {
			return nil, fmt.Errorf("indicators line %d: %w", n+1, err)
		}
		indicators[strings.ToLower(strings.TrimSpace(fields[0]))] = interval
	}
	return indicators, nil
}
