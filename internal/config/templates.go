package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Alarm Trader Configuration

[trading]
# Trading mode: "live" or "paper" (the run command argument takes precedence)
mode = "paper"

[provider]
base_url = "https://www.alphavantage.co/query"
function = "TIME_SERIES_INTRADAY_EXTENDED"
# Calls allowed per minute for each API key
calls_per_minute = 5
# How long access stays suspended after a quota response
cooldown = "60s"
window = "60s"
request_timeout = "30s"
throttle_marker = "Thank you for using"

[scheduler]
# Sleep when no alarm is active
idle_sleep = "60s"
# Poll interval while the provider is suspended
unavailable_poll = "5s"

[broker]
python = "python3"
script = "resources/ib_api.py"
# Forced release of snapshot files after this long
release_timeout = "60s"
release_poll = "5s"

[portfolio]
poll_interval = "300s"
max_issue_warnings = 10

[notifications]
enabled = true
replay_interval = "10m"
# Echo notifications to the terminal running the trader
terminal = false
terminal_bell = true

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[logging]
level = "info"
console = true
file = true

[tracing]
enabled = false
service_name = "alarm-trader"
# file_path = "~/.config/alarm-trader/logs/traces.json"
`

const credentialsTemplate = `# Alarm Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.
# Values may also come from .env (ALPHAVANTAGE_API_KEY0..N, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID).
# Run "alarm-trader credentials seal" to move these values into the encrypted credentials.enc.

[provider]
api_keys = []

[telegram]
bot_token = ""
chat_id = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
