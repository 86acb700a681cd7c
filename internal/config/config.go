// Package config loads the tsushin configuration: a JSON5 file overlaid
// with TSUSHIN_* environment variables. Secrets (Postgres DSN, bridge
// API token) are env-only and never read from or written to the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the tsushin watcher.
type Config struct {
	Source    SourceConfig      `json:"source"`
	Watcher   WatcherConfig     `json:"watcher"`
	Trigger   TriggerConfig     `json:"trigger"`
	Contacts  map[string]string `json:"contacts,omitempty"` // phone number -> display name
	Database  DatabaseConfig    `json:"database,omitempty"`
	Dispatch  DispatchConfig    `json:"dispatch,omitempty"`
	Telemetry TelemetryConfig   `json:"telemetry,omitempty"`
}

// SourceConfig selects where new messages come from.
type SourceConfig struct {
	Kind        string `json:"kind"`                    // "store" (default), "api", or "bridge"
	StorePath   string `json:"store_path,omitempty"`    // sqlite message store of the bridge
	APIURL      string `json:"api_url,omitempty"`       // bridge REST endpoint
	APIToken    string `json:"-"`                       // from env TSUSHIN_BRIDGE_API_TOKEN only
	BridgeWSURL string `json:"bridge_ws_url,omitempty"` // bridge websocket push endpoint
}

// WatcherConfig tunes the ingestion loop.
type WatcherConfig struct {
	PollIntervalMs     int    `json:"poll_interval_ms,omitempty"`
	StartingTimestamp  string `json:"starting_timestamp,omitempty"` // replay cutoff, RFC3339-ms
	ConversationDelayS int    `json:"conversation_delay_s,omitempty"`
	BatchLimit         int    `json:"batch_limit,omitempty"`
	SettleDelayMs      int    `json:"settle_delay_ms,omitempty"`
}

// TriggerConfig holds the static trigger rules. Per-contact flags and
// active conversations live in the database, not here.
type TriggerConfig struct {
	Groups     []string `json:"groups,omitempty"`       // monitored group display names
	AllowList  []string `json:"allow_list,omitempty"`   // legacy per-number allow-list
	DMAutoMode bool     `json:"dm_auto_mode,omitempty"` // respond to any direct message
}

// DatabaseConfig selects the trigger-state store.
// PostgresDSN is NEVER read from the file — only from env TSUSHIN_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default, sqlite) or "managed" (postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// IsManagedMode reports whether trigger state lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// DispatchConfig configures delivery to the agent layer. An empty URL
// means dispatches are logged only.
type DispatchConfig struct {
	URL      string `json:"url,omitempty"`
	TimeoutS int    `json:"timeout_s,omitempty"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Kind:      "store",
			StorePath: "~/.tsushin/messages.db",
		},
		Watcher: WatcherConfig{
			PollIntervalMs:     3000,
			ConversationDelayS: 5,
			BatchLimit:         500,
			SettleDelayMs:      500,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.tsushin/tsushin.db",
		},
		Dispatch: DispatchConfig{
			TimeoutS: 60,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "tsushin",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TSUSHIN_SOURCE_KIND", &c.Source.Kind)
	envStr("TSUSHIN_STORE_PATH", &c.Source.StorePath)
	envStr("TSUSHIN_BRIDGE_API_URL", &c.Source.APIURL)
	envStr("TSUSHIN_BRIDGE_API_TOKEN", &c.Source.APIToken)
	envStr("TSUSHIN_BRIDGE_WS_URL", &c.Source.BridgeWSURL)

	envStr("TSUSHIN_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TSUSHIN_DB_MODE", &c.Database.Mode)
	envStr("TSUSHIN_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("TSUSHIN_DISPATCH_URL", &c.Dispatch.URL)
	envStr("TSUSHIN_STARTING_TIMESTAMP", &c.Watcher.StartingTimestamp)

	if v := os.Getenv("TSUSHIN_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Watcher.PollIntervalMs = ms
		}
	}
	if v := os.Getenv("TSUSHIN_CONVERSATION_DELAY_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s >= 0 {
			c.Watcher.ConversationDelayS = s
		}
	}

	envStr("TSUSHIN_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TSUSHIN_OTLP_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("TSUSHIN_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TSUSHIN_OTLP_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watcher.PollIntervalMs) * time.Millisecond
}

// ConversationDelay returns the debounce window as a duration.
func (c *Config) ConversationDelay() time.Duration {
	return time.Duration(c.Watcher.ConversationDelayS) * time.Second
}

// SettleDelay returns the sequential-lane settling delay as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Watcher.SettleDelayMs) * time.Millisecond
}

// DispatchTimeout returns the agent-layer request timeout.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutS) * time.Second
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
