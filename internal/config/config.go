// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger" yaml:"ledger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Slack    SlackConfig    `mapstructure:"slack" yaml:"slack"`
	Notion   NotionConfig   `mapstructure:"notion" yaml:"notion"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	EventLog    string      `mapstructure:"event_log" yaml:"event_log"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the connection details for the relational ledger backend.
// When URL is empty the ledger falls back to an append-only JSON-lines file.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// LedgerConfig configures the file fallback of the idempotency ledger.
type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ProxyConfig defines an outbound proxy for the browser process.
type ProxyConfig struct {
	Server   string `mapstructure:"server" yaml:"server"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
}

// SmartWaitConfig tunes the post-navigation settling heuristic: wait for the
// document to become ready (bounded), then for a short window of DOM stability.
type SmartWaitConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout" yaml:"network_idle_timeout"`
	StabilityWindow    time.Duration `mapstructure:"stability_window" yaml:"stability_window"`
	StabilityTimeout   time.Duration `mapstructure:"stability_timeout" yaml:"stability_timeout"`
}

// BrowserConfig holds settings for the browser-mode client path. It is built
// once at startup from defaults + config file + flag overrides and treated as
// immutable afterwards.
type BrowserConfig struct {
	Enabled                 bool            `mapstructure:"enabled" yaml:"enabled"`
	StorageStatePath        string          `mapstructure:"storage_state_path" yaml:"storage_state_path"`
	UserDataDir             string          `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Headless                bool            `mapstructure:"headless" yaml:"headless"`
	Timeout                 time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	NavigationTimeout       time.Duration   `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	MaxRetries              int             `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay              time.Duration   `mapstructure:"retry_delay" yaml:"retry_delay"`
	InteractiveLogin        bool            `mapstructure:"interactive_login" yaml:"interactive_login"`
	InteractiveLoginTimeout time.Duration   `mapstructure:"interactive_login_timeout" yaml:"interactive_login_timeout"`
	SmartWait               SmartWaitConfig `mapstructure:"smart_wait" yaml:"smart_wait"`
	ScreenshotOnError       bool            `mapstructure:"screenshot_on_error" yaml:"screenshot_on_error"`
	SnapshotDOMOnError      bool            `mapstructure:"snapshot_dom_on_error" yaml:"snapshot_dom_on_error"`
	ArtifactsDir            string          `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	Args                    []string        `mapstructure:"args" yaml:"args"`
	Proxy                   ProxyConfig     `mapstructure:"proxy" yaml:"proxy"`
}

// APIConfig tunes the retry/backoff behavior shared by the REST clients.
type APIConfig struct {
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay          time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	AllowUnsafeRetries bool          `mapstructure:"allow_unsafe_retries" yaml:"allow_unsafe_retries"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// SlackConfig identifies the Slack workspace and credential, if any.
// An empty Token selects the browser-mode client for Slack operations.
type SlackConfig struct {
	Token        string `mapstructure:"token" yaml:"-"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	WorkspaceURL string `mapstructure:"workspace_url" yaml:"workspace_url"`
	TeamID       string `mapstructure:"team_id" yaml:"team_id"`
	MaxPages     int    `mapstructure:"max_pages" yaml:"max_pages"`
	PageSize     int    `mapstructure:"page_size" yaml:"page_size"`
}

// NotionConfig identifies the Notion integration, if any.
// An empty Token selects the browser-mode client for Notion operations.
type NotionConfig struct {
	Token    string `mapstructure:"token" yaml:"-"`
	Version  string `mapstructure:"version" yaml:"version"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	MaxPages int    `mapstructure:"max_pages" yaml:"max_pages"`
}

// DestinationsConfig selects which write-backs a project sync performs.
type DestinationsConfig struct {
	AuditNote          bool `mapstructure:"audit_note" yaml:"audit_note"`
	LastSyncedProperty bool `mapstructure:"last_synced_property" yaml:"last_synced_property"`
	ChannelTopic       bool `mapstructure:"channel_topic" yaml:"channel_topic"`
}

// ProjectConfig describes one project to sync.
type ProjectConfig struct {
	Name         string             `mapstructure:"name" yaml:"name"`
	SlackChannel string             `mapstructure:"slack_channel" yaml:"slack_channel"`
	NotionPageID string             `mapstructure:"notion_page_id" yaml:"notion_page_id"`
	Query        string             `mapstructure:"query" yaml:"query"`
	Since        time.Duration      `mapstructure:"since" yaml:"since"`
	Destinations DestinationsConfig `mapstructure:"destinations" yaml:"destinations"`
}

// SyncConfig drives the sync engine.
type SyncConfig struct {
	Projects    []ProjectConfig `mapstructure:"projects" yaml:"projects"`
	Idempotency bool            `mapstructure:"idempotency" yaml:"idempotency"`
	Concurrency int             `mapstructure:"concurrency" yaml:"concurrency"`
}

// SetDefaults initializes default values for all recognized configuration keys.
// Unknown keys in the config file are ignored by viper, not rejected.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "standup-cli")
	v.SetDefault("logger.log_file", "standup.log")
	v.SetDefault("logger.event_log", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Ledger --
	v.SetDefault("ledger.path", "standup-ledger.jsonl")

	// -- Browser --
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.storage_state_path", "~/.standup/storage_state.json")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.max_retries", 3)
	v.SetDefault("browser.retry_delay", "2s")
	v.SetDefault("browser.interactive_login", false)
	v.SetDefault("browser.interactive_login_timeout", "120s")
	v.SetDefault("browser.smart_wait.enabled", true)
	v.SetDefault("browser.smart_wait.network_idle_timeout", "10s")
	v.SetDefault("browser.smart_wait.stability_window", "500ms")
	v.SetDefault("browser.smart_wait.stability_timeout", "5s")
	v.SetDefault("browser.screenshot_on_error", true)
	v.SetDefault("browser.snapshot_dom_on_error", false)
	v.SetDefault("browser.artifacts_dir", "artifacts")

	// -- API retry policy --
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.max_retries", 5)
	v.SetDefault("api.base_delay", "500ms")
	v.SetDefault("api.max_delay", "30s")
	v.SetDefault("api.allow_unsafe_retries", false)
	v.SetDefault("api.requests_per_second", 1.0)

	// -- Slack / Notion --
	v.SetDefault("slack.base_url", "https://slack.com/api")
	v.SetDefault("slack.max_pages", 20)
	v.SetDefault("slack.page_size", 200)
	v.SetDefault("notion.version", "2022-06-28")
	v.SetDefault("notion.base_url", "https://api.notion.com")
	v.SetDefault("notion.max_pages", 20)

	// -- Sync --
	v.SetDefault("sync.idempotency", true)
	v.SetDefault("sync.concurrency", 1)
}

// NewDefaultConfig creates a configuration populated with default values only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object,
// expands user paths, and validates the result.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive credentials.
	v.BindEnv("slack.token", "STANDUP_SLACK_TOKEN", "SLACK_TOKEN")
	v.BindEnv("notion.token", "STANDUP_NOTION_TOKEN", "NOTION_TOKEN")
	v.BindEnv("database.url", "STANDUP_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves `~` in user-supplied file paths.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Browser.StorageStatePath,
		&c.Browser.UserDataDir,
		&c.Browser.ArtifactsDir,
		&c.Ledger.Path,
		&c.Logger.LogFile,
		&c.Logger.EventLog,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.MaxRetries < 1 {
		return fmt.Errorf("browser.max_retries must be at least 1")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must not be negative")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be a positive integer")
	}
	if c.Slack.MaxPages < 1 {
		return fmt.Errorf("slack.max_pages must be a positive integer")
	}
	for i, p := range c.Sync.Projects {
		if p.Name == "" {
			return fmt.Errorf("sync.projects[%d].name is required", i)
		}
	}
	return nil
}
