// Package config provides YAML-based configuration loading for casedesk.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvAPIToken      = "DESK_API_TOKEN"
	EnvSlackToken    = "DESK_SLACK_BOT_TOKEN"
	EnvDiscordToken  = "DESK_DISCORD_BOT_TOKEN"
	EnvRedisPassword = "DESK_REDIS_PASSWORD"
)

// Config is the top-level casedesk configuration, loaded from desk.yaml.
type Config struct {
	AgentID      int64              `yaml:"agent_id"`
	API          APIConfig          `yaml:"api"`
	Stream       StreamConfig       `yaml:"stream"`
	Cases        CasesConfig        `yaml:"cases"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Notify       NotifyConfig       `yaml:"notify"`
	PreviewCache PreviewCacheConfig `yaml:"preview_cache"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

// APIConfig holds the REST and WebSocket endpoints of the backend.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"` // derived from base_url when empty
	Token      string `yaml:"token"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// StreamConfig tunes the WebSocket event-stream client.
type StreamConfig struct {
	PingIntervalSec int             `yaml:"ping_interval_sec"`
	PongWaitSec     int             `yaml:"pong_wait_sec"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls reconnection backoff for dropped streams.
type ReconnectConfig struct {
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxBackoffSec int `yaml:"max_backoff_sec"`
	MaxAttempts   int `yaml:"max_attempts"`
}

// CasesConfig holds case list settings.
type CasesConfig struct {
	RefreshCron string `yaml:"refresh_cron"` // empty disables scheduled reloads
}

// ArchiveConfig selects the local transcript archive database.
type ArchiveConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "mysql", or empty to disable
	DSN    string `yaml:"dsn"`
}

// NotifyConfig selects where unread notifications for background cases go.
type NotifyConfig struct {
	Platform string        `yaml:"platform"` // "slack", "discord", or empty
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack notifier settings.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord notifier settings.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// PreviewCacheConfig points at the Redis instance that receives case list
// snapshots.
type PreviewCacheConfig struct {
	Addr     string `yaml:"addr"` // empty disables the cache
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLSec   int    `yaml:"ttl_sec"`
}

// GatewayConfig configures the development gateway started by "desk serve".
type GatewayConfig struct {
	Port     int    `yaml:"port"`
	Database string `yaml:"database"` // sqlite path; in-memory when empty
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config, if present, is loaded into the process
// environment first so secrets can stay out of the YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	_ = godotenv.Load(envPathFor(path))
	return Parse(data)
}

// envPathFor returns the .env path in the same directory as the config file.
func envPathFor(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[:i+1] + ".env"
	}
	return ".env"
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets with values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv(EnvSlackToken); v != "" {
		c.Notify.Slack.BotToken = v
	}
	if v := os.Getenv(EnvDiscordToken); v != "" {
		c.Notify.Discord.BotToken = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.PreviewCache.Password = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.WSURL == "" && c.API.BaseURL != "" {
		c.API.WSURL = deriveWSURL(c.API.BaseURL)
	}
	if c.API.TimeoutSec == 0 {
		c.API.TimeoutSec = 15
	}
	if c.Stream.PingIntervalSec == 0 {
		c.Stream.PingIntervalSec = 30
	}
	if c.Stream.PongWaitSec == 0 {
		c.Stream.PongWaitSec = 60
	}
	if c.Stream.Reconnect.BaseBackoffMs == 0 {
		c.Stream.Reconnect.BaseBackoffMs = 500
	}
	if c.Stream.Reconnect.MaxBackoffSec == 0 {
		c.Stream.Reconnect.MaxBackoffSec = 30
	}
	if c.Stream.Reconnect.MaxAttempts == 0 {
		c.Stream.Reconnect.MaxAttempts = 10
	}
	if c.PreviewCache.TTLSec == 0 {
		c.PreviewCache.TTLSec = 300
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8090
	}
}

// deriveWSURL maps http(s)://host/path to ws(s)://host/path.
func deriveWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.AgentID <= 0 {
		errs = append(errs, "agent_id must be positive")
	}
	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("api.base_url %q must be an absolute URL", c.API.BaseURL))
	}
	if c.API.TimeoutSec < 0 {
		errs = append(errs, "api.timeout_sec must not be negative")
	}
	switch c.Archive.Driver {
	case "":
	case "sqlite", "mysql":
		if c.Archive.DSN == "" {
			errs = append(errs, "archive.dsn is required when archive.driver is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("archive.driver %q is not supported (sqlite, mysql)", c.Archive.Driver))
	}
	switch c.Notify.Platform {
	case "":
	case "slack":
		if c.Notify.Slack.Channel == "" {
			errs = append(errs, "notify.slack.channel is required")
		}
	case "discord":
		if c.Notify.Discord.Channel == "" {
			errs = append(errs, "notify.discord.channel is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.platform %q is not supported (slack, discord)", c.Notify.Platform))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Timeout returns the REST request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}
