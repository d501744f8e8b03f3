// Package config provides YAML and environment configuration loading and
// validation for the scanrelay agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scanrelay/agent/internal/route"
)

// Destination kinds accepted in destination.kind.
const (
	KindSlack   = "slack"
	KindDiscord = "discord"
	KindWebhook = "webhook"
)

// Config is the top-level configuration structure for the scanrelay agent.
type Config struct {
	// WatchDir is the root of the directory tree to observe. Required.
	// Canonicalize resolves it to an absolute, symlink-free path.
	WatchDir string `yaml:"watch_dir"`

	// Mappings maps a directory name, relative to WatchDir, to the
	// destination identifier (e.g. a Slack channel ID) that receives files
	// written inside it. At least one entry is required.
	Mappings map[string]string `yaml:"mappings"`

	// AllowNested permits mapping keys made of several "/"-separated
	// segments ("invoices/2024"). When false every key must be a single
	// directory name.
	AllowNested bool `yaml:"allow_nested"`

	// Destination selects and configures the upload protocol.
	Destination DestinationConfig `yaml:"destination"`

	// Delivery bounds the resources used by concurrent uploads.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Watcher tunes the filesystem watcher.
	Watcher WatcherConfig `yaml:"watcher"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, receives a copy of every log record in addition
	// to stderr.
	LogFile string `yaml:"log_file"`

	// HealthAddr is the listen address for the /healthz and /metrics HTTP
	// server. Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// DestinationConfig selects one delivery protocol for the process lifetime.
type DestinationConfig struct {
	// Kind is one of "slack", "discord", or "webhook". Defaults to "slack".
	Kind string `yaml:"kind"`

	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig holds the credentials for the Slack external-upload API.
type SlackConfig struct {
	// Token is the bot OAuth token sent as a Bearer credential. Required
	// when Kind is "slack".
	Token string `yaml:"token"`

	// BaseURL is the Web API root. Defaults to "https://slack.com/api".
	BaseURL string `yaml:"base_url"`
}

// DiscordConfig holds the fixed webhook used for Discord delivery.
type DiscordConfig struct {
	// WebhookURL is the full Discord webhook URL. Required when Kind is
	// "discord".
	WebhookURL string `yaml:"webhook_url"`

	// Username overrides the webhook's display name. Defaults to "scans".
	Username string `yaml:"username"`
}

// WebhookConfig configures the generic signed HTTP webhook.
type WebhookConfig struct {
	// URL receives a multipart POST per file. Required when Kind is
	// "webhook".
	URL string `yaml:"url"`

	// Secret is the HMAC key used to sign the HS256 bearer token.
	// Required when Kind is "webhook".
	Secret string `yaml:"secret"`

	// Issuer is the "iss" claim. Defaults to "scanrelay".
	Issuer string `yaml:"issuer"`

	// Audience is the optional "aud" claim.
	Audience string `yaml:"audience"`

	// TokenTTL is the lifetime of each signed token. Defaults to 5m.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// DeliveryConfig bounds concurrent uploads.
type DeliveryConfig struct {
	// Timeout caps a single delivery, including every HTTP round trip.
	// Defaults to 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxInFlight caps the number of uploads running at once. Events that
	// arrive while the cap is reached wait in their own goroutine; the
	// event loop is never blocked. Defaults to 8.
	MaxInFlight int `yaml:"max_in_flight"`

	// RatePerSecond limits upload starts per second. Zero disables rate
	// limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// Burst is the token-bucket burst size. Defaults to 1.
	Burst int `yaml:"burst"`
}

// WatcherConfig tunes the filesystem watcher.
type WatcherConfig struct {
	// Backend selects the watch implementation: "auto", "inotify" (Linux
	// only) or "fsnotify". Defaults to "auto".
	Backend string `yaml:"backend"`

	// BufferSize is the capacity of the raw event channel. Defaults to 256.
	BufferSize int `yaml:"buffer_size"`

	// SettleDelay is how long a file must stay quiet before the portable
	// (non-Linux) backend treats it as fully written. Defaults to 2s.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// Environment variables read by ApplyEnv. They override the YAML file.
const (
	EnvWatchDir       = "WATCH_DIR"
	EnvDirMapping     = "DIR_MAPPING"
	EnvSlackToken     = "SLACK_OAUTH_TOKEN"
	EnvDiscordWebhook = "DISCORD_WEBHOOK_URL"
	EnvWebhookURL     = "WEBHOOK_URL"
	EnvWebhookSecret  = "WEBHOOK_SECRET"
	EnvLogLevel       = "SCANRELAY_LOG_LEVEL"
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validKinds is the set of accepted destination kinds.
var validKinds = map[string]bool{
	KindSlack:   true,
	KindDiscord: true,
	KindWebhook: true,
}

// Override adjusts a Config after the file and environment are applied and
// before defaults and validation, so overridden values are validated too.
type Override func(*Config)

// WithLogLevel overrides log_level when level is non-empty.
func WithLogLevel(level string) Override {
	return func(c *Config) {
		if level != "" {
			c.LogLevel = level
		}
	}
}

// LoadConfig reads the YAML file at path (when path is non-empty), applies
// environment variables, overrides and defaults, and validates the result.
// Every validation failure is reported in the returned error.
func LoadConfig(path string, overrides ...Override) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for _, o := range overrides {
		o(&cfg)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		if path == "" {
			return nil, fmt.Errorf("config: validation failed: %w", err)
		}
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyEnv overlays the environment variables onto cfg. DIR_MAPPING holds a
// JSON object of directory name to destination and replaces any mapping read
// from the file.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWatchDir); ok && v != "" {
		cfg.WatchDir = v
	}
	if v, ok := lookup(EnvDirMapping); ok && v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return fmt.Errorf("%s: invalid mapping: %w", EnvDirMapping, err)
		}
		cfg.Mappings = m
	}
	if v, ok := lookup(EnvSlackToken); ok && v != "" {
		cfg.Destination.Slack.Token = v
	}
	if v, ok := lookup(EnvDiscordWebhook); ok && v != "" {
		cfg.Destination.Discord.WebhookURL = v
		if cfg.Destination.Kind == "" && cfg.Destination.Slack.Token == "" {
			cfg.Destination.Kind = KindDiscord
		}
	}
	if v, ok := lookup(EnvWebhookURL); ok && v != "" {
		cfg.Destination.Webhook.URL = v
	}
	if v, ok := lookup(EnvWebhookSecret); ok && v != "" {
		cfg.Destination.Webhook.Secret = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}

	d := &cfg.Destination
	if d.Kind == "" {
		d.Kind = KindSlack
	}
	if d.Slack.BaseURL == "" {
		d.Slack.BaseURL = "https://slack.com/api"
	}
	if d.Discord.Username == "" {
		d.Discord.Username = "scans"
	}
	if d.Webhook.Issuer == "" {
		d.Webhook.Issuer = "scanrelay"
	}
	if d.Webhook.TokenTTL == 0 {
		d.Webhook.TokenTTL = 5 * time.Minute
	}

	if cfg.Delivery.Timeout == 0 {
		cfg.Delivery.Timeout = 60 * time.Second
	}
	if cfg.Delivery.MaxInFlight == 0 {
		cfg.Delivery.MaxInFlight = 8
	}
	if cfg.Delivery.Burst == 0 {
		cfg.Delivery.Burst = 1
	}

	if cfg.Watcher.Backend == "" {
		cfg.Watcher.Backend = "auto"
	}
	if cfg.Watcher.BufferSize == 0 {
		cfg.Watcher.BufferSize = 256
	}
	if cfg.Watcher.SettleDelay == 0 {
		cfg.Watcher.SettleDelay = 2 * time.Second
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.WatchDir == "" {
		errs = append(errs, errors.New("watch_dir is required"))
	}

	if len(cfg.Mappings) == 0 {
		errs = append(errs, errors.New("mappings must contain at least one entry"))
	} else if _, err := route.NewDestinationMap(cfg.Mappings, cfg.AllowNested); err != nil {
		errs = append(errs, fmt.Errorf("mappings: %w", err))
	}

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	d := cfg.Destination
	if !validKinds[d.Kind] {
		errs = append(errs, fmt.Errorf("destination.kind %q must be one of: slack, discord, webhook", d.Kind))
	}
	switch d.Kind {
	case KindSlack:
		if d.Slack.Token == "" {
			errs = append(errs, errors.New("destination.slack.token is required"))
		}
		if err := validateHTTPURL("destination.slack.base_url", d.Slack.BaseURL); err != nil {
			errs = append(errs, err)
		}
	case KindDiscord:
		if d.Discord.WebhookURL == "" {
			errs = append(errs, errors.New("destination.discord.webhook_url is required"))
		} else if err := validateHTTPURL("destination.discord.webhook_url", d.Discord.WebhookURL); err != nil {
			errs = append(errs, err)
		}
	case KindWebhook:
		if d.Webhook.URL == "" {
			errs = append(errs, errors.New("destination.webhook.url is required"))
		} else if err := validateHTTPURL("destination.webhook.url", d.Webhook.URL); err != nil {
			errs = append(errs, err)
		}
		if d.Webhook.Secret == "" {
			errs = append(errs, errors.New("destination.webhook.secret is required"))
		}
		if d.Webhook.TokenTTL < 0 {
			errs = append(errs, errors.New("destination.webhook.token_ttl must be positive"))
		}
	}

	if cfg.Delivery.Timeout < 0 {
		errs = append(errs, errors.New("delivery.timeout must be positive"))
	}
	if cfg.Delivery.MaxInFlight < 0 {
		errs = append(errs, errors.New("delivery.max_in_flight must be positive"))
	}
	if cfg.Delivery.RatePerSecond < 0 {
		errs = append(errs, errors.New("delivery.rate_per_second must not be negative"))
	}
	if cfg.Delivery.Burst < 0 {
		errs = append(errs, errors.New("delivery.burst must be positive"))
	}
	switch cfg.Watcher.Backend {
	case "auto", "inotify", "fsnotify":
	default:
		errs = append(errs, fmt.Errorf("watcher.backend %q must be one of: auto, inotify, fsnotify", cfg.Watcher.Backend))
	}
	if cfg.Watcher.BufferSize < 0 {
		errs = append(errs, errors.New("watcher.buffer_size must be positive"))
	}
	if cfg.Watcher.SettleDelay < 0 {
		errs = append(errs, errors.New("watcher.settle_delay must be positive"))
	}

	return errors.Join(errs...)
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must use http or https", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}

// Canonicalize resolves WatchDir to an absolute path with symlinks
// evaluated and checks that it is a directory. It is called once at startup;
// the result is the root against which every relative path is computed.
func (c *Config) Canonicalize() (string, error) {
	abs, err := filepath.Abs(c.WatchDir)
	if err != nil {
		return "", fmt.Errorf("config: watch_dir %q: %w", c.WatchDir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("config: cannot canonicalize watch_dir %q: %w", c.WatchDir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("config: watch_dir %q: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("config: watch_dir %q is not a directory", resolved)
	}
	c.WatchDir = resolved
	return resolved, nil
}
