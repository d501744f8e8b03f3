package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scanrelay/agent/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

// clearEnv blanks every override so the host environment cannot leak into
// a test. Empty values are ignored by ApplyEnv.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		config.EnvWatchDir,
		config.EnvDirMapping,
		config.EnvSlackToken,
		config.EnvDiscordWebhook,
		config.EnvWebhookURL,
		config.EnvWebhookSecret,
		config.EnvLogLevel,
	} {
		t.Setenv(k, "")
	}
}

const validYAML = `
watch_dir: "/data"
mappings:
  invoices: "C1"
  receipts: "C2"
destination:
  kind: slack
  slack:
    token: "xoxb-test"
delivery:
  timeout: 30s
  max_in_flight: 4
  rate_per_second: 2.5
  burst: 3
watcher:
  buffer_size: 512
  settle_delay: 500ms
log_level: debug
health_addr: "127.0.0.1:9001"
`

func TestLoadConfig_Valid(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.WatchDir != "/data" {
		t.Errorf("WatchDir = %q, want %q", cfg.WatchDir, "/data")
	}
	if len(cfg.Mappings) != 2 || cfg.Mappings["invoices"] != "C1" || cfg.Mappings["receipts"] != "C2" {
		t.Errorf("Mappings = %v", cfg.Mappings)
	}
	if cfg.Destination.Kind != config.KindSlack {
		t.Errorf("Destination.Kind = %q", cfg.Destination.Kind)
	}
	if cfg.Destination.Slack.Token != "xoxb-test" {
		t.Errorf("Slack.Token = %q", cfg.Destination.Slack.Token)
	}
	if cfg.Delivery.Timeout != 30*time.Second {
		t.Errorf("Delivery.Timeout = %v, want 30s", cfg.Delivery.Timeout)
	}
	if cfg.Delivery.MaxInFlight != 4 {
		t.Errorf("Delivery.MaxInFlight = %d, want 4", cfg.Delivery.MaxInFlight)
	}
	if cfg.Delivery.RatePerSecond != 2.5 || cfg.Delivery.Burst != 3 {
		t.Errorf("Delivery rate = %v/%d", cfg.Delivery.RatePerSecond, cfg.Delivery.Burst)
	}
	if cfg.Watcher.BufferSize != 512 {
		t.Errorf("Watcher.BufferSize = %d, want 512", cfg.Watcher.BufferSize)
	}
	if cfg.Watcher.SettleDelay != 500*time.Millisecond {
		t.Errorf("Watcher.SettleDelay = %v, want 500ms", cfg.Watcher.SettleDelay)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HealthAddr != "127.0.0.1:9001" {
		t.Errorf("HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9001")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "C1"
destination:
  slack:
    token: "xoxb-test"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HealthAddr != "127.0.0.1:9000" {
		t.Errorf("default HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9000")
	}
	if cfg.Destination.Kind != config.KindSlack {
		t.Errorf("default Destination.Kind = %q, want slack", cfg.Destination.Kind)
	}
	if cfg.Destination.Slack.BaseURL != "https://slack.com/api" {
		t.Errorf("default Slack.BaseURL = %q", cfg.Destination.Slack.BaseURL)
	}
	if cfg.Destination.Discord.Username != "scans" {
		t.Errorf("default Discord.Username = %q", cfg.Destination.Discord.Username)
	}
	if cfg.Delivery.Timeout != 60*time.Second {
		t.Errorf("default Delivery.Timeout = %v", cfg.Delivery.Timeout)
	}
	if cfg.Delivery.MaxInFlight != 8 {
		t.Errorf("default Delivery.MaxInFlight = %d", cfg.Delivery.MaxInFlight)
	}
	if cfg.Delivery.Burst != 1 {
		t.Errorf("default Delivery.Burst = %d", cfg.Delivery.Burst)
	}
	if cfg.Watcher.BufferSize != 256 {
		t.Errorf("default Watcher.BufferSize = %d", cfg.Watcher.BufferSize)
	}
	if cfg.Watcher.SettleDelay != 2*time.Second {
		t.Errorf("default Watcher.SettleDelay = %v", cfg.Watcher.SettleDelay)
	}
	if cfg.Watcher.Backend != "auto" {
		t.Errorf("default Watcher.Backend = %q", cfg.Watcher.Backend)
	}
}

func TestLoadConfig_MissingWatchDir(t *testing.T) {
	clearEnv(t)
	yaml := `
mappings:
  invoices: "C1"
destination:
  slack:
    token: "xoxb-test"
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for missing watch_dir, got nil")
	}
	if !strings.Contains(err.Error(), "watch_dir") {
		t.Errorf("error %q does not mention watch_dir", err.Error())
	}
}

func TestLoadConfig_MissingMappings(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
destination:
  slack:
    token: "xoxb-test"
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for missing mappings, got nil")
	}
	if !strings.Contains(err.Error(), "mappings") {
		t.Errorf("error %q does not mention mappings", err.Error())
	}
}

func TestLoadConfig_NestedKeyRequiresAllowNested(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices/2024: "C1"
destination:
  slack:
    token: "xoxb-test"
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for nested key without allow_nested, got nil")
	}
	if !strings.Contains(err.Error(), "allow_nested") {
		t.Errorf("error %q does not mention allow_nested", err.Error())
	}

	yaml = "allow_nested: true\n" + yaml
	cfg, err := config.LoadConfig(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("unexpected error with allow_nested: %v", err)
	}
	if cfg.Mappings["invoices/2024"] != "C1" {
		t.Errorf("Mappings = %v", cfg.Mappings)
	}
}

func TestLoadConfig_InvalidMappingSegments(t *testing.T) {
	clearEnv(t)
	for _, key := range []string{"..", "a//b", "./a", `a\b`} {
		yaml := `
watch_dir: "/data"
allow_nested: true
mappings:
  "` + strings.ReplaceAll(key, `\`, `\\`) + `": "C1"
destination:
  slack:
    token: "xoxb-test"
`
		if _, err := config.LoadConfig(writeTemp(t, yaml)); err == nil {
			t.Errorf("key %q: expected validation error, got nil", key)
		}
	}
}

func TestLoadConfig_EmptyDestinationID(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: ""
destination:
  slack:
    token: "xoxb-test"
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for empty destination, got nil")
	}
	if !strings.Contains(err.Error(), "invoices") {
		t.Errorf("error %q does not mention the offending key", err.Error())
	}
}

func TestLoadConfig_MissingSlackToken(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "C1"
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for missing slack token, got nil")
	}
	if !strings.Contains(err.Error(), "destination.slack.token") {
		t.Errorf("error %q does not mention destination.slack.token", err.Error())
	}
}

func TestLoadConfig_DiscordRequiresWebhookURL(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "unused"
destination:
  kind: discord
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for missing discord webhook_url, got nil")
	}
	if !strings.Contains(err.Error(), "webhook_url") {
		t.Errorf("error %q does not mention webhook_url", err.Error())
	}
}

func TestLoadConfig_WebhookRequiresURLAndSecret(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "inbox"
destination:
  kind: webhook
  webhook:
    url: "ftp://example.com/upload"
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for bad webhook config, got nil")
	}
	for _, want := range []string{"destination.webhook.url", "destination.webhook.secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestLoadConfig_InvalidKind(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "C1"
destination:
  kind: email
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for invalid kind, got nil")
	}
	if !strings.Contains(err.Error(), "email") {
		t.Errorf("error %q does not mention invalid kind %q", err.Error(), "email")
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "C1"
destination:
  slack:
    token: "xoxb-test"
log_level: "verbose"
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidWatcherBackend(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "C1"
destination:
  slack:
    token: "xoxb-test"
watcher:
  backend: kqueue
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for unknown watcher.backend, got nil")
	}
	if !strings.Contains(err.Error(), "watcher.backend") {
		t.Errorf("error %q does not mention watcher.backend", err.Error())
	}
}

func TestLoadConfig_NegativeLimits(t *testing.T) {
	clearEnv(t)
	yaml := `
watch_dir: "/data"
mappings:
  invoices: "C1"
destination:
  slack:
    token: "xoxb-test"
delivery:
  timeout: -1s
  max_in_flight: -2
  rate_per_second: -1
watcher:
  buffer_size: -5
`
	_, err := config.LoadConfig(writeTemp(t, yaml))
	if err == nil {
		t.Fatal("expected error for negative limits, got nil")
	}
	for _, want := range []string{"delivery.timeout", "delivery.max_in_flight", "delivery.rate_per_second", "watcher.buffer_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	clearEnv(t)
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvWatchDir, "/srv/scans")
	t.Setenv(config.EnvDirMapping, `{"invoices":"C1","misc":"C9"}`)
	t.Setenv(config.EnvSlackToken, "xoxb-env")

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WatchDir != "/srv/scans" {
		t.Errorf("WatchDir = %q", cfg.WatchDir)
	}
	if cfg.Mappings["invoices"] != "C1" || cfg.Mappings["misc"] != "C9" {
		t.Errorf("Mappings = %v", cfg.Mappings)
	}
	if cfg.Destination.Slack.Token != "xoxb-env" {
		t.Errorf("Slack.Token = %q", cfg.Destination.Slack.Token)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvWatchDir, "/override")
	t.Setenv(config.EnvLogLevel, "warn")

	cfg, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WatchDir != "/override" {
		t.Errorf("WatchDir = %q, want /override", cfg.WatchDir)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadConfig_EnvDiscordSelectsKind(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvWatchDir, "/srv/scans")
	t.Setenv(config.EnvDirMapping, `{"scans":"-"}`)
	t.Setenv(config.EnvDiscordWebhook, "https://discord.com/api/webhooks/1/abc")

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Destination.Kind != config.KindDiscord {
		t.Errorf("Destination.Kind = %q, want discord", cfg.Destination.Kind)
	}
}

func TestApplyEnv_InvalidMappingJSON(t *testing.T) {
	var cfg config.Config
	lookup := func(k string) (string, bool) {
		if k == config.EnvDirMapping {
			return `{"invoices":`, true
		}
		return "", false
	}
	err := config.ApplyEnv(&cfg, lookup)
	if err == nil {
		t.Fatal("expected error for malformed DIR_MAPPING, got nil")
	}
	if !strings.Contains(err.Error(), config.EnvDirMapping) {
		t.Errorf("error %q does not mention %s", err.Error(), config.EnvDirMapping)
	}
}

func TestCanonicalize(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	cfg := &config.Config{WatchDir: link}
	got, err := cfg.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want, _ := filepath.EvalSymlinks(target)
	if got != want {
		t.Errorf("Canonicalize = %q, want %q", got, want)
	}
	if cfg.WatchDir != want {
		t.Errorf("WatchDir not updated: %q", cfg.WatchDir)
	}
}

func TestCanonicalize_Errors(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{WatchDir: filepath.Join(dir, "missing")}
	if _, err := cfg.Canonicalize(); err == nil {
		t.Error("expected error for missing directory, got nil")
	}

	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg = &config.Config{WatchDir: file}
	if _, err := cfg.Canonicalize(); err == nil {
		t.Error("expected error for regular file, got nil")
	}
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, `
watch_dir: "/data"
log_level: "warn"
mappings:
  invoices: "C1"
destination:
  slack:
    token: "xoxb-test"
`)
	cfg, err := config.LoadConfig(path, config.WithLogLevel("debug"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}

	cfg, err = config.LoadConfig(path, config.WithLogLevel(""))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want file value warn", cfg.LogLevel)
	}
}

// TestLoadConfig_InvalidLogLevelOverride verifies that an overridden level
// goes through the same validation as the file value.
func TestLoadConfig_InvalidLogLevelOverride(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, `
watch_dir: "/data"
mappings:
  invoices: "C1"
destination:
  slack:
    token: "xoxb-test"
`)
	_, err := config.LoadConfig(path, config.WithLogLevel("verbose"))
	if err == nil {
		t.Fatal("expected error for invalid log level override, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_BlankMappingKeyOrDestination(t *testing.T) {
	clearEnv(t)
	for _, mapping := range []string{`"  ": "C1"`, `invoices: "   "`} {
		yaml := `
watch_dir: "/data"
mappings:
  ` + mapping + `
destination:
  slack:
    token: "xoxb-test"
`
		if _, err := config.LoadConfig(writeTemp(t, yaml)); err == nil {
			t.Errorf("mapping %s: expected validation error, got nil", mapping)
		}
	}
}
