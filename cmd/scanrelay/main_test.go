package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scanrelay/agent/internal/config"
)

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

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, watchDir, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanrelay.yaml")
	content := "watch_dir: " + watchDir + "\n" + body
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	orig := version
	version = "1.2.3-test"
	defer func() { version = orig }()

	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "scanrelay version 1.2.3-test") {
		t.Errorf("output = %q", out)
	}
}

func TestValidateCmd_OK(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	path := writeConfig(t, root, `
mappings:
  receipts: C2
  invoices: C1
destination:
  kind: slack
  slack:
    token: xoxb-test
`)

	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"destination: slack", "invoices -> C1", "receipts -> C2", "configuration OK"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "invoices") > strings.Index(out, "receipts") {
		t.Errorf("mappings not sorted:\n%s", out)
	}
}

func TestValidateCmd_InvalidConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), `
mappings:
  invoices: C1
`)
	if _, err := execute(t, "validate", "--config", path); err == nil {
		t.Fatal("expected error for missing slack token")
	}
}

func TestValidateCmd_MissingWatchDir(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, filepath.Join(t.TempDir(), "gone"), `
mappings:
  invoices: C1
destination:
  slack:
    token: xoxb-test
`)
	_, err := execute(t, "validate", "--config", path)
	if err == nil {
		t.Fatal("expected error for missing watch_dir")
	}
	if !strings.Contains(err.Error(), "watch_dir") {
		t.Errorf("error %q does not mention watch_dir", err)
	}
}

func TestValidateCmd_EnvOnly(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv(config.EnvWatchDir, root)
	t.Setenv(config.EnvDirMapping, `{"scans":"C9"}`)
	t.Setenv(config.EnvSlackToken, "xoxb-env")

	out, err := execute(t, "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "scans -> C9") {
		t.Errorf("output = %q", out)
	}
}

func TestValidateCmd_InvalidLogLevelFlag(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), `
mappings:
  invoices: C1
destination:
  slack:
    token: xoxb-test
`)
	_, err := execute(t, "validate", "--config", path, "--log-level", "verbose")
	if err == nil {
		t.Fatal("expected error for --log-level=verbose")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err)
	}
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	if _, err := execute(t, "unexpected"); err == nil {
		t.Fatal("expected error for positional argument")
	}
}
