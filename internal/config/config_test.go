package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"convarchive/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingOptionalFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB != "bolt:///data/convarchive/archive.db" {
		t.Fatalf("unexpected default db %q", cfg.DB)
	}
	if cfg.OpenTimeout != time.Second || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadMissingRequiredFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), true, nil); err == nil {
		t.Fatalf("expected error for missing required config")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
db: sqlite:///tmp/archive.sqlite
listen: 127.0.0.1:9000
log_level: debug
open_timeout: 3s
allowed_origins:
  - abcdefghijkl
`)
	cfg, err := Load(path, true, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB != "sqlite:///tmp/archive.sqlite" || cfg.Listen != "127.0.0.1:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.OpenTimeout != 3*time.Second {
		t.Fatalf("expected 3s open timeout, got %s", cfg.OpenTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "abcdefghijkl" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""), true, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != Default().Listen {
		t.Fatalf("expected defaults from empty file, got %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, "databse: oops\n"), true, nil); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "db: memory://\nopen_timeout: 2s\n")
	t.Setenv(EnvDB, "bolt:///tmp/env.db")
	t.Setenv(EnvInbox, "/tmp/inbox")
	t.Setenv(EnvOpenTimeout, "5s")

	cfg, err := Load(path, true, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB != "bolt:///tmp/env.db" || cfg.Inbox != "/tmp/inbox" || cfg.OpenTimeout != 5*time.Second {
		t.Fatalf("env did not override file: %+v", cfg)
	}
}

func TestInvalidDurationFallsBack(t *testing.T) {
	path := writeConfig(t, "open_timeout: 2s\n")
	t.Setenv(EnvOpenTimeout, "soon")

	var buf bytes.Buffer
	cfg, err := Load(path, true, logging.NewWithWriter(&buf, "warn"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenTimeout != 2*time.Second {
		t.Fatalf("expected fallback to file value, got %s", cfg.OpenTimeout)
	}
	if !strings.Contains(buf.String(), EnvOpenTimeout) {
		t.Fatalf("expected a warning naming %s, got %q", EnvOpenTimeout, buf.String())
	}
}
