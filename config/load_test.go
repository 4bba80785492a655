package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
broker:
  email: viewer@example.com
  password: secret
  instrumentId: 1
  periodSeconds: 5
ingest:
  retryDelay: 3s
window:
  capacity: 50
  timezone: UTC
http:
  listen: ":8080"
  staticDir: public
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Broker.Email != "viewer@example.com" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	if cfg.Broker.InstrumentID != 1 || cfg.Broker.PeriodSeconds != 5 {
		t.Fatalf("unexpected broker values: %+v", cfg.Broker)
	}
	if cfg.Ingest.RetryDelay != 3*time.Second {
		t.Fatalf("retryDelay = %s, want 3s", cfg.Ingest.RetryDelay)
	}
	if cfg.Window.Capacity != 50 || cfg.HTTP.Listen != ":8080" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	// 未出现在文件中的字段保持默认值
	if cfg.Broker.Channel != "candle-generated" || cfg.Push.SendQueue != 16 || !cfg.Push.ReplayLatest {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
}

func TestLoadDefaultsMatchReference(t *testing.T) {
	cfg := Default()
	if cfg.Ingest.RetryDelay != 5*time.Second {
		t.Errorf("default retry delay = %s, want 5s", cfg.Ingest.RetryDelay)
	}
	if cfg.Window.Capacity != 100 {
		t.Errorf("default capacity = %d, want 100", cfg.Window.Capacity)
	}
	if cfg.Broker.InstrumentID != 76 || cfg.Broker.PeriodSeconds != 1 {
		t.Errorf("unexpected default subscription %+v", cfg.Broker)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
window:
  timezone: UTC
`)
	t.Setenv("RELAY_BROKER_EMAIL", "env@example.com")
	t.Setenv("RELAY_BROKER_PASSWORD", "env-secret")
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.Email != "env@example.com" || cfg.Broker.Password != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", cfg.Broker.Email)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log level override not applied: %s", cfg.Log.Level)
	}
}

func TestLoadWithoutCredentialsFails(t *testing.T) {
	path := writeTempConfig(t, "env: prod\n")
	t.Setenv("RELAY_BROKER_EMAIL", "")
	t.Setenv("RELAY_BROKER_PASSWORD", "")
	if _, err := LoadWithEnvOverrides(path); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("RELAY_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_TEST_DOTENV", "")
	os.Unsetenv("RELAY_TEST_DOTENV")

	if err := LoadDotEnv(envPath, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("RELAY_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("dotenv value = %q, want loaded", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	cfg := Default()
	cfg.Broker.Email = "a"
	cfg.Broker.Password = "b"
	cfg.Window.Timezone = "UTC"
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults with credentials should validate: %v", err)
	}

	bad := cfg
	bad.Ingest.RetryDelay = 0
	if err := Validate(bad); err == nil {
		t.Errorf("expected error for zero retry delay")
	}
	bad = cfg
	bad.Window.Timezone = "Mars/Olympus"
	if err := Validate(bad); err == nil {
		t.Errorf("expected error for unknown timezone")
	}
	bad = cfg
	bad.Broker.WSURL = "::not a url"
	if err := Validate(bad); err == nil {
		t.Errorf("expected error for bad ws url")
	}
}
