package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTHGATE_IDENTITY_SECRET", "unit-test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("unexpected port: %s", cfg.Server.Port)
	}
	if cfg.Auth.TokenTTL != 15*time.Minute {
		t.Fatalf("unexpected token ttl: %v", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.RefreshTTL != 14*24*time.Hour {
		t.Fatalf("unexpected refresh ttl: %v", cfg.Auth.RefreshTTL)
	}
	if cfg.RateLimit.Default != 25 || cfg.RateLimit.Burst != 50 {
		t.Fatalf("unexpected rate limits: %+v", cfg.RateLimit)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AUTHGATE_IDENTITY_SECRET", "unit-test-secret")
	t.Setenv("AUTHGATE_SERVER_PORT", "9090")
	t.Setenv("AUTHGATE_AUTH_TOKEN_TTL", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("env override lost: %s", cfg.Server.Port)
	}
	if cfg.Auth.TokenTTL != 5*time.Minute {
		t.Fatalf("env ttl override lost: %v", cfg.Auth.TokenTTL)
	}
}

func TestLoadRequiresIdentitySecret(t *testing.T) {
	t.Setenv("AUTHGATE_IDENTITY_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("missing identity secret must fail")
	}
}

func TestLoadConfigFileWithServices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authgate.yaml")
	content := `
identity:
  secret: file-secret
services:
  - name: orders
    prefix: /orders/
    url: http://orders:8080
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AUTHGATE_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.Secret != "file-secret" {
		t.Fatalf("file secret lost: %q", cfg.Identity.Secret)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Prefix != "/orders/" {
		t.Fatalf("services not decoded: %+v", cfg.Services)
	}
}

func TestLoadRejectsIncompleteService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authgate.yaml")
	content := `
identity:
  secret: file-secret
services:
  - name: orders
    prefix: /orders/
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AUTHGATE_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatalf("service without url must fail validation")
	}
}
