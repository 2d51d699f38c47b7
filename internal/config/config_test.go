package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Listen == "" {
		t.Fatalf("default API listen address must not be empty")
	}
	if cfg.JWT.Issuer == "" {
		t.Fatalf("default JWT issuer must not be empty")
	}
	if cfg.Scheduler.HealthCheckInterval <= 0 {
		t.Fatalf("default health check interval must be positive")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("API_LISTEN", "127.0.0.1:9999")
	cfg := DefaultConfig()
	if cfg.API.Listen != "127.0.0.1:9999" {
		t.Fatalf("API.Listen = %q, want env override", cfg.API.Listen)
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	doc := []byte("api:\n  listen: \"0.0.0.0:8100\"\njwt:\n  issuer: \"test-cluster\"\n")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.API.Listen != "0.0.0.0:8100" {
		t.Fatalf("API.Listen = %q, want file value", cfg.API.Listen)
	}
	if cfg.JWT.Issuer != "test-cluster" {
		t.Fatalf("JWT.Issuer = %q, want file value", cfg.JWT.Issuer)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Database.Port == 0 {
		t.Fatalf("expected default database port to survive the overlay")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
