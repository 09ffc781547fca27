package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPPort != "8081" {
		t.Errorf("HTTPPort = %q, want 8081", cfg.HTTPPort)
	}
	if cfg.PresenceTTL != 10*time.Minute {
		t.Errorf("PresenceTTL = %v, want 10m", cfg.PresenceTTL)
	}
	if !cfg.MigrateOnStart {
		t.Error("MigrateOnStart should default to true")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("PRESENCE_TTL", "30s")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")
	t.Setenv("MIGRATE_ON_START", "false")

	cfg := Load()
	if cfg.HTTPPort != "9000" {
		t.Errorf("HTTPPort = %q, want 9000", cfg.HTTPPort)
	}
	if cfg.PresenceTTL != 30*time.Second {
		t.Errorf("PresenceTTL = %v, want 30s", cfg.PresenceTTL)
	}
	if cfg.RateLimitPerMin != 10 {
		t.Errorf("RateLimitPerMin = %d, want 10", cfg.RateLimitPerMin)
	}
	if cfg.MigrateOnStart {
		t.Error("MigrateOnStart should be false")
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("PRESENCE_TTL", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	t.Setenv("MIGRATE_ON_START", "maybe")

	cfg := Load()
	if cfg.PresenceTTL != 10*time.Minute {
		t.Errorf("invalid duration should fall back, got %v", cfg.PresenceTTL)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Errorf("invalid int should fall back, got %d", cfg.RateLimitPerMin)
	}
	if !cfg.MigrateOnStart {
		t.Error("invalid bool should fall back to true")
	}
}
