package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MetricsNamespace != "taskmux" {
		t.Fatalf("MetricsNamespace = %q, want %q", cfg.MetricsNamespace, "taskmux")
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty by default", cfg.RedisURL)
	}
	if cfg.RedisKeyPrefix != "taskmux" {
		t.Fatalf("RedisKeyPrefix = %q, want %q", cfg.RedisKeyPrefix, "taskmux")
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 15s", cfg.ShutdownTimeout)
	}
	if cfg.GenerationTimeout != 10*time.Minute {
		t.Fatalf("GenerationTimeout = %v, want 10m", cfg.GenerationTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_KEY_PREFIX", "myapp")
	t.Setenv("GENERATION_TIMEOUT", "90s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9999")
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.RedisKeyPrefix != "myapp" {
		t.Fatalf("RedisKeyPrefix = %q, want %q", cfg.RedisKeyPrefix, "myapp")
	}
	if cfg.GenerationTimeout != 90*time.Second {
		t.Fatalf("GenerationTimeout = %v, want 90s", cfg.GenerationTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("GENERATION_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with invalid duration, want error")
	}
}

func TestLoadRejectsShortGenerationTimeout(t *testing.T) {
	t.Setenv("GENERATION_TIMEOUT", "10ms")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() with sub-second timeout, want error")
	}
}
