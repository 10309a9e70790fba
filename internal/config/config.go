package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the task tracking service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// RedisURL enables the distributed coordinator when non-empty. Without
	// it the service tracks tasks for this instance only.
	RedisURL       string
	RedisKeyPrefix string

	// UpstreamURL points at an Ollama-compatible generation backend. When
	// empty the generation endpoint responds 501.
	UpstreamURL       string
	UpstreamModel     string
	GenerationTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "taskmux"),
		AllowAnyOrigin:    false,
		RedisURL:          envTrimmed("REDIS_URL"),
		RedisKeyPrefix:    envOrDefault("REDIS_KEY_PREFIX", "taskmux"),
		UpstreamURL:       envTrimmed("UPSTREAM_URL"),
		UpstreamModel:     envOrDefault("UPSTREAM_MODEL", "llama3.1"),
		GenerationTimeout: 10 * time.Minute,
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.GenerationTimeout < time.Second {
		return Config{}, fmt.Errorf("GENERATION_TIMEOUT must be at least 1s")
	}
	if strings.ContainsAny(cfg.RedisKeyPrefix, " \t\n") {
		return Config{}, fmt.Errorf("REDIS_KEY_PREFIX must not contain whitespace")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
