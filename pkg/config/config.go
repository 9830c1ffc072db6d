// Package config loads gateway configuration from the environment. There
// is no file-based or YAML configuration layer: every setting is an
// environment variable with a documented default, the same shape as the
// teacher lineage's own config loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting the gateway needs to wire
// its collaborators.
type Config struct {
	// DatabaseDSN is required; there is no embedded-database fallback
	// for this domain, since the audit trail must live in Postgres.
	DatabaseDSN string

	RedisURL       string
	PolicyBaseURL  string
	PolicyPath     string

	AntiReplayEnabled    bool
	AntiReplayTTLSeconds int

	LogLevel  string
	LogFormat string

	Port           string
	HealthPort     string
	MetricsPort    string

	ReplayTimeout time.Duration
	PolicyTimeout time.Duration
	AuditTimeout  time.Duration
}

// Load reads configuration from the environment, applying the documented
// defaults, and fails fast if DatabaseDSN is absent.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		return nil, fmt.Errorf("config: DATABASE_DSN is required")
	}

	cfg := &Config{
		DatabaseDSN:          dsn,
		RedisURL:             getEnvDefault("REDIS_URL", "redis://redis:6379/0"),
		PolicyBaseURL:        getEnvDefault("POLICY_ENGINE_URL", "http://opa:8181"),
		PolicyPath:           getEnvDefault("POLICY_ENGINE_PATH", "/v1/data/verigate/decision"),
		AntiReplayEnabled:    getEnvBoolDefault("ANTI_REPLAY_ENABLED", true),
		AntiReplayTTLSeconds: getEnvIntDefault("ANTI_REPLAY_TTL_SECONDS", 86400),
		LogLevel:             getEnvDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvDefault("LOG_FORMAT", "json"),
		Port:                 getEnvDefault("PORT", "8080"),
		HealthPort:           getEnvDefault("HEALTH_PORT", "8081"),
		MetricsPort:          getEnvDefault("METRICS_PORT", "9090"),
		ReplayTimeout:        getEnvMillisDefault("REPLAY_TIMEOUT_MS", 200),
		PolicyTimeout:        getEnvMillisDefault("POLICY_TIMEOUT_MS", 350),
		AuditTimeout:         getEnvMillisDefault("AUDIT_TIMEOUT_MS", 2000),
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvMillisDefault(key string, defMillis int) time.Duration {
	return time.Duration(getEnvIntDefault(key, defMillis)) * time.Millisecond
}
