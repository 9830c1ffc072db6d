package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FailsFastWithoutDSN(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/verigate")
	t.Setenv("REDIS_URL", "")
	t.Setenv("POLICY_ENGINE_URL", "")
	t.Setenv("ANTI_REPLAY_ENABLED", "")
	t.Setenv("ANTI_REPLAY_TTL_SECONDS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://redis:6379/0", cfg.RedisURL)
	assert.Equal(t, "http://opa:8181", cfg.PolicyBaseURL)
	assert.True(t, cfg.AntiReplayEnabled)
	assert.Equal(t, 86400, cfg.AntiReplayTTLSeconds)
	assert.Equal(t, 200*time.Millisecond, cfg.ReplayTimeout)
	assert.Equal(t, 350*time.Millisecond, cfg.PolicyTimeout)
	assert.Equal(t, 2000*time.Millisecond, cfg.AuditTimeout)
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/verigate")
	t.Setenv("ANTI_REPLAY_ENABLED", "false")
	t.Setenv("ANTI_REPLAY_TTL_SECONDS", "3600")
	t.Setenv("POLICY_TIMEOUT_MS", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.AntiReplayEnabled)
	assert.Equal(t, 3600, cfg.AntiReplayTTLSeconds)
	assert.Equal(t, 500*time.Millisecond, cfg.PolicyTimeout)
}
