package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/ratelimit/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		max    int
		window time.Duration
		rule   models.KeyRule
	}{
		{PolicyGeneral, 100, time.Minute, models.KeyByIP},
		{PolicyAuth, 10, time.Minute, models.KeyByIP},
		{PolicyAIGeneration, 10, time.Minute, models.KeyByUser},
		{PolicyResearch, 30, time.Minute, models.KeyByUserAndIP},
		{PolicyAdmin, 20, time.Minute, models.KeyByIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := cfg.Policy(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.max, p.MaxRequests)
			assert.Equal(t, tt.window, p.Window)
			assert.Equal(t, tt.rule, p.KeyRule)
			assert.NotEmpty(t, p.Message)
		})
	}

	// datastore breaker is slower to trip and slower to recover than the AI providers
	db := cfg.Breakers[ResourceDatabase]
	ai := cfg.Breakers[ResourceOpenAI]
	assert.Greater(t, db.FailureThreshold, ai.FailureThreshold)
	assert.Greater(t, db.RecoveryTimeout, ai.RecoveryTimeout)
	assert.Equal(t, cfg.Breakers[ResourceOpenAI], cfg.Breakers[ResourceAnthropic])

	assert.Equal(t, 10*time.Second, cfg.SourceThrottle.Window)
	assert.Equal(t, 100, cfg.SourceThrottle.Threshold)
	assert.Equal(t, int64(5), cfg.Abuse.RepeatOffenderThreshold)
	assert.Equal(t, 24*time.Hour, cfg.ViolationTTL)
}

func TestPolicy_Unknown(t *testing.T) {
	_, ok := DefaultConfig().Policy("nope")
	assert.False(t, ok)
}

func TestParse_Overlay(t *testing.T) {
	data := []byte(`
key_prefix: aegis
policies:
  auth:
    window: 30s
    max_requests: 5
    key_by: ip
  uploads:
    window: 1h
    max_requests: 50
    key_by: user
    status_code: 503
breakers:
  openai:
    failure_threshold: 2
    recovery_timeout: 5s
source_throttle:
  threshold: 250
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "aegis", cfg.KeyPrefix)

	auth, ok := cfg.Policy(PolicyAuth)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, auth.Window)
	assert.Equal(t, 5, auth.MaxRequests)

	uploads, ok := cfg.Policy("uploads")
	require.True(t, ok)
	assert.Equal(t, time.Hour, uploads.Window)
	assert.Equal(t, 503, uploads.StatusCode)

	// untouched defaults survive the overlay
	_, ok = cfg.Policy(PolicyGeneral)
	assert.True(t, ok)
	assert.Equal(t, BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 5 * time.Second}, cfg.Breakers[ResourceOpenAI])
	assert.Equal(t, 5, cfg.Breakers[ResourceDatabase].FailureThreshold)
	assert.Equal(t, 250, cfg.SourceThrottle.Threshold)
	assert.Equal(t, 10*time.Second, cfg.SourceThrottle.Window)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"zero window", "policies:\n  bad:\n    max_requests: 3\n", "window must be positive"},
		{"unknown key rule", "policies:\n  bad:\n    window: 1m\n    max_requests: 3\n    key_by: device\n", "unknown key rule"},
		{"breaker threshold", "breakers:\n  openai:\n    recovery_timeout: 5s\n", "breakers.openai"},
		{"idle shorter than block", "source_throttle:\n  idle_ttl: 1s\n", "idle_ttl"},
		{"malformed yaml", "policies: [", "parse rate limit config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ratelimit.yaml")
		require.NoError(t, os.WriteFile(path, []byte("violation_ttl: 12h\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 12*time.Hour, cfg.ViolationTTL)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
