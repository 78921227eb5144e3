package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/jobs")
	t.Setenv("DISPATCH_PACING", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/jobs", cfg.DatabaseURL)
	assert.Equal(t, 10, cfg.DispatchBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.DispatchPacing)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.BackoffCap)
}

func TestValidateMissing(t *testing.T) {
	err := Config{LeaseDuration: time.Minute}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingConfig))
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "AI_SERVICE_KEY")
}

func TestValidateLeaseShorterThanTimeout(t *testing.T) {
	cfg := Config{
		DatabaseURL:    "postgres://x",
		AnalysisURL:    "http://ai",
		AnalysisAPIKey: "k",
		HandlerTimeout: time.Minute,
		LeaseDuration:  30 * time.Second,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMissingConfig))
}
