package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PEEREVAL_JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "PeerEval API", cfg.AppName)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, 3, cfg.MaxRetryRounds)
	require.Equal(t, 7, cfg.DefaultDeadlineDays)
	require.Equal(t, time.Duration(0), cfg.SubmissionGrace)
	require.Equal(t, 2*time.Minute, cfg.RunLockTTL)
	require.Equal(t, time.Minute, cfg.StatusCacheTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PEEREVAL_JWT_SECRET", "test-secret")
	t.Setenv("PEEREVAL_APP_PORT", "9090")
	t.Setenv("PEEREVAL_ENGINE_MAX_RETRY_ROUNDS", "2")
	t.Setenv("PEEREVAL_ENGINE_SUBMISSION_GRACE", "48h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, 2, cfg.MaxRetryRounds)
	require.Equal(t, 48*time.Hour, cfg.SubmissionGrace)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("PEEREVAL_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}
