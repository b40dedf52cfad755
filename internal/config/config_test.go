package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	cfg.OrphanGrace = cfg.EvidenceTTL
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Run("heartbeat must respect the one-third rule", func(t *testing.T) {
		cfg := Defaults()
		cfg.LeaseTTL = 30 * time.Second
		cfg.HeartbeatInterval = 11 * time.Second
		require.Error(t, cfg.Validate())

		cfg.HeartbeatInterval = 10 * time.Second
		require.NoError(t, cfg.Validate())
	})

	t.Run("threshold below two is rejected", func(t *testing.T) {
		cfg := Defaults()
		cfg.QuarantineThreshold = 1
		require.ErrorContains(t, cfg.Validate(), "quarantine_threshold")
	})

	t.Run("evidence must outlive liveness", func(t *testing.T) {
		cfg := Defaults()
		cfg.EvidenceTTL = cfg.LeaseTTL
		require.ErrorContains(t, cfg.Validate(), "evidence_ttl")
	})

	t.Run("unknown ledger driver", func(t *testing.T) {
		cfg := Defaults()
		cfg.LedgerDriver = "mongo"
		require.ErrorContains(t, cfg.Validate(), "ledger_driver")
	})
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.yaml")
	content := []byte("lease_ttl: 45s\nheartbeat_interval: 5s\nquarantine_threshold: 4\nkey_prefix: filejobs\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("KEY_PREFIX", "envjobs")
	t.Setenv("ACQUIRE_RATE_CAPACITY", "5")
	t.Setenv("ACQUIRE_RATE_REFILL", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.LeaseTTL)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 4, cfg.QuarantineThreshold)
	require.Equal(t, "envjobs", cfg.KeyPrefix)
	require.Equal(t, 5, cfg.AcquireRateCapacity)
	require.Equal(t, 0.5, cfg.AcquireRateRefill)
	require.Equal(t, cfg.EvidenceTTL, cfg.OrphanGrace)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("QUARANTINE_THRESHOLD", "1")
	_, err := Load()
	require.Error(t, err)
}
