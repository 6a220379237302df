package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "memory", cfg.StoreBackend)
	require.Equal(t, "memory", cfg.BrokerBackend)
	require.Equal(t, []string{"celery"}, cfg.Queues)
	require.Equal(t, 16, cfg.Prefetch)
	require.Equal(t, 24*time.Hour, cfg.ResultExpiry)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.True(t, cfg.SagaAutoCompensate)
	require.Equal(t, 0.8, cfg.KillSwitchTripRate)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("QUEUES", "priority,celery,bulk")
	t.Setenv("CONCURRENCY", "8")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("RESULT_EXPIRY", "1h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"priority", "celery", "bulk"}, cfg.Queues)
	require.Equal(t, 8, cfg.Concurrency)
	require.Equal(t, "postgres", cfg.StoreBackend)
	require.Equal(t, time.Hour, cfg.ResultExpiry)
}

func TestEffectiveConcurrency(t *testing.T) {
	require.Equal(t, 4, Config{Concurrency: 4}.EffectiveConcurrency())
	require.Greater(t, Config{}.EffectiveConcurrency(), 0)
}

func TestEnvModes(t *testing.T) {
	require.True(t, Config{AppEnv: "dev"}.IsDev())
	require.True(t, Config{AppEnv: "PROD"}.IsProd())
	require.True(t, Config{AppEnv: "test"}.IsTest())
	require.False(t, Config{AppEnv: "dev"}.IsProd())
}
