package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	cfg, err := LoadAPIConfig()
	require.NoError(t, err)
	require.Equal(t, ":4000", cfg.Addr)
	require.Equal(t, 1000, cfg.MaxBatchSize)
	require.Equal(t, int64(8<<20), cfg.MaxBodyBytes)
	require.Equal(t, 30*time.Second, cfg.RecorderBackoffInitial)
	require.Equal(t, 5*time.Minute, cfg.RecorderBackoffMax)
	require.Equal(t, 3, cfg.RecorderFailureThreshold)
	require.Equal(t, 7*24*time.Hour, cfg.RawRetention)
	require.Equal(t, 90*24*time.Hour, cfg.AggregateRetention)
	require.Equal(t, 5*time.Minute, cfg.AdminCacheTTL)
}

func TestLoadAPIConfigOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("QUERY_SOFT_TIMEOUT", "750ms")
	t.Setenv("EVENTS_MAX_BATCH", "50")

	cfg, err := LoadAPIConfig()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 750*time.Millisecond, cfg.QuerySoftTimeout)
	require.Equal(t, 50, cfg.MaxBatchSize)
}

func TestLoadAggregateConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("METRICS_RAW_RETENTION", "seven days")
	_, err := LoadAggregateConfig()
	require.Error(t, err)
}
