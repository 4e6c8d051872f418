package workitems

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "default", cfg.QueueName)
	require.Equal(t, "default_output", cfg.OutputQueueName())
	require.Equal(t, 30*time.Minute, cfg.OrphanTimeout())
	require.Equal(t, int64(DefaultFileSizeThreshold), cfg.Threshold())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RC_WORKITEM_ADAPTER", "redis")
	t.Setenv("RC_WORKITEM_QUEUE_NAME", "orders")
	t.Setenv("RC_WORKITEM_ORPHAN_TIMEOUT_MINUTES", "5")
	t.Setenv("RC_WORKITEM_FILE_SIZE_THRESHOLD", "2048")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.Adapter)
	require.Equal(t, "orders", cfg.QueueName)
	require.Equal(t, "orders_output", cfg.OutputQueueName())
	require.Equal(t, 5*time.Minute, cfg.OrphanTimeout())
	require.Equal(t, int64(2048), cfg.Threshold())
}

func TestConfigZeroValuesFallBack(t *testing.T) {
	var cfg = Config{QueueName: "jobs"}
	require.Equal(t, DefaultOrphanTimeout, cfg.OrphanTimeout())
	require.Equal(t, int64(DefaultFileSizeThreshold), cfg.Threshold())
}
