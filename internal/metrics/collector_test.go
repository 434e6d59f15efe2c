package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCollectorRegistersWithoutError(t *testing.T) {
	c, err := NewCollector(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestDisabledCollectorIsNoOp(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: false})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		c.RecordOperation("write", time.Millisecond, true)
		c.RecordCacheHit("vault-1")
		c.UpdatePoolPressure("fuse", 4, 0)
		c.UpdateSyncQueueDepth("vault-1", 3)
		c.RecordS3Request("PUT", 10*time.Millisecond)
		c.UpdateBreakerState("vault-1", 1)
	})
}

func TestRecordOperationDoesNotPanic(t *testing.T) {
	c, err := NewCollector(DefaultConfig())
	require.NoError(t, err)

	require.NotPanics(t, func() {
		c.RecordOperation("read", 2*time.Millisecond, true)
		c.RecordOperation("write", 3*time.Millisecond, false)
		c.RecordCacheHit("vault-1")
		c.RecordCacheMiss("vault-1")
		c.UpdateCacheSize("vault-1", 1024)
		c.UpdatePoolPressure("sync", 2, 5)
		c.RecordWorkSteal("sync", "fuse")
		c.UpdateSyncQueueDepth("vault-1", 7)
		c.RecordSyncError("vault-1", "io_error")
		c.RecordS3Request("GET", 12*time.Millisecond)
		c.UpdateBreakerState("vault-1", 2)
	})
}
