package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(&Config{Enabled: true, Namespace: "bkpfs"})
	require.NotNil(t, c.Registry())

	c.RecordBackupCreated(128)
	c.RecordBackupCreated(64)
	c.RecordBackupPruned()
	c.RecordBackupDeleted()
	c.RecordBackupFailure()
	c.RecordRestore()
	c.RecordCleanupCascade()
	c.RecordEntrySuppressed()
	c.RecordControlRequest("view")
	c.RecordControlRequest("view")
	c.RecordControlRequest("delete")
	c.RecordControlError("view")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.backupsCreated))
	assert.Equal(t, 192.0, testutil.ToFloat64(c.backupBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backupsPruned))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backupsDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backupFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restores))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupCascades))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entriesSuppressed))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.controlRequests.WithLabelValues("view")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.controlRequests.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.controlErrors.WithLabelValues("view")))
}

func TestDisabledCollectorIsInert(t *testing.T) {
	c := NewCollector(&Config{Enabled: false})
	assert.Nil(t, c.Registry())

	// all record calls are no-ops, not panics
	c.RecordBackupCreated(1)
	c.RecordBackupPruned()
	c.RecordControlRequest("view")
	assert.NoError(t, c.Serve())
}

func TestNilCollectorIsInert(t *testing.T) {
	var c *Collector
	c.RecordBackupCreated(1)
	c.RecordBackupFailure()
	c.RecordControlRequest("view")
	c.RecordControlError("view")
	c.RecordEntrySuppressed()
}

func TestDefaultsApplied(t *testing.T) {
	c := NewCollector(nil)
	require.NotNil(t, c.Registry())
	assert.Equal(t, "/metrics", c.config.Path)
	assert.Equal(t, "bkpfs", c.config.Namespace)
}
