package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log("VOLUME_MOUNTED", true, map[string]interface{}{
		"volume_uuid": "uuid-1",
		"device":      "/dev/test",
		"request_id":  "v_1",
	}))
	require.NoError(t, logger.Log("MOUNT_REJECTED", false, map[string]interface{}{
		"error": "authentication failed",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"action":"VOLUME_MOUNTED"`)
	assert.Contains(t, lines[0], `"volume_uuid":"uuid-1"`)
	assert.Contains(t, lines[1], `"success":false`)
}

func TestFileLoggerPromotesMetadataFields(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Log("VOLUME_MOUNTED", true, map[string]interface{}{
		"volume_uuid": "uuid-9",
		"device":      "/dev/x",
		"user_id":     "alice",
		"request_id":  "v_9",
	}))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)

	e := result.Events[0]
	assert.Equal(t, "uuid-9", e.VolumeUUID)
	assert.Equal(t, "/dev/x", e.Device)
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, "v_9", e.RequestID)
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Log("VOLUME_MOUNTED", true, map[string]interface{}{"volume_uuid": "a"}))
	require.NoError(t, logger.Log("VOLUME_MOUNTED", true, map[string]interface{}{"volume_uuid": "b"}))
	require.NoError(t, logger.Log("VOLUME_UNMOUNTED", true, map[string]interface{}{"volume_uuid": "a"}))
	require.NoError(t, logger.Log("MOUNT_REJECTED", false, map[string]interface{}{"device": "/dev/z"}))

	byAction, err := logger.Query(QueryOptions{Action: "VOLUME_MOUNTED"})
	require.NoError(t, err)
	assert.Len(t, byAction.Events, 2)

	byVolume, err := logger.Query(QueryOptions{VolumeUUID: "a"})
	require.NoError(t, err)
	assert.Len(t, byVolume.Events, 2)

	failed := false
	bysuccess, err := logger.Query(QueryOptions{Success: &failed})
	require.NoError(t, err)
	require.Len(t, bysuccess.Events, 1)
	assert.Equal(t, "MOUNT_REJECTED", bysuccess.Events[0].Action)

	limited, err := logger.Query(QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited.Events, 2)
	assert.True(t, limited.HasMore)
}

func TestFileLoggerAuthFailureFilter(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	require.NoError(t, logger.Log("MOUNT_REJECTED", false, nil))
	require.NoError(t, logger.Log("REKEY_FAILED", false, nil))
	require.NoError(t, logger.Log("VOLUME_CREATE_FAILED", false, nil))
	require.NoError(t, logger.Log("VOLUME_MOUNTED", true, nil))

	result, err := logger.Query(QueryOptions{AuthFailures: true})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	for _, e := range result.Events {
		assert.False(t, e.Success)
	}
}

func TestFileLoggerQueryNewestFirst(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Log("VOLUME_MOUNTED", true, nil))
		time.Sleep(2 * time.Millisecond)
	}

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 3)
	for i := 1; i < len(result.Events); i++ {
		assert.False(t, result.Events[i].Timestamp.After(result.Events[i-1].Timestamp))
	}
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log("VOLUME_MOUNTED", true, nil))
	require.NoError(t, logger.Close())

	// A closed logger reopens its file on the next write.
	require.NoError(t, logger.Log("VOLUME_UNMOUNTED", true, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestFileLoggerRequiresPath(t *testing.T) {
	_, err := NewFileLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.Error(t, err)
}

func TestNewLoggerFactory(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	_, err = NewLogger(&Config{Enabled: true, Type: "gopher-net"})
	assert.Error(t, err)
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NoError(t, logger.Log("ANYTHING", true, nil))
	result, err := logger.Query(QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, logger.Close())
}
