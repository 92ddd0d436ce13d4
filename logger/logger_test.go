package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) string {
	t.Helper()
	Reset()

	logPath := filepath.Join(t.TempDir(), "test-debug.log")
	require.NoError(t, Init(logPath))
	t.Cleanup(Reset)

	return logPath
}

func TestGet(t *testing.T) {
	setupTestLogger(t)

	log := Get()
	require.NotNil(t, log)

	// Should not panic
	log.Info("test message")
	log.Debug("debug message", "key", "value")
	log.Warn("warning", "count", 42)
	log.Error("error occurred", "err", "something failed")
}

func TestStructuredLogging(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Info("user action", "action", "send", "sessionID", "abc")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "user action")
	require.Contains(t, string(content), "action=send")
}

func TestWithComponent(t *testing.T) {
	logPath := setupTestLogger(t)

	WithComponent("store").Info("session saved", "id", "abc123")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "component=store")
	require.Contains(t, string(content), "id=abc123")
}

func TestWithSession(t *testing.T) {
	logPath := setupTestLogger(t)

	WithSession("sess-1").Info("runner created")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "sessionID=sess-1")
}

func TestSetDebug(t *testing.T) {
	logPath := setupTestLogger(t)

	SetDebug(false)
	Get().Debug("hidden debug line")

	SetDebug(true)
	Get().Debug("visible debug line")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(content), "hidden debug line")
	require.Contains(t, string(content), "visible debug line")
}

func TestInitIsIdempotent(t *testing.T) {
	logPath := setupTestLogger(t)

	// Second Init with a different path is a no-op
	require.NoError(t, Init(filepath.Join(t.TempDir(), "other.log")))

	Get().Info("after second init")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "after second init")
}
