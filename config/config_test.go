package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibes-agent/vibes-core/logger"
	"github.com/vibes-agent/vibes-core/paths"
)

func settingsPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "settings.json")
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s, err := LoadFrom(settingsPath(t))
	require.NoError(t, err)
	assert.Nil(t, s.Get("theme"))
	assert.Empty(t, s.All())
}

func TestSetAndGet(t *testing.T) {
	path := settingsPath(t)
	s, err := LoadFrom(path)
	require.NoError(t, err)

	require.NoError(t, s.Set("theme", "dark"))
	require.NoError(t, s.Set("notifications", true))

	assert.Equal(t, "dark", s.Get("theme"))
	assert.Equal(t, "dark", s.GetString("theme", "light"))
	assert.True(t, s.GetBool("notifications", false))

	// Values round-trip through disk.
	reloaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "dark", reloaded.GetString("theme", "light"))
	assert.True(t, reloaded.GetBool("notifications", false))
}

func TestGetFallbacks(t *testing.T) {
	s, err := LoadFrom(settingsPath(t))
	require.NoError(t, err)
	require.NoError(t, s.Set("theme", 42)) // wrong type

	assert.Equal(t, "light", s.GetString("theme", "light"))
	assert.Equal(t, "light", s.GetString("missing", "light"))
	assert.True(t, s.GetBool("missing", true))
}

func TestSetAllReplaces(t *testing.T) {
	s, err := LoadFrom(settingsPath(t))
	require.NoError(t, err)
	require.NoError(t, s.Set("old", "value"))

	require.NoError(t, s.SetAll(map[string]any{"new": "value"}))

	assert.Nil(t, s.Get("old"))
	assert.Equal(t, "value", s.Get("new"))
}

func TestReset(t *testing.T) {
	path := settingsPath(t)
	s, err := LoadFrom(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("theme", "dark"))

	require.NoError(t, s.Reset())

	assert.Empty(t, s.All())
	reloaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Empty(t, reloaded.All())
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // the corrupt-file warning lands in the log file
	logger.Reset()
	paths.Reset()
	t.Cleanup(func() {
		logger.Close()
		logger.Reset()
		paths.Reset()
	})

	path := settingsPath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Empty(t, s.All())
}

func TestAllReturnsCopy(t *testing.T) {
	s, err := LoadFrom(settingsPath(t))
	require.NoError(t, err)
	require.NoError(t, s.Set("theme", "dark"))

	all := s.All()
	all["theme"] = "mutated"
	assert.Equal(t, "dark", s.Get("theme"))
}
