package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	mgr := NewManager(path)

	s, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, "https://plex.tv", s.Directory.BaseURL)
	assert.Equal(t, 3, s.Request.MaxRetries)
	assert.Equal(t, time.Second, s.Request.BaseDelay())
	assert.Equal(t, 10*time.Second, s.Request.MaxDelay())
	assert.Equal(t, 150, s.Pairing.MaxAttempts)
	assert.Equal(t, 2*time.Second, s.Pairing.Interval())

	_, err = os.Stat(path)
	require.NoError(t, err, "defaults should be written to disk")
}

func TestLoadBackfillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	raw := map[string]any{
		"request": map[string]any{"maxRetries": 1, "baseDelayMs": 0},
		"storage": map[string]any{"driver": "sqlite", "path": "data"},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Request.MaxRetries)
	assert.Equal(t, 1000, s.Request.BaseDelayMs)
	assert.Equal(t, "sqlite", s.Storage.Driver)
	assert.Equal(t, 3000, s.Discovery.ProbeTimeoutMs)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDirectoryURL, "http://localhost:9999/")
	t.Setenv(EnvOffline, "true")
	t.Setenv(EnvMaxRetries, "0")
	t.Setenv(EnvStrict, "not-a-bool")

	s := ApplyEnv(DefaultSettings())
	assert.Equal(t, "http://localhost:9999", s.Directory.BaseURL)
	assert.True(t, s.OfflineMode)
	assert.Equal(t, 0, s.Request.MaxRetries)
	assert.False(t, s.Discovery.Strict)
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	mgr := NewManager(path)

	s := DefaultSettings()
	s.OfflineMode = true
	require.NoError(t, mgr.Save(s))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := mgr.Load()
	require.NoError(t, err)
	assert.True(t, loaded.OfflineMode)
}

func TestConfigPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath, ConfigPath())
	t.Setenv(EnvConfigPath, "/tmp/x.json")
	assert.Equal(t, "/tmp/x.json", ConfigPath())
}
