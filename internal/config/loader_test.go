package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "subprocess", cfg.Provider.Name)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "sessions"), cfg.SessionsDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "index.db"), cfg.IndexPath)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.json")
	content := `{
		"data_dir": "/tmp/warden-test",
		"supervisor": {"max_workers": 2, "idle_preempt_seconds": 60},
		"provider": {"name": "anthropic", "model": "claude-sonnet-4-5"},
		"logging": {"level": "debug", "console": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Supervisor.MaxWorkers)
	assert.Equal(t, 60, cfg.Supervisor.IdlePreemptSeconds)
	assert.Equal(t, "anthropic", cfg.Provider.Name)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Provider.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Derived paths follow the configured data dir.
	assert.Equal(t, "/tmp/warden-test/sessions", cfg.SessionsDir)
	assert.Equal(t, "/tmp/warden-test/index.db", cfg.IndexPath)

	// Untouched sections keep their defaults.
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, 30, cfg.Retention.MaxAgeDays)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "warden.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/warden-roundtrip"
	cfg.Provider.Name = "subprocess"
	cfg.Provider.Command = "my-agent"
	cfg.Supervisor.MaxWorkers = 7

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "my-agent", loaded.Provider.Command)
	assert.Equal(t, 7, loaded.Supervisor.MaxWorkers)
}

func TestGetConfigPath(t *testing.T) {
	loader := NewLoader("/etc/warden.json")
	assert.Equal(t, "/etc/warden.json", loader.GetConfigPath())

	assert.Contains(t, NewLoader("").GetConfigPath(), ".warden")
}
