package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMergesYAMLOverDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":9999"
devEnv: true
schedulerEnabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.True(t, cfg.DevEnv)
	require.False(t, cfg.SchedulerEnabled)
	require.Equal(t, "memory", cfg.QueueBackend) // untouched default
}

func TestLoadRejectsRedisBackendWithoutAddr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queueBackend: redis\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFileAndDefault(t *testing.T) {
	t.Setenv("HUB_LISTEN_ADDR", ":1234")
	t.Setenv("HUB_DEV_ENV", "true")
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":9999\"\ndevEnv: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":1234", cfg.ListenAddr)
	require.True(t, cfg.DevEnv)
}
