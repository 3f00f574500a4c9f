package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/settingsync/internal/colors"
)

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	colors.SetColorEnabled(false)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfg, "--log-level", "none"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigSetGet(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "settingsync.yaml")

	_, err := run(t, cfg, "config", "set", "sync.exclude", "cache, *.bak")
	require.NoError(t, err)
	out, err := run(t, cfg, "config", "get", "sync.exclude")
	require.NoError(t, err)
	assert.Equal(t, "cache,*.bak\n", out)

	_, err = run(t, cfg, "config", "set", "sync.interval", "soon")
	assert.Error(t, err)
	_, err = run(t, cfg, "config", "get", "no.such.key")
	assert.Error(t, err)

	out, err = run(t, cfg, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sync.interval = 15m")
}

func TestInitSyncLog(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "app")
	server := filepath.Join(dir, "server")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(server, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "editor.json"), []byte(`{"tabs":4}`), 0o644))

	cfg := filepath.Join(dir, "settingsync.yaml")
	for k, v := range map[string]string{
		"root":        root,
		"data_dir":    filepath.Join(dir, "data"),
		"remote.path": server,
	} {
		_, err := run(t, cfg, "config", "set", k, v)
		require.NoError(t, err)
	}

	out, err := run(t, cfg, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Tracking 1 files")

	out, err = run(t, cfg, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Pushed version")

	out, err = run(t, cfg, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Everything up to date")

	out, err = run(t, cfg, "remote", "exists", "settings.zip")
	require.NoError(t, err)
	assert.Contains(t, out, "settings.zip exists")

	_, err = run(t, cfg, "restore", "zzzz")
	assert.Error(t, err)
}
