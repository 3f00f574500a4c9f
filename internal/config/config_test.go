package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "conf", "settingsync.yaml"))
}

func TestDefaults(t *testing.T) {
	m := newTestManager(t)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "settings.zip", cfg.Object)
	assert.Equal(t, RemoteLocalFS, cfg.Remote.Kind)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, time.Second, cfg.Sync.Debounce)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.WatchDebounce)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Error(t, cfg.Validate(), "root is required")
}

func TestSetValuePersists(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetValue("root", "/home/me/.config/app"))
	require.NoError(t, m.SetValue("remote.path", "/mnt/shared"))
	require.NoError(t, m.SetValue("sync.exclude", "cache/*, *.bak"))
	require.NoError(t, m.SetValue("sync.interval", "5m"))

	_, err := os.Stat(m.Path())
	require.NoError(t, err)

	cfg, err := NewManager(m.Path()).Load()
	require.NoError(t, err)
	assert.Equal(t, "/home/me/.config/app", cfg.Root)
	assert.Equal(t, []string{"cache/*", "*.bak"}, cfg.Sync.Exclude)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.NoError(t, cfg.Validate())

	val, err := m.GetValue("sync.exclude")
	require.NoError(t, err)
	assert.Equal(t, "cache/*,*.bak", val)
}

func TestSetValueRejectsBadInput(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.SetValue("no.such.key", "x"))
	assert.Error(t, m.SetValue("sync.debounce", "soon"))
	_, err := m.GetValue("nope")
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetValue("log.level", "warn"))
	t.Setenv("SETTINGSYNC_LOG_LEVEL", "debug")

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnsureAppID(t *testing.T) {
	m := newTestManager(t)
	id, created, err := m.EnsureAppID()
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)

	again, created, err := NewManager(m.Path()).EnsureAppID()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
}

func TestValidate(t *testing.T) {
	base := Config{
		Root:   "/r",
		Object: "settings.zip",
		Remote: RemoteConfig{Kind: RemoteS3, Bucket: "b"},
		Sync:   SyncConfig{Interval: time.Minute},
	}
	require.NoError(t, base.Validate())

	noBucket := base
	noBucket.Remote.Bucket = ""
	assert.Error(t, noBucket.Validate())

	unknown := base
	unknown.Remote.Kind = "ftp"
	assert.Error(t, unknown.Validate())
}

func TestListCoversAllKeys(t *testing.T) {
	all, err := newTestManager(t).List()
	require.NoError(t, err)
	assert.Len(t, all, len(Keys()))
	assert.Equal(t, "settings.zip", all["object"])
}
