package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneIsNop(t *testing.T) {
	l, err := New(LevelNone, "")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))
	assert.False(t, l.Core().Enabled(2))
}

func TestBadLevel(t *testing.T) {
	_, err := New("loud", "")
	assert.Error(t, err)
	assert.Panics(t, func() { Must("loud", "") })
}

func TestFileOutput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sync.log")
	l, err := New(LevelWarn, file)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	_ = l.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"shown"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestRotatorSettings(t *testing.T) {
	r := Rotator("/tmp/x.log")
	assert.Equal(t, maxSizeMB, r.MaxSize)
	assert.True(t, r.Compress)
}
