package localfs

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/settingsync/internal/transport"
)

func newTestTransport(opts ...Option) (transport.Transport, afero.Fs) {
	fs := afero.NewMemMapFs()
	return New(fs, "/shared", opts...), fs
}

func TestMissingObject(t *testing.T) {
	tr, _ := newTestTransport()
	ctx := context.Background()

	_, err := tr.LatestVersionID(ctx, "settings.zip")
	assert.ErrorIs(t, err, transport.ErrNotFound)
	_, _, err = tr.Read(ctx, "settings.zip")
	assert.ErrorIs(t, err, transport.ErrNotFound)
	ok, err := tr.Exists(ctx, "settings.zip")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionalWrites(t *testing.T) {
	tr, _ := newTestTransport()
	ctx := context.Background()

	v1, err := tr.WriteConditional(ctx, "settings.zip", []byte("one"), "")
	require.NoError(t, err)

	// creating again must fail: the object exists now
	_, err = tr.WriteConditional(ctx, "settings.zip", []byte("dup"), "")
	assert.ErrorIs(t, err, transport.ErrConflict)

	v2, err := tr.WriteConditional(ctx, "settings.zip", []byte("two"), v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	// stale expectation leaves the object untouched
	_, err = tr.WriteConditional(ctx, "settings.zip", []byte("stale"), v1)
	assert.ErrorIs(t, err, transport.ErrConflict)

	data, v, err := tr.Read(ctx, "settings.zip")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	assert.Equal(t, v2, v)
}

func TestUnconditionalWriteAndDelete(t *testing.T) {
	tr, _ := newTestTransport()
	ctx := context.Background()

	_, err := tr.Write(ctx, "settings.zip", []byte("one"))
	require.NoError(t, err)
	v2, err := tr.Write(ctx, "settings.zip", []byte("two"))
	require.NoError(t, err)
	latest, err := tr.LatestVersionID(ctx, "settings.zip")
	require.NoError(t, err)
	assert.Equal(t, v2, latest)

	require.NoError(t, tr.Delete(ctx, "settings.zip"))
	_, err = tr.LatestVersionID(ctx, "settings.zip")
	assert.ErrorIs(t, err, transport.ErrDeleted)
	_, _, err = tr.Read(ctx, "settings.zip")
	assert.ErrorIs(t, err, transport.ErrDeleted)
	ok, err := tr.Exists(ctx, "settings.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	// a writer that knew the deleted version is rejected, a fresh create is not
	_, err = tr.WriteConditional(ctx, "settings.zip", []byte("three"), v2)
	assert.ErrorIs(t, err, transport.ErrConflict)
	_, err = tr.WriteConditional(ctx, "settings.zip", []byte("three"), "")
	require.NoError(t, err)
}

func TestLockIsReleased(t *testing.T) {
	tr, fs := newTestTransport()
	ctx := context.Background()

	_, err := tr.Write(ctx, "settings.zip", []byte("one"))
	require.NoError(t, err)
	exists, err := afero.Exists(fs, "/shared/settings.zip.d/LOCK")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHeldLockTimesOut(t *testing.T) {
	tr, fs := newTestTransport(LockTimeout(0))
	require.NoError(t, fs.MkdirAll("/shared/settings.zip.d", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/shared/settings.zip.d/LOCK", []byte("other"), 0o644))

	_, err := tr.Write(context.Background(), "settings.zip", []byte("one"))
	assert.ErrorIs(t, err, ErrLocked)
}

func TestKeepVersionsPrunes(t *testing.T) {
	tr, fs := newTestTransport(KeepVersions(2))
	ctx := context.Background()
	for _, s := range []string{"1", "2", "3", "4"} {
		_, err := tr.Write(ctx, "settings.zip", []byte(s))
		require.NoError(t, err)
	}
	infos, err := afero.ReadDir(fs, "/shared/settings.zip.d")
	require.NoError(t, err)
	blobs := 0
	for _, fi := range infos {
		if len(fi.Name()) > 5 && fi.Name()[len(fi.Name())-5:] == ".blob" {
			blobs++
		}
	}
	assert.Equal(t, 2, blobs)

	data, _, err := tr.Read(ctx, "settings.zip")
	require.NoError(t, err)
	assert.Equal(t, "4", string(data))
}

func TestInvalidNames(t *testing.T) {
	tr, _ := newTestTransport()
	for _, name := range []string{"", "../escape", "a//b", `a\b`} {
		_, err := tr.Write(context.Background(), name, []byte("x"))
		assert.Error(t, err, name)
	}
}
