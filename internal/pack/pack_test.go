package pack

import (
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/settingsync/internal/snapshot"
)

func sample() *snapshot.Snapshot {
	return snapshot.New(snapshot.MetaInfo{
		DateCreated: time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
		AppInfo:     &snapshot.AppInfo{ApplicationID: "id", UserName: "dev", HostName: "box", ConfigRoot: "/cfg"},
	},
		snapshot.NewModified("keymap.xml", []byte("<keymap name=\"vim\"/>")),
		snapshot.NewModified("options/editor.xml", bytes.Repeat([]byte("a"), 4096)),
		snapshot.NewModified("empty.xml", nil),
		snapshot.NewDeleted("old/theme.xml"),
	)
}

func TestRoundTrip(t *testing.T) {
	for _, algo := range []CompressAlgo{CompressZstd, CompressDeflate} {
		codec := NewCodec(WithCompression(algo))
		in := sample()

		data, err := codec.Serialize(in)
		require.NoError(t, err)
		out, err := codec.Deserialize(data)
		require.NoError(t, err)

		assert.True(t, in.Equal(out))
		assert.True(t, in.Meta.DateCreated.Equal(out.Meta.DateCreated))
		assert.Equal(t, in.Meta.AppInfo, out.Meta.AppInfo)

		st, ok := out.Get("old/theme.xml")
		require.True(t, ok)
		assert.True(t, st.IsDeleted())
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	codec := NewCodec()
	a, err := codec.Serialize(sample())
	require.NoError(t, err)
	b, err := codec.Serialize(sample())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeserializeRejectsBadInput(t *testing.T) {
	codec := NewCodec()

	_, err := codec.Deserialize([]byte("not a zip"))
	assert.ErrorIs(t, err, ErrInvalidContainer)

	// archive without manifest
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("files/a.xml")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, zw.Close())
	_, err = codec.Deserialize(buf.Bytes())
	assert.ErrorIs(t, err, ErrInvalidContainer)

	// path escaping the root
	buf.Reset()
	zw = zip.NewWriter(&buf)
	w, err = zw.Create("files/../evil")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, zw.Close())
	_, err = codec.Deserialize(buf.Bytes())
	assert.ErrorIs(t, err, ErrInvalidContainer)
}

func TestEmptySnapshotRoundTrip(t *testing.T) {
	codec := NewCodec()
	data, err := codec.Serialize(snapshot.Empty())
	require.NoError(t, err)
	out, err := codec.Deserialize(data)
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
}
