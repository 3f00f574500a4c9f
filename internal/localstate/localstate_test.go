package localstate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/snapshot"
)

const root = "/home/me/.config/app"

func mustFilter(t *testing.T, include, exclude []string, ignored ...string) *Filter {
	t.Helper()
	f, err := NewFilter(include, exclude, ignored...)
	require.NoError(t, err)
	return f
}

func writeFile(t *testing.T, fsys afero.Fs, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, fsys.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0o644))
}

func readFile(t *testing.T, fsys afero.Fs, rel string) string {
	t.Helper()
	data, err := afero.ReadFile(fsys, filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestFilter(t *testing.T) {
	f := mustFilter(t, nil, []string{"cache", "*.bak", "plugins/*/state.xml"}, "data")

	tests := []struct {
		path string
		want bool
	}{
		{"options/editor.xml", true},
		{"keymap.xml", true},
		{"cache/index.xml", false},
		{"deep/cache/x.xml", false},
		{"editor.xml.bak", false},
		{"plugins/go/state.xml", false},
		{"plugins/go/other.xml", true},
		{"data/settings.db", false},
		{"data", false},
		{"x.xml" + TempSuffix, false},
		{"LOCK.lock", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.path))
		})
	}

	only := mustFilter(t, []string{"options/*.xml"}, nil)
	assert.True(t, only.Match("options/a.xml"))
	assert.False(t, only.Match("keymap.xml"))

	_, err := NewFilter([]string{"[bad"}, nil)
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "options/editor.xml", "<editor/>")
	writeFile(t, fsys, "keymap.xml", "<keymap/>")
	writeFile(t, fsys, "cache/big.bin", "junk")

	app := &snapshot.AppInfo{ApplicationID: "app-1"}
	s := NewScanner(fsys, root, mustFilter(t, nil, []string{"cache"}), app)
	snap, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"keymap.xml", "options/editor.xml"}, snap.Paths())
	st, _ := snap.Get("options/editor.xml")
	assert.Equal(t, "<editor/>", string(st.Content))
	assert.False(t, snap.Meta.DateCreated.IsZero())
	assert.Equal(t, app, snap.Meta.AppInfo)
}

func TestScanMissingRoot(t *testing.T) {
	s := NewScanner(afero.NewMemMapFs(), root, mustFilter(t, nil, nil), nil)
	snap, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())
}

func TestReadState(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "a.xml", "1")
	s := NewScanner(fsys, root, mustFilter(t, nil, []string{"*.bak"}), nil)

	st, ok, err := s.ReadState("a.xml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snapshot.NewModified("a.xml", []byte("1")), st)

	st, ok, err = s.ReadState("gone.xml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.IsDeleted())

	_, ok, err = s.ReadState("x.bak")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyIsIdempotent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "old/stale.xml", "bye")
	writeFile(t, fsys, "same.xml", "keep")

	var calls [][]string
	a := NewApplier(fsys, root, zap.NewNop(), func(_ context.Context, changed []string) error {
		calls = append(calls, changed)
		return nil
	})
	snap := snapshot.New(snapshot.MetaInfo{},
		snapshot.NewModified("options/editor.xml", []byte("<editor/>")),
		snapshot.NewModified("same.xml", []byte("keep")),
		snapshot.NewDeleted("old/stale.xml"),
		snapshot.NewDeleted("never-existed.xml"),
	)

	require.NoError(t, a.Apply(context.Background(), snap))
	assert.Equal(t, "<editor/>", readFile(t, fsys, "options/editor.xml"))
	_, err := fsys.Stat(filepath.Join(root, "old"))
	assert.True(t, os.IsNotExist(err), "empty parent directory is removed")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"old/stale.xml", "options/editor.xml"}, calls[0])

	require.NoError(t, a.Apply(context.Background(), snap))
	assert.Len(t, calls, 1, "second apply changes nothing")
	assert.Equal(t, "<editor/>", readFile(t, fsys, "options/editor.xml"))
}

func TestApplyAggregatesErrors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "dir/inner.xml", "x")
	hookErr := errors.New("reload failed")
	a := NewApplier(fsys, root, zap.NewNop(), func(context.Context, []string) error { return hookErr })

	snap := snapshot.New(snapshot.MetaInfo{},
		snapshot.NewDeleted("dir"),
		snapshot.NewModified("ok.xml", []byte("fine")),
	)
	err := a.Apply(context.Background(), snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, hookErr)
	assert.Contains(t, err.Error(), "dir: is a directory")
	assert.Equal(t, "fine", readFile(t, fsys, "ok.xml"))
}

func TestEchoDetection(t *testing.T) {
	a := NewApplier(afero.NewMemMapFs(), root, zap.NewNop())
	snap := snapshot.New(snapshot.MetaInfo{}, snapshot.NewModified("a.xml", []byte("1")))
	require.NoError(t, a.Apply(context.Background(), snap))

	assert.False(t, a.IsEcho(snapshot.NewModified("a.xml", []byte("2"))))
	assert.False(t, a.IsEcho(snapshot.NewModified("a.xml", []byte("1"))), "record is consumed")

	require.NoError(t, a.Apply(context.Background(), snapshot.New(snapshot.MetaInfo{}, snapshot.NewDeleted("a.xml"))))
	assert.True(t, a.IsEcho(snapshot.NewDeleted("a.xml")))
}

type collector struct {
	mu    sync.Mutex
	snaps []*snapshot.Snapshot
}

func (c *collector) emit(s *snapshot.Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *collector) all() []*snapshot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*snapshot.Snapshot(nil), c.snaps...)
}

func TestWatcherDebounceAndEchoes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewScanner(fsys, root, mustFilter(t, nil, nil), nil)
	a := NewApplier(fsys, root, zap.NewNop())
	out := &collector{}
	w := NewWatcher(s, a, time.Second, zap.NewNop(), out.emit)

	start := time.Unix(1000, 0)
	w.now = func() time.Time { return start }

	writeFile(t, fsys, "dir/a.xml", "1")
	writeFile(t, fsys, "dir/b.xml", "2")
	w.queue("dir/a.xml", false)
	w.queue("dir/b.xml", false)

	w.flush(start.Add(500 * time.Millisecond))
	assert.Empty(t, out.all(), "still inside the debounce window")

	w.flush(start.Add(time.Second))
	require.Len(t, out.all(), 1)
	assert.Equal(t, []string{"dir/a.xml", "dir/b.xml"}, out.all()[0].Paths())

	// changes written by the applier are not reported back
	require.NoError(t, a.Apply(context.Background(), snapshot.New(snapshot.MetaInfo{},
		snapshot.NewModified("dir/a.xml", []byte("from server")))))
	w.queue("dir/a.xml", false)
	w.flush(start.Add(2 * time.Second))
	assert.Len(t, out.all(), 1)

	// removing the directory reports the files that were in it
	require.NoError(t, fsys.RemoveAll(filepath.Join(root, "dir")))
	w.queue("dir", true)
	w.flush(start.Add(3 * time.Second))
	require.Len(t, out.all(), 2)
	removed := out.all()[1]
	assert.Equal(t, []string{"dir/a.xml", "dir/b.xml"}, removed.Paths())
	st, _ := removed.Get("dir/b.xml")
	assert.True(t, st.IsDeleted())
}

func TestWatcherNotifications(t *testing.T) {
	dir := t.TempDir()
	fsys := afero.NewOsFs()
	s := NewScanner(fsys, dir, mustFilter(t, nil, nil), nil)
	out := &collector{}
	w := NewWatcher(s, nil, 50*time.Millisecond, zap.NewNop(), out.emit)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xml"), []byte("1"), 0o644))
	assert.Eventually(t, func() bool {
		for _, s := range out.all() {
			if st, ok := s.Get("a.xml"); ok && string(st.Content) == "1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
