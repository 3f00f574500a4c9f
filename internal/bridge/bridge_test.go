package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/localstate"
	"github.com/javanhut/settingsync/internal/metrics"
	"github.com/javanhut/settingsync/internal/pack"
	"github.com/javanhut/settingsync/internal/refs"
	"github.com/javanhut/settingsync/internal/remote"
	"github.com/javanhut/settingsync/internal/settingslog"
	"github.com/javanhut/settingsync/internal/snapshot"
	"github.com/javanhut/settingsync/internal/transport"
	"github.com/javanhut/settingsync/internal/transport/localfs"
)

const configRoot = "/cfg"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

type replica struct {
	t        *testing.T
	log      *settingslog.Log
	fs       afero.Fs
	bridge   *Bridge
	metrics  *metrics.Metrics
	mu       sync.Mutex
	reported []error
}

func newServer() transport.Transport {
	return localfs.New(afero.NewMemMapFs(), "/server")
}

func newReplica(t *testing.T, server transport.Transport, local LocalState, opts ...Option) *replica {
	t.Helper()
	lg, err := settingslog.Open(filepath.Join(t.TempDir(), "settings.db"), zap.NewNop(), settingslog.WithClock(fixedClock))
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })
	_, err = lg.Initialize()
	require.NoError(t, err)

	r := &replica{t: t, log: lg, fs: afero.NewMemMapFs(), metrics: metrics.New(prometheus.NewRegistry())}
	if local == nil {
		local = localstate.NewApplier(r.fs, configRoot, zap.NewNop())
	}
	comm := remote.New(server, pack.NewCodec(), "settings.zip", lg, zap.NewNop())
	opts = append([]Option{
		WithDebounce(0),
		WithMetrics(r.metrics),
		WithErrorReporter(ReporterFunc(func(err error) {
			r.mu.Lock()
			r.reported = append(r.reported, err)
			r.mu.Unlock()
		})),
	}, opts...)
	r.bridge = New(lg, comm, local, zap.NewNop(), opts...)
	return r
}

func (r *replica) file(p string) (string, bool) {
	data, err := afero.ReadFile(r.fs, filepath.Join(configRoot, p))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (r *replica) position(b refs.Branch) settingslog.Position {
	pos, err := r.log.GetPosition(b)
	require.NoError(r.t, err)
	return pos
}

func (r *replica) requireInSync() {
	r.t.Helper()
	master := r.position(refs.Master)
	assert.Equal(r.t, master, r.position(refs.Local), "local == master")
	assert.Equal(r.t, master, r.position(refs.Remote), "remote == master")
	assert.True(r.t, r.bridge.State().InSync())
}

func edit(at time.Time, kv ...string) *snapshot.Snapshot {
	snap := snapshot.New(snapshot.MetaInfo{DateCreated: at})
	for i := 0; i+1 < len(kv); i += 2 {
		snap.Put(snapshot.NewModified(kv[i], []byte(kv[i+1])))
	}
	return snap
}

func TestConvergenceOfDisjointChanges(t *testing.T) {
	server := newServer()
	a := newReplica(t, server, nil)
	b := newReplica(t, server, nil)
	ctx := context.Background()

	a.bridge.LocalChanged(edit(epoch.Add(time.Minute), "a.xml", "1"))
	a.bridge.ScheduleUpdateFromServer(true)
	rep := a.bridge.RunCycle(ctx)
	require.NoError(t, rep.Err)
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushSuccess, rep.Push.Status, "first upload")
	a.requireInSync()

	b.bridge.LocalChanged(edit(epoch.Add(2*time.Minute), "b.xml", "2"))
	b.bridge.ScheduleUpdateFromServer(true)
	rep = b.bridge.RunCycle(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, settingslog.MergedUnion, rep.Advance.Kind)
	assert.True(t, rep.LocalApplied)
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushSuccess, rep.Push.Status)
	b.requireInSync()

	a.bridge.ScheduleUpdateFromServer(false)
	rep = a.bridge.RunCycle(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, settingslog.FastForwardRemote, rep.Advance.Kind)
	assert.Nil(t, rep.Push, "nothing new to upload")
	a.requireInSync()

	for _, r := range []*replica{a, b} {
		snap, err := r.log.CollectCurrentSnapshot()
		require.NoError(t, err)
		assert.Equal(t, []string{"a.xml", "b.xml"}, snap.Paths())
		content, ok := r.file("b.xml")
		require.True(t, ok)
		assert.Equal(t, "2", content)
	}
	assert.Equal(t, a.bridge.State().LastKnownRemoteVersion, b.bridge.State().LastKnownRemoteVersion)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.metrics.Cycles)+testutil.ToFloat64(b.metrics.Cycles))
}

func runConflict(t *testing.T) (*replica, CycleReport) {
	r := newReplica(t, newServer(), nil)
	r.bridge.Enqueue(
		LocalChange{Snapshot: edit(epoch.Add(time.Minute), "x.xml", "A")},
		RemoteChange{Snapshot: edit(epoch.Add(2*time.Minute), "x.xml", "B"), VersionID: "v-remote"},
	)
	return r, r.bridge.RunCycle(context.Background())
}

func TestConflictNewerSideWins(t *testing.T) {
	r, rep := runConflict(t)

	assert.Equal(t, settingslog.FallbackRemoteWins, rep.Advance.Kind)
	assert.Equal(t, []string{"x.xml"}, rep.Advance.Conflicts)
	content, ok := r.file("x.xml")
	require.True(t, ok)
	assert.Equal(t, "B", content)

	// the server never had v-remote, so the conditional push is refused
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushRejected, rep.Push.Status)
	assert.NoError(t, rep.Err)
	assert.Equal(t, 1, r.bridge.State().ConsecutiveRejects)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Merges.WithLabelValues("fallback_remote")))

	again, rep2 := runConflict(t)
	assert.Equal(t, rep.Advance.Position, rep2.Advance.Position, "same inputs, same winner")
	content, _ = again.file("x.xml")
	assert.Equal(t, "B", content)
}

func TestRejectedPushRecoversAfterPull(t *testing.T) {
	server := newServer()
	a := newReplica(t, server, nil)
	b := newReplica(t, server, nil)
	ctx := context.Background()

	a.bridge.LocalChanged(edit(epoch.Add(time.Minute), "a.xml", "1"))
	a.bridge.ScheduleUpdateFromServer(true)
	require.NoError(t, a.bridge.RunCycle(ctx).Err)

	b.bridge.ScheduleUpdateFromServer(true)
	require.NoError(t, b.bridge.RunCycle(ctx).Err)
	b.requireInSync()

	// a moves the server on; b does not know yet
	a.bridge.LocalChanged(edit(epoch.Add(2*time.Minute), "a.xml", "2"))
	require.NoError(t, a.bridge.RunCycle(ctx).Err)
	before, v2, err := server.Read(ctx, "settings.zip")
	require.NoError(t, err)

	b.bridge.LocalChanged(edit(epoch.Add(3*time.Minute), "c.xml", "3"))
	rep := b.bridge.RunCycle(ctx)
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushRejected, rep.Push.Status)
	after, v, err := server.Read(ctx, "settings.zip")
	require.NoError(t, err)
	assert.Equal(t, v2, v)
	assert.Equal(t, before, after, "server unchanged after rejection")

	b.bridge.ScheduleUpdateFromServer(false)
	rep = b.bridge.RunCycle(ctx)
	require.NoError(t, rep.Err)
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushSuccess, rep.Push.Status)
	assert.Equal(t, 0, b.bridge.State().ConsecutiveRejects)
	b.requireInSync()

	content, _ := b.file("a.xml")
	assert.Equal(t, "2", content)
}

func TestServerDeletionIsNotSilentlyUndone(t *testing.T) {
	server := newServer()
	r := newReplica(t, server, nil)
	ctx := context.Background()

	r.bridge.LocalChanged(edit(epoch, "a.xml", "1"))
	r.bridge.ScheduleUpdateFromServer(true)
	require.NoError(t, r.bridge.RunCycle(ctx).Err)
	require.NoError(t, server.Delete(ctx, "settings.zip"))

	r.bridge.ScheduleUpdateFromServer(false)
	rep := r.bridge.RunCycle(ctx)
	require.NotNil(t, rep.Server)
	assert.Equal(t, remote.FileNotExists, rep.Server.Status)
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushRejected, rep.Push.Status)

	r.bridge.RequestPush(true)
	rep = r.bridge.RunCycle(ctx)
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushSuccess, rep.Push.Status)
	ok, err := server.Exists(ctx, "settings.zip")
	require.NoError(t, err)
	assert.True(t, ok)
}

type flakyLog struct {
	*settingslog.Log
	failRemote int
}

func (f *flakyLog) ApplyRemote(snap *snapshot.Snapshot, message string) (settingslog.Position, error) {
	if f.failRemote > 0 {
		f.failRemote--
		return "", fmt.Errorf("%w: disk full", settingslog.ErrStorage)
	}
	return f.Log.ApplyRemote(snap, message)
}

func TestStorageFailureRequeuesEvents(t *testing.T) {
	r := newReplica(t, newServer(), nil)
	flaky := &flakyLog{Log: r.log, failRemote: 1}
	comm := remote.New(newServer(), pack.NewCodec(), "settings.zip", r.log, zap.NewNop())
	var reported []error
	br := New(flaky, comm, localstate.NewApplier(r.fs, configRoot, zap.NewNop()), zap.NewNop(),
		WithDebounce(0),
		WithErrorReporter(ReporterFunc(func(err error) { reported = append(reported, err) })))

	masterBefore := r.position(refs.Master)
	br.Enqueue(
		LocalChange{Snapshot: edit(epoch, "a.xml", "1")},
		RemoteChange{Snapshot: edit(epoch, "b.xml", "2"), VersionID: "v1"},
	)
	rep := br.RunCycle(context.Background())
	require.Error(t, rep.Err)
	assert.ErrorIs(t, rep.Err, settingslog.ErrStorage)
	require.Len(t, reported, 1)
	assert.Equal(t, masterBefore, r.position(refs.Master), "master does not move")
	assert.Equal(t, 1, br.Pending(), "the remote change waits for the next cycle")

	rep = br.RunCycle(context.Background())
	assert.Equal(t, 1, rep.Events)
	assert.Equal(t, settingslog.MergedUnion, rep.Advance.Kind)
	snap, err := r.log.CollectCurrentSnapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.xml", "b.xml"}, snap.Paths())
}

type failingLocal struct {
	err   error
	calls int
}

func (f *failingLocal) Apply(context.Context, *snapshot.Snapshot) error {
	f.calls++
	return f.err
}

func TestLocalApplyFailureLeavesLocalStale(t *testing.T) {
	local := &failingLocal{err: errors.New("permission denied")}
	r := newReplica(t, newServer(), local)
	ctx := context.Background()

	r.bridge.Enqueue(RemoteChange{Snapshot: edit(epoch, "a.xml", "1"), VersionID: "v1"})
	rep := r.bridge.RunCycle(ctx)
	assert.Error(t, rep.Err)
	assert.False(t, rep.LocalApplied)
	assert.NotEqual(t, r.position(refs.Master), r.position(refs.Local))
	assert.Len(t, r.reported, 1)

	local.err = nil
	rep = r.bridge.RunCycle(ctx)
	assert.True(t, rep.LocalApplied)
	assert.Equal(t, r.position(refs.Master), r.position(refs.Local))
	assert.Equal(t, 2, local.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.LocalApplies.WithLabelValues("error")))
}

func TestRestore(t *testing.T) {
	r := newReplica(t, newServer(), nil)
	ctx := context.Background()
	initial := r.position(refs.Master)

	r.bridge.LocalChanged(edit(epoch, "a.xml", "1"))
	r.bridge.ScheduleUpdateFromServer(true)
	require.NoError(t, r.bridge.RunCycle(ctx).Err)
	before := r.position(refs.Master)

	r.bridge.RemoteChanged(edit(epoch.Add(time.Minute), "b.xml", "2"), "")
	require.NoError(t, r.bridge.RunCycle(ctx).Err)
	_, ok := r.file("b.xml")
	require.True(t, ok)

	r.bridge.RequestRestore(before)
	rep := r.bridge.RunCycle(ctx)
	require.NoError(t, rep.Err)
	assert.True(t, rep.LocalApplied)
	_, ok = r.file("b.xml")
	assert.False(t, ok, "restored state has no b.xml")
	content, _ := r.file("a.xml")
	assert.Equal(t, "1", content)
	require.NotNil(t, rep.Push)
	assert.Equal(t, remote.PushSuccess, rep.Push.Status)

	r.bridge.RequestRestore("not-a-position")
	rep = r.bridge.RunCycle(ctx)
	assert.ErrorIs(t, rep.Err, settingslog.ErrUnknownPosition)
	assert.NotEqual(t, initial, r.position(refs.Master))
}

func TestWorkerCoalescesBursts(t *testing.T) {
	r := newReplica(t, newServer(), nil, WithDebounce(100*time.Millisecond))
	reports := make(chan CycleReport, 10)
	r.bridge.Subscribe(func(rep CycleReport) { reports <- rep })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.bridge.Start(ctx)
	defer r.bridge.Stop()

	r.bridge.LocalChanged(edit(epoch, "a.xml", "1"))
	r.bridge.LocalChanged(edit(epoch, "b.xml", "2"))
	r.bridge.LocalChanged(edit(epoch, "a.xml", "3"))

	select {
	case rep := <-reports:
		assert.Equal(t, 3, rep.Events)
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle ran")
	}
	snap, err := r.log.CollectCurrentSnapshot()
	require.NoError(t, err)
	st, _ := snap.Get("a.xml")
	assert.Equal(t, "3", string(st.Content))
	assert.Equal(t, 2, snap.Len())
}

func TestEmptySnapshotsCreateNoCommits(t *testing.T) {
	r := newReplica(t, newServer(), nil)
	before := r.position(refs.Local)
	r.bridge.LocalChanged(snapshot.Empty())
	rep := r.bridge.RunCycle(context.Background())
	assert.NoError(t, rep.Err)
	assert.Equal(t, before, r.position(refs.Local))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.EmptySnapshot))
}

type countingTarget struct {
	mu      sync.Mutex
	updates int
	syncs   int
}

func (c *countingTarget) ScheduleUpdateFromServer(bool) {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
}

func (c *countingTarget) SyncSettings() {
	c.mu.Lock()
	c.syncs++
	c.mu.Unlock()
}

func (c *countingTarget) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates, c.syncs
}

func TestScheduler(t *testing.T) {
	target := &countingTarget{}
	s := NewScheduler(target, 20*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		updates, _ := target.counts()
		return updates >= 2
	}, 5*time.Second, 10*time.Millisecond)

	s.Activate()
	assert.Eventually(t, func() bool {
		_, syncs := target.counts()
		return syncs == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
