// Package bridge serializes every state transition of the sync engine.
//
// Producers (file watcher, scheduler, CLI) only enqueue events. One worker
// drains the queue, folds the events into the log, advances master, writes the
// merged state to local files and pushes it to the server. Cycles never overlap.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/metrics"
	"github.com/javanhut/settingsync/internal/refs"
	"github.com/javanhut/settingsync/internal/remote"
	"github.com/javanhut/settingsync/internal/settingslog"
	"github.com/javanhut/settingsync/internal/snapshot"
)

const (
	defaultDebounce = time.Second

	// rejectWarnThreshold is the number of rejections in a row after which
	// each further rejection is logged as a warning.
	rejectWarnThreshold = 3
)

// VersionedLog is the part of the settings log used by the bridge.
type VersionedLog interface {
	ApplyLocal(snap *snapshot.Snapshot, message string) (settingslog.Position, error)
	ApplyRemote(snap *snapshot.Snapshot, message string) (settingslog.Position, error)
	AdvanceMaster() (settingslog.Advance, error)
	CollectCurrentSnapshot() (*snapshot.Snapshot, error)
	GetPosition(branch refs.Branch) (settingslog.Position, error)
	SetPosition(branch refs.Branch, pos settingslog.Position) error
	RestoreTo(pos settingslog.Position) (settingslog.Position, error)
	RemoteVersion() (string, error)
	SetRemoteVersion(v string) error
}

// LocalState writes merged snapshots to the local settings files.
type LocalState interface {
	Apply(ctx context.Context, snap *snapshot.Snapshot) error
}

// Bridge owns the settings log and the communicator.
type Bridge struct {
	log      VersionedLog
	checker  *UpdateChecker
	pusher   *Pusher
	local    LocalState
	reporter ErrorReporter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	debounce time.Duration
	now      func() time.Time

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}

	cycleMu sync.Mutex
	rejects int

	state *atomic.Pointer[State]

	subMu       sync.Mutex
	subscribers []Subscriber

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDebounce sets how long the worker waits after a wake before draining.
func WithDebounce(d time.Duration) Option {
	return func(b *Bridge) { b.debounce = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

func WithErrorReporter(r ErrorReporter) Option {
	return func(b *Bridge) { b.reporter = r }
}

func WithSubscriber(s Subscriber) Option {
	return func(b *Bridge) { b.subscribers = append(b.subscribers, s) }
}

// New creates a bridge. Call Start to run the background worker, or RunCycle
// for one synchronous cycle.
func New(log VersionedLog, c Communicator, local LocalState, logger *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		log:      log,
		local:    local,
		logger:   logger,
		debounce: defaultDebounce,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		state:    atomic.NewPointer(&State{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reporter == nil {
		b.reporter = ReporterFunc(func(err error) {
			logger.Error("sync failed", zap.Error(err))
		})
	}
	b.checker = NewUpdateChecker(c, logger.Named("checker"))
	b.pusher = NewPusher(c, b.metrics, logger.Named("pusher"))
	b.refreshState(time.Time{})
	return b
}

// State returns the last published state. Safe for concurrent use.
func (b *Bridge) State() State {
	return *b.state.Load()
}

// Subscribe adds a callback invoked after every cycle.
func (b *Bridge) Subscribe(s Subscriber) {
	b.subMu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.subMu.Unlock()
}

// Enqueue adds events and wakes the worker. It never blocks.
func (b *Bridge) Enqueue(events ...Event) {
	b.queueMu.Lock()
	b.queue = append(b.queue, events...)
	b.queueMu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// LocalChanged enqueues files changed on this machine.
func (b *Bridge) LocalChanged(snap *snapshot.Snapshot) {
	b.Enqueue(LocalChange{Snapshot: snap})
}

// RemoteChanged enqueues a server state downloaded outside the worker.
func (b *Bridge) RemoteChanged(snap *snapshot.Snapshot, versionID string) {
	b.Enqueue(RemoteChange{Snapshot: snap, VersionID: versionID})
}

// ScheduleUpdateFromServer enqueues a server poll.
func (b *Bridge) ScheduleUpdateFromServer(userTriggered bool) {
	b.Enqueue(UpdateCheckRequested{UserTriggered: userTriggered})
}

// SyncSettings enqueues a poll and a push of anything the server is missing.
func (b *Bridge) SyncSettings() {
	b.Enqueue(UpdateCheckRequested{}, PushRequested{})
}

// RequestPush enqueues a push; force overwrites whatever the server holds.
func (b *Bridge) RequestPush(force bool) {
	if force {
		b.Enqueue(MustPushRequested{})
		return
	}
	b.Enqueue(PushRequested{})
}

// RequestRestore enqueues a restore of the local branch to pos.
func (b *Bridge) RequestRestore(pos settingslog.Position) {
	b.Enqueue(RestoreRequested{Position: pos})
}

func (b *Bridge) drain() []Event {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	events := b.queue
	b.queue = nil
	return events
}

// requeue puts events back at the front of the queue without waking the worker.
func (b *Bridge) requeue(events []Event) {
	if len(events) == 0 {
		return
	}
	b.queueMu.Lock()
	b.queue = append(append([]Event{}, events...), b.queue...)
	b.queueMu.Unlock()
}

// Pending returns the number of queued events.
func (b *Bridge) Pending() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// Start runs the worker until ctx is done or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop stops the worker and waits for the running cycle to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-b.wake:
		}

		if b.debounce > 0 {
			timer := time.NewTimer(b.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-b.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		events := b.drain()
		if len(events) == 0 {
			continue
		}
		b.cycle(ctx, events, false)
	}
}

// RunCycle drains the queue and runs one cycle on the calling goroutine.
// Failures are reported as user-visible.
func (b *Bridge) RunCycle(ctx context.Context) CycleReport {
	return b.cycle(ctx, b.drain(), true)
}

func (b *Bridge) cycle(ctx context.Context, events []Event, userTriggered bool) (report CycleReport) {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()

	report = CycleReport{Events: len(events), Started: b.now()}
	bt := fold(events)
	userTriggered = userTriggered || bt.userTriggered

	defer func() {
		report.Finished = b.now()
		b.metrics.Cycle()
		b.refreshState(report.Finished)
		b.notify(report)
	}()

	fail := func(err error, visible bool) {
		report.Err = multierr.Append(report.Err, err)
		if visible {
			b.reporter.Report(err)
		} else {
			b.logger.Warn("sync problem", zap.Error(err))
		}
	}
	// abort handles a storage failure: nothing after it runs and the
	// unprocessed events come back on the next cycle.
	abort := func(err error, rest []Event) CycleReport {
		b.requeue(rest)
		fail(err, true)
		return report
	}

	serverMissing := false
	if bt.check {
		out := b.checker.Check(ctx)
		report.Server = &out.State
		if out.Change != nil {
			bt.remotes = append(bt.remotes, *out.Change)
		}
		if out.ServerMissing {
			serverMissing = true
			bt.push = true
		}
		if out.Err != nil {
			fail(out.Err, userTriggered || errors.Is(out.Err, ErrFileDeletedFromServer))
		}
	}

	if len(bt.locals) > 0 {
		snap := bt.localSnapshot()
		if snap.IsEmpty() {
			b.metrics.Empty()
		}
		if _, err := b.log.ApplyLocal(snap, fmt.Sprintf("Local changes (%d files)", snap.Len())); err != nil {
			return abort(err, bt.rest(false, 0, 0))
		}
	}

	for i, rc := range bt.remotes {
		if rc.Snapshot == nil || rc.Snapshot.IsEmpty() {
			b.metrics.Empty()
		}
		snap := rc.Snapshot
		if snap == nil {
			snap = snapshot.Empty()
		}
		if _, err := b.log.ApplyRemote(snap, "Remote version "+rc.VersionID); err != nil {
			return abort(err, bt.rest(true, i, 0))
		}
		if rc.VersionID != "" {
			if err := b.log.SetRemoteVersion(rc.VersionID); err != nil {
				return abort(err, bt.rest(true, i+1, 0))
			}
		}
	}

	restored := false
	for i, rr := range bt.restores {
		if _, err := b.log.RestoreTo(rr.Position); err != nil {
			if errors.Is(err, settingslog.ErrStorage) {
				return abort(err, bt.rest(true, len(bt.remotes), i))
			}
			fail(err, true)
			continue
		}
		restored = true
	}

	adv, err := b.log.AdvanceMaster()
	if err != nil {
		return abort(err, bt.rest(true, len(bt.remotes), len(bt.restores)))
	}
	report.Advance = adv
	if adv.Moved() {
		b.metrics.Merge(string(adv.Kind))
	}
	master := adv.Position

	localPos, err := b.log.GetPosition(refs.Local)
	if err != nil {
		return abort(err, bt.flags())
	}
	if localPos != master || restored {
		if ok := b.applyLocal(ctx, master, fail); ok {
			report.LocalApplied = true
		} else if ctx.Err() != nil {
			return report
		}
	}

	remotePos, err := b.log.GetPosition(refs.Remote)
	if err != nil {
		return abort(err, bt.flags())
	}
	known, err := b.log.RemoteVersion()
	if err != nil {
		return abort(err, bt.flags())
	}
	needPush := remotePos != master || bt.mustPush ||
		(bt.push && (serverMissing || known == ""))
	if !needPush {
		return report
	}

	snap, err := b.log.CollectCurrentSnapshot()
	if err != nil {
		return abort(err, bt.flags())
	}
	res := b.pusher.Push(ctx, snap, bt.mustPush, known)
	report.Push = &res
	switch res.Status {
	case remote.PushSuccess:
		b.rejects = 0
		if err := b.log.SetPosition(refs.Remote, master); err != nil {
			return abort(err, nil)
		}
		if err := b.log.SetRemoteVersion(res.VersionID); err != nil {
			return abort(err, nil)
		}
	case remote.PushRejected:
		b.rejects++
		if b.rejects >= rejectWarnThreshold {
			b.logger.Warn("push keeps being rejected", zap.Int("consecutive", b.rejects))
		}
	default:
		fail(res.Err, userTriggered)
	}
	return report
}

// applyLocal writes master to the local files and moves local onto master.
func (b *Bridge) applyLocal(ctx context.Context, master settingslog.Position, fail func(error, bool)) bool {
	snap, err := b.log.CollectCurrentSnapshot()
	if err != nil {
		fail(err, true)
		return false
	}
	if err := b.local.Apply(ctx, snap); err != nil {
		b.metrics.LocalApply(false)
		fail(fmt.Errorf("failed to apply settings locally: %w", err), true)
		return false
	}
	b.metrics.LocalApply(true)
	if err := b.log.SetPosition(refs.Local, master); err != nil {
		fail(err, true)
		return false
	}
	return true
}

// rest returns the events not yet committed: the local changes unless
// localsDone, remote changes from index remoteFrom and restores from
// restoreFrom, plus the request flags.
func (bt batch) rest(localsDone bool, remoteFrom, restoreFrom int) []Event {
	var evs []Event
	if !localsDone {
		for _, l := range bt.locals {
			evs = append(evs, l)
		}
	}
	for _, r := range bt.remotes[remoteFrom:] {
		evs = append(evs, r)
	}
	for _, r := range bt.restores[restoreFrom:] {
		evs = append(evs, r)
	}
	return append(evs, bt.flags()...)
}

func (b *Bridge) refreshState(at time.Time) {
	prev := b.state.Load()
	next := *prev
	next.ConsecutiveRejects = b.rejects
	if !at.IsZero() {
		next.LastCycle = at
	}
	if pos, err := b.log.GetPosition(refs.Local); err == nil {
		next.Local = pos
	}
	if pos, err := b.log.GetPosition(refs.Remote); err == nil {
		next.Remote = pos
	}
	if pos, err := b.log.GetPosition(refs.Master); err == nil {
		next.Master = pos
	}
	if v, err := b.log.RemoteVersion(); err == nil {
		next.LastKnownRemoteVersion = v
	}
	b.state.Store(&next)
}

func (b *Bridge) notify(report CycleReport) {
	b.subMu.Lock()
	subs := append([]Subscriber(nil), b.subscribers...)
	b.subMu.Unlock()
	for _, s := range subs {
		s(report)
	}
}
