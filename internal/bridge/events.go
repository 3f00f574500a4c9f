package bridge

import (
	"github.com/javanhut/settingsync/internal/settingslog"
	"github.com/javanhut/settingsync/internal/snapshot"
)

// Event is something the worker folds into its next cycle.
type Event interface {
	isEvent()
}

// LocalChange carries files changed on this machine.
type LocalChange struct {
	Snapshot *snapshot.Snapshot
}

// RemoteChange carries the server state as of VersionID.
type RemoteChange struct {
	Snapshot  *snapshot.Snapshot
	VersionID string
}

// PushRequested asks for an upload when the server lacks this replica's state.
type PushRequested struct{}

// MustPushRequested overwrites the server state unconditionally.
type MustPushRequested struct{}

// UpdateCheckRequested polls the server. UserTriggered makes transport
// failures visible to the error reporter.
type UpdateCheckRequested struct {
	UserTriggered bool
}

// RestoreRequested brings the local branch back to an earlier position.
type RestoreRequested struct {
	Position settingslog.Position
}

func (LocalChange) isEvent()          {}
func (RemoteChange) isEvent()         {}
func (PushRequested) isEvent()        {}
func (MustPushRequested) isEvent()    {}
func (UpdateCheckRequested) isEvent() {}
func (RestoreRequested) isEvent()     {}

// batch is a drained queue folded by kind.
type batch struct {
	locals        []LocalChange
	remotes       []RemoteChange
	restores      []RestoreRequested
	check         bool
	userTriggered bool
	push          bool
	mustPush      bool
}

func fold(events []Event) batch {
	var b batch
	for _, ev := range events {
		switch ev := ev.(type) {
		case LocalChange:
			b.locals = append(b.locals, ev)
		case RemoteChange:
			b.remotes = append(b.remotes, ev)
		case PushRequested:
			b.push = true
		case MustPushRequested:
			b.mustPush = true
		case UpdateCheckRequested:
			b.check = true
			b.userTriggered = b.userTriggered || ev.UserTriggered
		case RestoreRequested:
			b.restores = append(b.restores, ev)
		}
	}
	return b
}

// localSnapshot merges all local changes into one snapshot, later changes winning.
func (b batch) localSnapshot() *snapshot.Snapshot {
	merged := snapshot.Empty()
	for _, ev := range b.locals {
		if ev.Snapshot != nil {
			merged.Merge(ev.Snapshot)
		}
	}
	return merged
}

// flags returns the request events of the batch, for re-queueing.
func (b batch) flags() []Event {
	var evs []Event
	if b.check {
		evs = append(evs, UpdateCheckRequested{UserTriggered: b.userTriggered})
	}
	if b.push {
		evs = append(evs, PushRequested{})
	}
	if b.mustPush {
		evs = append(evs, MustPushRequested{})
	}
	return evs
}
