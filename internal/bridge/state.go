package bridge

import (
	"time"

	"github.com/javanhut/settingsync/internal/remote"
	"github.com/javanhut/settingsync/internal/settingslog"
)

// State is the bridge's view published to other goroutines.
type State struct {
	Local                  settingslog.Position
	Remote                 settingslog.Position
	Master                 settingslog.Position
	LastKnownRemoteVersion string
	ConsecutiveRejects     int
	LastCycle              time.Time
}

// InSync reports whether all branches are on the same position.
func (s State) InSync() bool {
	return s.Local == s.Master && s.Remote == s.Master
}

// CycleReport describes one processing cycle.
type CycleReport struct {
	Events       int
	Server       *remote.ServerState // set when the server was polled
	Advance      settingslog.Advance
	LocalApplied bool
	Push         *remote.PushResult // set when a push was attempted
	Err          error
	Started      time.Time
	Finished     time.Time
}

// Subscriber is called at the end of each cycle, on the worker goroutine.
type Subscriber func(CycleReport)

// ErrorReporter receives failures that should reach the user.
type ErrorReporter interface {
	Report(err error)
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(err error)

func (f ReporterFunc) Report(err error) { f(err) }
