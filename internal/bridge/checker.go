package bridge

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/remote"
	"github.com/javanhut/settingsync/internal/snapshot"
)

// ErrFileDeletedFromServer is reported when the settings object was deleted on the server.
var ErrFileDeletedFromServer = errors.New("settings file was deleted from the server")

// Communicator is the part of the remote communicator used by the bridge.
type Communicator interface {
	CheckServerState(ctx context.Context) remote.ServerState
	ReceiveUpdates(ctx context.Context) remote.UpdateResult
	Push(ctx context.Context, snap *snapshot.Snapshot, force bool, expected string) remote.PushResult
}

// CheckOutcome is what an update check contributes to a cycle.
type CheckOutcome struct {
	State remote.ServerState

	// Change is the downloaded server state, if there was a new one.
	Change *RemoteChange

	// ServerMissing is set when the server holds no settings object.
	ServerMissing bool

	Err error
}

// UpdateChecker polls the server and downloads new versions.
type UpdateChecker struct {
	remote Communicator
	logger *zap.Logger
}

func NewUpdateChecker(c Communicator, logger *zap.Logger) *UpdateChecker {
	return &UpdateChecker{remote: c, logger: logger}
}

// Check asks the server for its version and downloads it when it is new.
func (u *UpdateChecker) Check(ctx context.Context) CheckOutcome {
	state := u.remote.CheckServerState(ctx)
	out := CheckOutcome{State: state}

	switch state.Status {
	case remote.UpToDate:
		return out
	case remote.FileNotExists:
		u.logger.Info("no settings on the server")
		out.ServerMissing = true
		return out
	case remote.ServerError:
		out.Err = state.Err
		return out
	}

	res := u.remote.ReceiveUpdates(ctx)
	switch res.Status {
	case remote.Success:
		u.logger.Info("downloaded settings", zap.String("version", res.VersionID), zap.Int("files", res.Snapshot.Len()))
		out.Change = &RemoteChange{Snapshot: res.Snapshot, VersionID: res.VersionID}
	case remote.NoFileOnServer:
		out.ServerMissing = true
	case remote.FileDeletedFromServer:
		u.logger.Warn("settings file was deleted from the server")
		out.ServerMissing = true
		out.Err = ErrFileDeletedFromServer
	default:
		out.Err = res.Err
	}
	return out
}
