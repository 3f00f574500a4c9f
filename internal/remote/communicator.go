// Package remote synchronizes the settings snapshot with the single object
// kept on the server. Writes are conditional on the version this replica last
// saw, so two machines never silently overwrite each other.
package remote

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/snapshot"
	"github.com/javanhut/settingsync/internal/transport"
)

// ServerStatus is the outcome of CheckServerState.
type ServerStatus int

const (
	UpToDate ServerStatus = iota
	UpdateNeeded
	FileNotExists
	ServerError
)

func (s ServerStatus) String() string {
	switch s {
	case UpToDate:
		return "up-to-date"
	case UpdateNeeded:
		return "update-needed"
	case FileNotExists:
		return "file-not-exists"
	default:
		return "error"
	}
}

// ServerState describes the server object relative to the last known version.
type ServerState struct {
	Status    ServerStatus
	VersionID string // current server version, if any
	Err       error  // set with ServerError
}

// UpdateStatus is the outcome of ReceiveUpdates.
type UpdateStatus int

const (
	Success UpdateStatus = iota
	NoFileOnServer
	FileDeletedFromServer
	UpdateError
)

func (s UpdateStatus) String() string {
	switch s {
	case Success:
		return "success"
	case NoFileOnServer:
		return "no-file"
	case FileDeletedFromServer:
		return "deleted"
	default:
		return "error"
	}
}

// UpdateResult carries the downloaded snapshot and the version it was read at.
type UpdateResult struct {
	Status    UpdateStatus
	Snapshot  *snapshot.Snapshot
	VersionID string
	Err       error
}

// PushStatus is the outcome of Push.
type PushStatus int

const (
	PushSuccess PushStatus = iota
	PushRejected
	PushError
)

func (s PushStatus) String() string {
	switch s {
	case PushSuccess:
		return "success"
	case PushRejected:
		return "rejected"
	default:
		return "error"
	}
}

// PushResult carries the new server version after a successful push.
type PushResult struct {
	Status    PushStatus
	VersionID string
	Err       error
}

// Codec converts snapshots to the stored container format and back.
type Codec interface {
	Serialize(snap *snapshot.Snapshot) ([]byte, error)
	Deserialize(data []byte) (*snapshot.Snapshot, error)
}

// VersionSource reports the server version this replica last applied or wrote.
// An empty version means none is known.
type VersionSource interface {
	RemoteVersion() (string, error)
}

// Communicator talks to the settings object on the server.
type Communicator struct {
	transport transport.Transport
	codec     Codec
	name      string
	versions  VersionSource
	logger    *zap.Logger
}

// New creates a Communicator for the object called name.
func New(t transport.Transport, codec Codec, name string, versions VersionSource, logger *zap.Logger) *Communicator {
	return &Communicator{
		transport: t,
		codec:     codec,
		name:      name,
		versions:  versions,
		logger:    logger,
	}
}

// Name returns the settings object name.
func (c *Communicator) Name() string { return c.name }

// CheckServerState compares the server's current version with the last known one.
func (c *Communicator) CheckServerState(ctx context.Context) ServerState {
	current, err := c.transport.LatestVersionID(ctx, c.name)
	if transport.IsMissing(err) {
		return ServerState{Status: FileNotExists}
	}
	if err != nil {
		return ServerState{Status: ServerError, Err: fmt.Errorf("failed to query server version: %w", err)}
	}

	known, err := c.versions.RemoteVersion()
	if err != nil {
		return ServerState{Status: ServerError, VersionID: current, Err: err}
	}
	if known == current {
		return ServerState{Status: UpToDate, VersionID: current}
	}
	c.logger.Debug("server has a new version", zap.String("known", known), zap.String("current", current))
	return ServerState{Status: UpdateNeeded, VersionID: current}
}

// ReceiveUpdates downloads and unpacks the current server snapshot.
func (c *Communicator) ReceiveUpdates(ctx context.Context) UpdateResult {
	data, version, err := c.transport.Read(ctx, c.name)
	switch {
	case errors.Is(err, transport.ErrDeleted):
		return UpdateResult{Status: FileDeletedFromServer}
	case errors.Is(err, transport.ErrNotFound):
		return UpdateResult{Status: NoFileOnServer}
	case err != nil:
		return UpdateResult{Status: UpdateError, Err: fmt.Errorf("failed to download %s: %w", c.name, err)}
	}

	snap, err := c.codec.Deserialize(data)
	if err != nil {
		return UpdateResult{Status: UpdateError, VersionID: version, Err: fmt.Errorf("failed to unpack %s at %s: %w", c.name, version, err)}
	}
	c.logger.Debug("received settings", zap.String("version", version), zap.Int("files", snap.Len()))
	return UpdateResult{Status: Success, Snapshot: snap, VersionID: version}
}

// Push uploads snap. With force the server object is overwritten whatever its
// version. Otherwise the write only happens if the server is still at expected;
// an empty expected only allows creating the object. A refused write is
// PushRejected and leaves the server untouched.
func (c *Communicator) Push(ctx context.Context, snap *snapshot.Snapshot, force bool, expected string) PushResult {
	data, err := c.codec.Serialize(snap)
	if err != nil {
		return PushResult{Status: PushError, Err: fmt.Errorf("failed to pack settings: %w", err)}
	}

	var version string
	switch {
	case force:
		previous, err := c.transport.LatestVersionID(ctx, c.name)
		if err != nil && !transport.IsMissing(err) {
			return PushResult{Status: PushError, Err: fmt.Errorf("failed to query server version: %w", err)}
		}
		if previous != "" {
			c.logger.Info("overwriting server settings", zap.String("previous", previous))
		}
		version, err = c.transport.Write(ctx, c.name, data)
	default:
		version, err = c.transport.WriteConditional(ctx, c.name, data, expected)
	}

	switch {
	case errors.Is(err, transport.ErrConflict):
		c.logger.Info("push rejected, server has moved", zap.String("expected", expected))
		return PushResult{Status: PushRejected}
	case err != nil:
		return PushResult{Status: PushError, Err: fmt.Errorf("failed to upload %s: %w", c.name, err)}
	}
	c.logger.Debug("pushed settings", zap.String("version", version), zap.Int("bytes", len(data)))
	return PushResult{Status: PushSuccess, VersionID: version}
}

// CreateFile writes an auxiliary object unconditionally.
func (c *Communicator) CreateFile(ctx context.Context, name string, data []byte) (string, error) {
	v, err := c.transport.Write(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	return v, nil
}

// DeleteFile deletes an object. Deleting a missing object is not an error.
func (c *Communicator) DeleteFile(ctx context.Context, name string) error {
	err := c.transport.Delete(ctx, name)
	if err != nil && !transport.IsMissing(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// IsFileExists reports whether an object has a live version on the server.
func (c *Communicator) IsFileExists(ctx context.Context, name string) (bool, error) {
	return c.transport.Exists(ctx, name)
}
