// Package transport declares the byte-level access to the remote store used by
// the remote communicator. Implementations keep every object versioned so a
// write can be made conditional on the version the caller last saw.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates that the object never existed.
	ErrNotFound = errors.New("object not found")

	// ErrDeleted indicates that the latest version of the object is a deletion.
	ErrDeleted = errors.New("object deleted")

	// ErrConflict indicates that a conditional write found a different current version.
	ErrConflict = errors.New("version conflict")
)

// Transport reads and writes named, versioned objects.
type Transport interface {
	// LatestVersionID returns the id of the current version of name.
	LatestVersionID(ctx context.Context, name string) (string, error)

	// Read returns the content and version id of the current version of name.
	Read(ctx context.Context, name string) ([]byte, string, error)

	// WriteConditional stores data as a new version of name if the current
	// version is expected. An empty expected means name must not exist.
	// A mismatch fails with ErrConflict and leaves the object untouched.
	WriteConditional(ctx context.Context, name string, data []byte, expected string) (string, error)

	// Write stores data as a new version of name unconditionally.
	Write(ctx context.Context, name string, data []byte) (string, error)

	// Delete marks name as deleted.
	Delete(ctx context.Context, name string) error

	// Exists reports whether name has a current, non-deleted version.
	Exists(ctx context.Context, name string) (bool, error)
}

// IsMissing reports whether err means the object has no current content.
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDeleted)
}
