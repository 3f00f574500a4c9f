// Package localfs implements transport.Transport on a filesystem, typically a
// folder shared between machines (network mount or synced directory).
//
// Each object name maps to a directory <name>.d holding one <version>.blob
// file per version and a HEAD file with the current version id. A deletion
// writes "deleted <version>" to HEAD. Writers take an exclusive LOCK file so
// that the compare and the HEAD update happen atomically across processes.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"

	"github.com/javanhut/settingsync/internal/transport"
)

const (
	headFile   = "HEAD"
	lockFile   = "LOCK"
	blobSuffix = ".blob"
	deletedTag = "deleted "

	defaultLockTimeout = 10 * time.Second
	staleLockAge       = 2 * time.Minute
)

// ErrLocked is returned when the object lock could not be taken in time.
var ErrLocked = errors.New("object is locked by another writer")

type localFS struct {
	mu          sync.Mutex
	fs          afero.Fs
	root        string
	lockTimeout time.Duration
	keep        int
	now         func() time.Time
}

// Option configures the transport.
type Option func(*localFS)

// LockTimeout bounds how long a writer waits for the LOCK file.
func LockTimeout(d time.Duration) Option {
	return func(l *localFS) { l.lockTimeout = d }
}

// KeepVersions prunes old version blobs beyond n after each write. Zero keeps all.
func KeepVersions(n int) Option {
	return func(l *localFS) { l.keep = n }
}

// New creates a transport rooted at root on fs.
func New(fs afero.Fs, root string, opts ...Option) transport.Transport {
	l := &localFS{
		fs:          fs,
		root:        root,
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *localFS) objectDir(name string) (string, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != name || strings.Contains(name, "\\") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return path.Join(l.root, name+".d"), nil
}

// head returns the current version id, or ErrNotFound/ErrDeleted.
func (l *localFS) head(dir string) (string, error) {
	raw, err := afero.ReadFile(l.fs, path.Join(dir, headFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", transport.ErrNotFound
		}
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	v := strings.TrimSpace(string(raw))
	if strings.HasPrefix(v, deletedTag) {
		return strings.TrimPrefix(v, deletedTag), transport.ErrDeleted
	}
	if v == "" {
		return "", transport.ErrNotFound
	}
	return v, nil
}

func (l *localFS) LatestVersionID(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := l.objectDir(name)
	if err != nil {
		return "", err
	}
	v, err := l.head(dir)
	if err != nil {
		return "", err
	}
	return v, nil
}

func (l *localFS) Read(ctx context.Context, name string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	dir, err := l.objectDir(name)
	if err != nil {
		return nil, "", err
	}
	v, err := l.head(dir)
	if err != nil {
		return nil, "", err
	}
	data, err := afero.ReadFile(l.fs, path.Join(dir, v+blobSuffix))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read version %s of %s: %w", v, name, err)
	}
	return data, v, nil
}

func (l *localFS) WriteConditional(ctx context.Context, name string, data []byte, expected string) (string, error) {
	return l.write(ctx, name, data, func(current string, err error) error {
		switch {
		case expected == "" && transport.IsMissing(err):
			return nil
		case err != nil && !transport.IsMissing(err):
			return err
		case err == nil && current == expected:
			return nil
		}
		return fmt.Errorf("%w: %s is at %q, expected %q", transport.ErrConflict, name, current, expected)
	})
}

func (l *localFS) Write(ctx context.Context, name string, data []byte) (string, error) {
	return l.write(ctx, name, data, func(_ string, err error) error {
		if err != nil && !transport.IsMissing(err) {
			return err
		}
		return nil
	})
}

// write stores a new version under the lock if check accepts the current head.
func (l *localFS) write(ctx context.Context, name string, data []byte, check func(string, error) error) (string, error) {
	dir, err := l.objectDir(name)
	if err != nil {
		return "", err
	}
	unlock, err := l.lock(ctx, dir)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := check(l.head(dir)); err != nil {
		return "", err
	}

	version := ksuid.New().String()
	if err := afero.WriteFile(l.fs, path.Join(dir, version+blobSuffix), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write version blob: %w", err)
	}
	if err := l.setHead(dir, version); err != nil {
		return "", err
	}
	if l.keep > 0 {
		l.prune(dir, version)
	}
	return version, nil
}

func (l *localFS) Delete(ctx context.Context, name string) error {
	dir, err := l.objectDir(name)
	if err != nil {
		return err
	}
	unlock, err := l.lock(ctx, dir)
	if err != nil {
		return err
	}
	defer unlock()

	v, err := l.head(dir)
	if err != nil {
		return err
	}
	return l.setHead(dir, deletedTag+v)
}

func (l *localFS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := l.LatestVersionID(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case transport.IsMissing(err):
		return false, nil
	default:
		return false, err
	}
}

// setHead replaces HEAD through a temporary file and a rename.
func (l *localFS) setHead(dir, value string) error {
	tmp := path.Join(dir, headFile+".tmp")
	if err := afero.WriteFile(l.fs, tmp, []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write HEAD: %w", err)
	}
	if err := l.fs.Rename(tmp, path.Join(dir, headFile)); err != nil {
		return fmt.Errorf("failed to replace HEAD: %w", err)
	}
	return nil
}

// lock serializes writers in this process with a mutex and across processes
// with an exclusively created LOCK file. Locks older than staleLockAge are
// considered abandoned and removed.
func (l *localFS) lock(ctx context.Context, dir string) (func(), error) {
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	l.mu.Lock()

	lockPath := path.Join(dir, lockFile)
	deadline := l.now().Add(l.lockTimeout)
	for {
		f, err := l.fs.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(l.now().UTC().Format(time.RFC3339Nano))
			_ = f.Close()
			return func() {
				_ = l.fs.Remove(lockPath)
				l.mu.Unlock()
			}, nil
		}
		if !os.IsExist(err) {
			l.mu.Unlock()
			return nil, fmt.Errorf("failed to create lock: %w", err)
		}
		if fi, statErr := l.fs.Stat(lockPath); statErr == nil && l.now().Sub(fi.ModTime()) > staleLockAge {
			_ = l.fs.Remove(lockPath)
			continue
		}
		if l.now().After(deadline) {
			l.mu.Unlock()
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			l.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// prune removes the oldest version blobs so that at most keep remain.
func (l *localFS) prune(dir, current string) {
	infos, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return
	}
	var versions []string
	for _, fi := range infos {
		if v, ok := strings.CutSuffix(fi.Name(), blobSuffix); ok && v != current {
			versions = append(versions, v)
		}
	}
	if len(versions) < l.keep {
		return
	}
	// ReadDir sorts by name and KSUIDs sort by creation second.
	for _, v := range versions[:len(versions)-l.keep+1] {
		_ = l.fs.Remove(path.Join(dir, v+blobSuffix))
	}
}
