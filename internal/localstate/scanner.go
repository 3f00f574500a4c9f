package localstate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/javanhut/settingsync/internal/snapshot"
)

// Scanner enumerates the eligible settings files under a root.
type Scanner struct {
	fs     afero.Fs
	root   string
	filter *Filter
	app    *snapshot.AppInfo
}

func NewScanner(fsys afero.Fs, root string, filter *Filter, app *snapshot.AppInfo) *Scanner {
	return &Scanner{fs: fsys, root: filepath.Clean(root), filter: filter, app: app}
}

// Root returns the scanned directory.
func (s *Scanner) Root() string { return s.root }

// Filter returns the eligibility filter.
func (s *Scanner) Filter() *Filter { return s.filter }

// Rel converts an absolute path under the root to a snapshot path.
func (s *Scanner) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	return rel, snapshot.ValidatePath(rel) == nil
}

// Scan returns a full enumeration of the eligible files. DateCreated is the
// newest modification time found.
func (s *Scanner) Scan(ctx context.Context) (*snapshot.Snapshot, error) {
	snap := snapshot.New(snapshot.MetaInfo{AppInfo: s.app})
	var newest time.Time

	err := afero.Walk(s.fs, s.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		rel, ok := s.Rel(p)
		if !ok {
			return nil
		}
		if info.IsDir() {
			if s.filter.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || !s.filter.Match(rel) {
			return nil
		}
		data, err := afero.ReadFile(s.fs, p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		snap.Put(snapshot.NewModified(rel, data))
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.root, err)
	}
	snap.Meta.DateCreated = newest.UTC()
	return snap, nil
}

// ReadState returns the current state of one file: Modified with its content
// or Deleted when it is gone. ok is false for directories and filtered paths.
func (s *Scanner) ReadState(rel string) (st snapshot.FileState, ok bool, err error) {
	if !s.filter.Match(rel) {
		return snapshot.FileState{}, false, nil
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	info, err := s.fs.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return snapshot.NewDeleted(rel), true, nil
	case err != nil:
		return snapshot.FileState{}, false, err
	case !info.Mode().IsRegular():
		return snapshot.FileState{}, false, nil
	}
	data, err := afero.ReadFile(s.fs, abs)
	if errors.Is(err, os.ErrNotExist) {
		return snapshot.NewDeleted(rel), true, nil
	}
	if err != nil {
		return snapshot.FileState{}, false, err
	}
	return snapshot.NewModified(rel, data), true, nil
}
