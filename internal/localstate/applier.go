package localstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/snapshot"
)

// ReloadHook is called after an Apply changed files, with the changed paths.
type ReloadHook func(ctx context.Context, changed []string) error

// written records what the applier last put at a path.
type written struct {
	deleted bool
	sum     Fingerprint
}

// Applier writes snapshots to the settings files under a root.
type Applier struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
	hooks  []ReloadHook

	mu     sync.Mutex
	echoes map[string]written
}

func NewApplier(fsys afero.Fs, root string, logger *zap.Logger, hooks ...ReloadHook) *Applier {
	return &Applier{
		fs:     fsys,
		root:   filepath.Clean(root),
		logger: logger,
		hooks:  hooks,
		echoes: make(map[string]written),
	}
}

// Apply writes every Modified state and removes every Deleted one. Files that
// already hold the right content are left alone, so applying the same snapshot
// twice changes nothing the second time. Failures of single files do not stop
// the others; they are returned together.
func (a *Applier) Apply(ctx context.Context, snap *snapshot.Snapshot) error {
	var (
		errs    error
		changed []string
	)
	for _, st := range snap.Sorted() {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := snapshot.ValidatePath(st.Path); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var (
			did bool
			err error
		)
		if st.IsDeleted() {
			did, err = a.remove(st.Path)
		} else {
			did, err = a.write(st.Path, st.Content)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", st.Path, err))
			continue
		}
		if did {
			changed = append(changed, st.Path)
		}
	}

	if len(changed) > 0 {
		a.logger.Info("applied settings", zap.Int("changed", len(changed)))
		for _, hook := range a.hooks {
			errs = multierr.Append(errs, hook(ctx, changed))
		}
	}
	return errs
}

func (a *Applier) abs(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

func (a *Applier) write(rel string, content []byte) (bool, error) {
	target := a.abs(rel)
	sum := fingerprintOf(content)
	if current, err := afero.ReadFile(a.fs, target); err == nil && fingerprintOf(current) == sum {
		return false, nil
	}
	if err := a.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}

	a.remember(rel, written{sum: sum})
	tmp := target + TempSuffix
	if err := afero.WriteFile(a.fs, tmp, content, 0o644); err != nil {
		a.forget(rel)
		return false, err
	}
	if err := a.fs.Rename(tmp, target); err != nil {
		_ = a.fs.Remove(tmp)
		a.forget(rel)
		return false, err
	}
	return true, nil
}

func (a *Applier) remove(rel string) (bool, error) {
	target := a.abs(rel)
	info, err := a.fs.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("is a directory")
	}

	a.remember(rel, written{deleted: true})
	if err := a.fs.Remove(target); err != nil {
		a.forget(rel)
		return false, err
	}
	a.removeEmptyParents(filepath.Dir(target))
	return true, nil
}

// removeEmptyParents removes dir and its parents up to the root while they are empty.
func (a *Applier) removeEmptyParents(dir string) {
	for dir != a.root && len(dir) > len(a.root) {
		entries, err := afero.ReadDir(a.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := a.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (a *Applier) remember(rel string, w written) {
	a.mu.Lock()
	a.echoes[rel] = w
	a.mu.Unlock()
}

func (a *Applier) forget(rel string) {
	a.mu.Lock()
	delete(a.echoes, rel)
	a.mu.Unlock()
}

// IsEcho reports whether st is exactly what the applier last wrote at its
// path. The record is consumed, so a later identical user edit is seen.
func (a *Applier) IsEcho(st snapshot.FileState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.echoes[st.Path]
	if !ok {
		return false
	}
	delete(a.echoes, st.Path)
	if st.IsDeleted() {
		return w.deleted
	}
	return !w.deleted && w.sum == fingerprintOf(st.Content)
}
