package localstate

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/snapshot"
)

// EchoFilter recognizes changes the applier made itself.
type EchoFilter interface {
	IsEcho(st snapshot.FileState) bool
}

// Watcher turns file system events under the root into delta snapshots.
// Events for a path are held until it has been quiet for the debounce window.
type Watcher struct {
	scanner  *Scanner
	echo     EchoFilter
	debounce time.Duration
	logger   *zap.Logger
	emit     func(*snapshot.Snapshot)
	now      func() time.Time

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time
	known   map[string]struct{}
}

// NewWatcher creates a watcher. emit receives each non-empty delta; echo may be nil.
func NewWatcher(scanner *Scanner, echo EchoFilter, debounce time.Duration, logger *zap.Logger, emit func(*snapshot.Snapshot)) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		scanner:  scanner,
		echo:     echo,
		debounce: debounce,
		logger:   logger,
		emit:     emit,
		now:      time.Now,
		pending:  make(map[string]time.Time),
		known:    make(map[string]struct{}),
	}
}

// Start registers the root and its subdirectories and begins processing events
// until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	if err := w.addTree(w.scanner.Root(), false); err != nil {
		fsw.Close()
		return err
	}
	w.logger.Info("watching settings", zap.String("root", w.scanner.Root()))

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.processQueue(ctx)
	return nil
}

// Stop ends event processing and waits for the goroutines to exit.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	w.fsw = nil
	return err
}

// addTree watches dir and every directory below it. Files found are
// remembered and, with queueFiles, queued as changes.
func (w *Watcher) addTree(dir string, queueFiles bool) error {
	now := w.now()
	return afero.Walk(w.scanner.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.scanner.Rel(p)
		if info.IsDir() {
			if ok && w.scanner.Filter().Excluded(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
			return nil
		}
		if !ok || !w.scanner.Filter().Match(rel) {
			return nil
		}
		w.mu.Lock()
		w.known[rel] = struct{}{}
		if queueFiles {
			w.pending[rel] = now
		}
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, ok := w.scanner.Rel(ev.Name)
	if !ok || w.scanner.Filter().Excluded(rel) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := w.scanner.fs.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("dir", rel), zap.Error(err))
			}
			return
		}
	}
	w.queue(rel, ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename))
}

// queue marks rel as changed. A removal also covers known files below rel,
// since removing a directory reports only the directory.
func (w *Watcher) queue(rel string, removal bool) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[rel] = now
	if removal {
		prefix := rel + "/"
		for k := range w.known {
			if strings.HasPrefix(k, prefix) {
				w.pending[k] = now
			}
		}
	}
}

func (w *Watcher) processQueue(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.flush(w.now())
		}
	}
}

// flush emits the paths that have been quiet for the debounce window.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var due []string
	for p, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			due = append(due, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()
	if len(due) == 0 {
		return
	}
	sort.Strings(due)

	delta := snapshot.New(snapshot.MetaInfo{DateCreated: now.UTC(), AppInfo: w.scanner.app})
	for _, p := range due {
		st, ok, err := w.scanner.ReadState(p)
		if err != nil {
			w.logger.Warn("failed to read changed file", zap.String("path", p), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		w.mu.Lock()
		_, wasKnown := w.known[p]
		if st.IsDeleted() {
			delete(w.known, p)
		} else {
			w.known[p] = struct{}{}
		}
		w.mu.Unlock()

		if st.IsDeleted() && !wasKnown {
			continue
		}
		if w.echo != nil && w.echo.IsEcho(st) {
			continue
		}
		delta.Put(st)
	}
	if delta.IsEmpty() {
		return
	}
	w.logger.Debug("local change", zap.Strings("paths", delta.Paths()))
	w.emit(delta)
}
