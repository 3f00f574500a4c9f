// Package settingslog is the durable, branchable history of settings snapshots.
//
// The log keeps three branch pointers. local receives changes made on this
// machine, remote receives states downloaded from the server, and master is
// the merge of both, computed by AdvanceMaster. Every mutation runs in one
// database transaction that writes blobs, tree and commit before the pointer
// moves.
package settingslog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/commit"
	"github.com/javanhut/settingsync/internal/history"
	"github.com/javanhut/settingsync/internal/refs"
	"github.com/javanhut/settingsync/internal/snapshot"
	"github.com/javanhut/settingsync/internal/store"
)

// Position names a commit of the log.
type Position = commit.Position

var (
	// ErrStorage marks failures reading or writing the log database.
	ErrStorage = errors.New("settings log storage failure")
	// ErrUnknownPosition is returned when a position does not name a commit.
	ErrUnknownPosition = errors.New("unknown position")
	// ErrNotFullEnumeration is returned when a seed snapshot carries deletions.
	ErrNotFullEnumeration = errors.New("seed snapshot must be a full enumeration of local files")
)

const (
	metaFormat        = "format"
	metaRemoteVersion = "remote-version"
	formatVersion     = "1"

	initialMessage = "Initial"
	seedMessage    = "Local state at startup"
)

// Log is the settings log.
type Log struct {
	db     *store.DB
	logger *zap.Logger
	app    *snapshot.AppInfo
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces the clock used for write times.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithAppInfo stamps commits created by this replica (initial and merge commits,
// and snapshots without app info).
func WithAppInfo(app *snapshot.AppInfo) Option {
	return func(l *Log) { l.app = app }
}

// New creates a Log over an open database.
func New(db *store.DB, logger *zap.Logger, opts ...Option) *Log {
	l := &Log{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open opens the database at path and creates a Log over it.
func Open(path string, logger *zap.Logger, opts ...Option) (*Log, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, storageErr("open log database", err)
	}
	return New(db, logger, opts...), nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Initialize prepares the log. A fresh database gets an initial empty commit
// with all branches on it and true is returned. On an existing database any
// missing branch is recreated at the current head.
func (l *Log) Initialize() (bool, error) {
	var fresh bool
	err := l.db.Update(func(tx *store.Tx) error {
		if tx.CommitCount() == 0 {
			fresh = true
			return l.writeInitial(tx)
		}

		head, err := currentHead(tx)
		if err != nil {
			return err
		}
		for _, b := range refs.All {
			pos, ok := tx.Branch(string(b))
			if !ok {
				l.logger.Warn("branch missing, recreating at head",
					zap.String("branch", b.String()), zap.String("head", head.Short()))
				if err := tx.SetBranch(string(b), string(head)); err != nil {
					return err
				}
				continue
			}
			if !tx.HasCommit(pos) {
				return fmt.Errorf("branch %s points to missing commit %s", b, pos)
			}
		}
		if _, ok := tx.Meta(metaFormat); !ok {
			return tx.SetMeta(metaFormat, formatVersion)
		}
		return nil
	})
	if err != nil {
		return false, classify("initialize log", err)
	}
	if fresh {
		l.logger.Info("created settings log")
	}
	return fresh, nil
}

func (l *Log) writeInitial(tx *store.Tx) error {
	treeHash, err := commit.WriteTree(tx, commit.Tree{})
	if err != nil {
		return err
	}
	now := l.now()
	c := &commit.Commit{
		TreeHash:   treeHash,
		Generation: 1,
		CreatedAt:  now,
		WrittenAt:  now,
		App:        l.app,
		Message:    initialMessage,
	}
	pos := c.Position()
	if err := tx.PutCommit(string(pos), c.Encode()); err != nil {
		return err
	}
	for _, b := range refs.All {
		if err := tx.SetBranch(string(b), string(pos)); err != nil {
			return err
		}
	}
	return tx.SetMeta(metaFormat, formatVersion)
}

// currentHead is the first existing branch in refs.All order, or the commit
// with the highest generation when no branch exists.
func currentHead(tx *store.Tx) (Position, error) {
	for _, b := range refs.All {
		if pos, ok := tx.Branch(string(b)); ok {
			return Position(pos), nil
		}
	}
	var (
		best    Position
		bestGen uint64
	)
	err := tx.ForEachCommit(func(pos string, data []byte) error {
		c, err := commit.Decode(data)
		if err != nil {
			return fmt.Errorf("failed to decode commit %s: %w", pos, err)
		}
		if c.Generation > bestGen || (c.Generation == bestGen && Position(pos) < best) {
			best, bestGen = Position(pos), c.Generation
		}
		return nil
	})
	return best, err
}

// SeedFromCurrentLocalState records a full enumeration of the local files onto
// local. Files whose content is already recorded are skipped, and tracked
// files missing from the enumeration are recorded as deleted.
func (l *Log) SeedFromCurrentLocalState(snap *snapshot.Snapshot) (Position, error) {
	for _, st := range snap.Sorted() {
		if st.IsDeleted() {
			return "", fmt.Errorf("%w: got deletion of %s", ErrNotFullEnumeration, st.Path)
		}
	}
	if err := snap.Validate(); err != nil {
		return "", fmt.Errorf("invalid seed snapshot: %w", err)
	}

	var pos Position
	err := l.db.Update(func(tx *store.Tx) error {
		_, _, tree, err := branchHead(tx, refs.Local)
		if err != nil {
			return err
		}
		delta := snap.Clone()
		for _, p := range tree.Paths() {
			if _, ok := snap.Get(p); !ok && tree.Live(p) {
				delta.Put(snapshot.NewDeleted(p))
			}
		}
		var created bool
		pos, created, err = l.commitOnto(tx, refs.Local, delta, seedMessage)
		if err == nil && !created {
			l.logger.Debug("local state already recorded, nothing to seed")
		}
		return err
	})
	if err != nil {
		return "", classify("seed local state", err)
	}
	return pos, nil
}

// ApplyLocal commits snap onto local.
func (l *Log) ApplyLocal(snap *snapshot.Snapshot, message string) (Position, error) {
	return l.apply(refs.Local, snap, message)
}

// ApplyRemote commits snap onto remote.
func (l *Log) ApplyRemote(snap *snapshot.Snapshot, message string) (Position, error) {
	return l.apply(refs.Remote, snap, message)
}

// apply commits snap onto branch. An empty snapshot is logged and ignored,
// and so is a snapshot that leaves the tree unchanged.
func (l *Log) apply(branch refs.Branch, snap *snapshot.Snapshot, message string) (Position, error) {
	if snap.IsEmpty() {
		l.logger.Warn("ignoring empty snapshot", zap.String("branch", branch.String()), zap.String("message", message))
		return l.GetPosition(branch)
	}
	if err := snap.Validate(); err != nil {
		return "", fmt.Errorf("invalid snapshot for %s: %w", branch, err)
	}

	var (
		pos     Position
		created bool
	)
	err := l.db.Update(func(tx *store.Tx) error {
		var err error
		pos, created, err = l.commitOnto(tx, branch, snap, message)
		return err
	})
	if err != nil {
		return "", classify("apply snapshot to "+branch.String(), err)
	}
	if created {
		l.logger.Debug("committed snapshot",
			zap.String("branch", branch.String()),
			zap.String("position", pos.Short()),
			zap.Int("files", snap.Len()))
	} else {
		l.logger.Debug("snapshot already recorded", zap.String("branch", branch.String()))
	}
	return pos, nil
}

// commitOnto writes snap as a child of branch's head and moves the branch.
// It reports false when the snapshot does not change the tree.
func (l *Log) commitOnto(tx *store.Tx, branch refs.Branch, snap *snapshot.Snapshot, message string) (Position, bool, error) {
	headPos, head, tree, err := branchHead(tx, branch)
	if err != nil {
		return "", false, err
	}

	next, changes, err := commit.Apply(tx, tree, snap)
	if err != nil {
		return "", false, err
	}
	if len(changes) == 0 {
		return headPos, false, nil
	}
	treeHash, err := commit.WriteTree(tx, next)
	if err != nil {
		return "", false, err
	}

	createdAt := snap.Meta.DateCreated
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	app := snap.Meta.AppInfo
	if app == nil {
		app = l.app
	}
	c := &commit.Commit{
		TreeHash:   treeHash,
		Parents:    []Position{headPos},
		Generation: head.Generation + 1,
		CreatedAt:  createdAt.UTC(),
		WrittenAt:  l.now(),
		App:        app,
		Changes:    changes,
		Message:    message,
	}
	pos, err := writeCommit(tx, c)
	if err != nil {
		return "", false, err
	}
	return pos, true, tx.SetBranch(string(branch), string(pos))
}

// CollectCurrentSnapshot materializes the full state at master, dated with the
// master head's creation time.
func (l *Log) CollectCurrentSnapshot() (*snapshot.Snapshot, error) {
	var snap *snapshot.Snapshot
	err := l.db.View(func(tx *store.Tx) error {
		_, head, tree, err := branchHead(tx, refs.Master)
		if err != nil {
			return err
		}
		snap, err = commit.Materialize(tx, tree, snapshot.MetaInfo{DateCreated: head.CreatedAt, AppInfo: head.App})
		return err
	})
	if err != nil {
		return nil, classify("collect current snapshot", err)
	}
	return snap, nil
}

// GetPosition returns the position of branch.
func (l *Log) GetPosition(branch refs.Branch) (Position, error) {
	if !branch.Valid() {
		return "", fmt.Errorf("%w: %q", refs.ErrInvalidBranch, branch)
	}
	var pos Position
	err := l.db.View(func(tx *store.Tx) error {
		p, ok := tx.Branch(string(branch))
		if !ok {
			return fmt.Errorf("branch %s does not exist", branch)
		}
		pos = Position(p)
		return nil
	})
	if err != nil {
		return "", classify("read branch "+branch.String(), err)
	}
	return pos, nil
}

// SetPosition force-moves branch to pos, which must name an existing commit.
func (l *Log) SetPosition(branch refs.Branch, pos Position) error {
	if !branch.Valid() {
		return fmt.Errorf("%w: %q", refs.ErrInvalidBranch, branch)
	}
	err := l.db.Update(func(tx *store.Tx) error {
		if !tx.HasCommit(string(pos)) {
			return fmt.Errorf("%w: %s", ErrUnknownPosition, pos)
		}
		return tx.SetBranch(string(branch), string(pos))
	})
	if err != nil {
		return classify("move branch "+branch.String(), err)
	}
	return nil
}

// RestoreTo commits onto local the state recorded at pos: every file as it was
// there, and a deletion for every file live on local that did not exist at pos.
func (l *Log) RestoreTo(pos Position) (Position, error) {
	var result Position
	err := l.db.Update(func(tx *store.Tx) error {
		if !tx.HasCommit(string(pos)) {
			return fmt.Errorf("%w: %s", ErrUnknownPosition, pos)
		}
		target, err := loadCommit(tx, pos)
		if err != nil {
			return err
		}
		targetTree, err := commit.ReadTree(tx, target.TreeHash)
		if err != nil {
			return err
		}
		localPos, _, localTree, err := branchHead(tx, refs.Local)
		if err != nil {
			return err
		}
		delta, err := commit.Diff(tx, localTree, targetTree)
		if err != nil {
			return err
		}
		delta.Meta = snapshot.MetaInfo{DateCreated: l.now(), AppInfo: l.app}
		if delta.IsEmpty() {
			result = localPos
			return nil
		}
		result, _, err = l.commitOnto(tx, refs.Local, delta, "Restore to "+pos.Short())
		return err
	})
	if err != nil {
		return "", classify("restore to "+pos.Short(), err)
	}
	l.logger.Info("restored local branch", zap.String("target", pos.Short()), zap.String("position", result.Short()))
	return result, nil
}

// Commit returns the commit at pos.
func (l *Log) Commit(pos Position) (*commit.Commit, error) {
	var c *commit.Commit
	err := l.db.View(func(tx *store.Tx) error {
		if !tx.HasCommit(string(pos)) {
			return fmt.Errorf("%w: %s", ErrUnknownPosition, pos)
		}
		var err error
		c, err = loadCommit(tx, pos)
		return err
	})
	if err != nil {
		return nil, classify("read commit", err)
	}
	return c, nil
}

// ResolvePosition expands a unique position prefix.
func (l *Log) ResolvePosition(prefix string) (Position, error) {
	var matches []Position
	err := l.db.View(func(tx *store.Tx) error {
		return tx.ForEachCommit(func(pos string, _ []byte) error {
			if strings.HasPrefix(pos, prefix) {
				matches = append(matches, Position(pos))
			}
			return nil
		})
	})
	if err != nil {
		return "", classify("resolve position", err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrUnknownPosition, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous position %s matches %d commits", prefix, len(matches))
	}
}

// History lists up to limit commits following first parents from branch.
func (l *Log) History(branch refs.Branch, limit int) ([]history.Entry, error) {
	pos, err := l.GetPosition(branch)
	if err != nil {
		return nil, err
	}
	var entries []history.Entry
	err = l.db.View(func(tx *store.Tx) error {
		entries, err = history.NewGraph(txSource{tx}).FirstParentLog(pos, limit)
		return err
	})
	if err != nil {
		return nil, classify("read history", err)
	}
	return entries, nil
}

// RemoteVersion returns the last server version this replica applied or
// pushed, or "" when none is known.
func (l *Log) RemoteVersion() (string, error) {
	var v string
	err := l.db.View(func(tx *store.Tx) error {
		v, _ = tx.Meta(metaRemoteVersion)
		return nil
	})
	if err != nil {
		return "", classify("read remote version", err)
	}
	return v, nil
}

// SetRemoteVersion records the last known server version.
func (l *Log) SetRemoteVersion(v string) error {
	err := l.db.Update(func(tx *store.Tx) error {
		return tx.SetMeta(metaRemoteVersion, v)
	})
	if err != nil {
		return classify("write remote version", err)
	}
	return nil
}

// txSource adapts a transaction to history.Source.
type txSource struct{ tx *store.Tx }

func (s txSource) Commit(pos commit.Position) (*commit.Commit, error) {
	return loadCommit(s.tx, pos)
}

func loadCommit(tx *store.Tx, pos Position) (*commit.Commit, error) {
	data, err := tx.GetCommit(string(pos))
	if err != nil {
		return nil, err
	}
	c, err := commit.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode commit %s: %w", pos.Short(), err)
	}
	return c, nil
}

func branchHead(tx *store.Tx, branch refs.Branch) (Position, *commit.Commit, commit.Tree, error) {
	pos, ok := tx.Branch(string(branch))
	if !ok {
		return "", nil, nil, fmt.Errorf("branch %s does not exist", branch)
	}
	c, err := loadCommit(tx, Position(pos))
	if err != nil {
		return "", nil, nil, err
	}
	tree, err := commit.ReadTree(tx, c.TreeHash)
	if err != nil {
		return "", nil, nil, err
	}
	return Position(pos), c, tree, nil
}

func writeCommit(tx *store.Tx, c *commit.Commit) (Position, error) {
	data := c.Encode()
	pos := c.Position()
	if err := tx.PutCommit(string(pos), data); err != nil {
		return "", fmt.Errorf("failed to store commit: %w", err)
	}
	return pos, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorage, op, err)
}

// classify wraps err as a storage failure unless it already carries a kind
// the caller can act on.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrStorage),
		errors.Is(err, ErrUnknownPosition),
		errors.Is(err, ErrNotFullEnumeration),
		errors.Is(err, refs.ErrInvalidBranch):
		return err
	}
	return storageErr(op, err)
}
