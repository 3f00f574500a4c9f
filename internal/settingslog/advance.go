package settingslog

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/commit"
	"github.com/javanhut/settingsync/internal/diffmerge"
	"github.com/javanhut/settingsync/internal/history"
	"github.com/javanhut/settingsync/internal/refs"
	"github.com/javanhut/settingsync/internal/store"
)

// AdvanceKind tells how AdvanceMaster moved master.
type AdvanceKind string

const (
	Unchanged          AdvanceKind = "unchanged"
	FastForwardLocal   AdvanceKind = "fast_forward_local"
	FastForwardRemote  AdvanceKind = "fast_forward_remote"
	MergedUnion        AdvanceKind = "union"
	FallbackLocalWins  AdvanceKind = "fallback_local"
	FallbackRemoteWins AdvanceKind = "fallback_remote"
)

// Advance is the outcome of AdvanceMaster.
type Advance struct {
	Position  Position
	Kind      AdvanceKind
	Conflicts []string // conflicting paths when a fallback was used
}

// Moved reports whether master changed.
func (a Advance) Moved() bool { return a.Kind != Unchanged }

// AdvanceMaster brings master up to date with local and remote. If only one
// side moved past master, master fast-forwards to it. If both moved, their
// trees are merged against the common ancestor. When the same file changed
// differently on both sides, the side with the most recent commit since the
// common ancestor wins with its whole tree.
func (l *Log) AdvanceMaster() (Advance, error) {
	var adv Advance
	err := l.db.Update(func(tx *store.Tx) error {
		var err error
		adv, err = l.advance(tx)
		return err
	})
	if err != nil {
		return Advance{}, classify("advance master", err)
	}
	switch adv.Kind {
	case Unchanged:
	case FallbackLocalWins, FallbackRemoteWins:
		l.logger.Warn("merge conflict resolved by whole-side fallback",
			zap.String("kind", string(adv.Kind)),
			zap.Strings("conflicts", adv.Conflicts),
			zap.String("master", adv.Position.Short()))
	default:
		l.logger.Debug("advanced master", zap.String("kind", string(adv.Kind)), zap.String("master", adv.Position.Short()))
	}
	return adv, nil
}

func (l *Log) advance(tx *store.Tx) (Advance, error) {
	local, ok1 := tx.Branch(string(refs.Local))
	remote, ok2 := tx.Branch(string(refs.Remote))
	master, ok3 := tx.Branch(string(refs.Master))
	if !ok1 || !ok2 || !ok3 {
		return Advance{}, errors.New("log is not initialized")
	}
	L, C, M := Position(local), Position(remote), Position(master)
	g := history.NewGraph(txSource{tx})

	localInMaster, err := g.IsAncestor(L, M)
	if err != nil {
		return Advance{}, err
	}
	remoteInMaster, err := g.IsAncestor(C, M)
	if err != nil {
		return Advance{}, err
	}
	if localInMaster && remoteInMaster {
		return Advance{Position: M, Kind: Unchanged}, nil
	}

	if remoteInMaster {
		masterInLocal, err := g.IsAncestor(M, L)
		if err != nil {
			return Advance{}, err
		}
		if masterInLocal {
			return l.moveMaster(tx, L, FastForwardLocal)
		}
	}
	if localInMaster {
		masterInRemote, err := g.IsAncestor(M, C)
		if err != nil {
			return Advance{}, err
		}
		if masterInRemote {
			return l.moveMaster(tx, C, FastForwardRemote)
		}
	}
	return l.merge(tx, g, L, C)
}

func (l *Log) moveMaster(tx *store.Tx, to Position, kind AdvanceKind) (Advance, error) {
	if err := tx.SetBranch(string(refs.Master), string(to)); err != nil {
		return Advance{}, err
	}
	return Advance{Position: to, Kind: kind}, nil
}

func (l *Log) merge(tx *store.Tx, g *history.Graph, L, C Position) (Advance, error) {
	if ok, err := g.IsAncestor(L, C); err != nil {
		return Advance{}, err
	} else if ok {
		return l.moveMaster(tx, C, FastForwardRemote)
	}
	if ok, err := g.IsAncestor(C, L); err != nil {
		return Advance{}, err
	} else if ok {
		return l.moveMaster(tx, L, FastForwardLocal)
	}

	baseTree := commit.Tree{}
	base, err := g.MergeBase(L, C)
	switch {
	case errors.Is(err, history.ErrNoCommonAncestor):
		base = ""
	case err != nil:
		return Advance{}, err
	default:
		bc, err := g.Get(base)
		if err != nil {
			return Advance{}, err
		}
		if baseTree, err = commit.ReadTree(tx, bc.TreeHash); err != nil {
			return Advance{}, err
		}
	}

	lc, err := g.Get(L)
	if err != nil {
		return Advance{}, err
	}
	cc, err := g.Get(C)
	if err != nil {
		return Advance{}, err
	}
	localTree, err := commit.ReadTree(tx, lc.TreeHash)
	if err != nil {
		return Advance{}, err
	}
	remoteTree, err := commit.ReadTree(tx, cc.TreeHash)
	if err != nil {
		return Advance{}, err
	}

	adv := Advance{Kind: MergedUnion}
	message := "Merge local and remote"
	merged := diffmerge.NewMerger().MergeTrees(baseTree, localTree, remoteTree)
	tree := merged.Merged
	if !merged.Success {
		for _, c := range merged.Conflicts {
			adv.Conflicts = append(adv.Conflicts, c.Path)
		}
		localNewest, err := g.NewestSince(L, base)
		if err != nil {
			return Advance{}, err
		}
		remoteNewest, err := g.NewestSince(C, base)
		if err != nil {
			return Advance{}, err
		}
		var side diffmerge.Side
		tree, side = diffmerge.NewerSideWins(localTree, remoteTree, localNewest, remoteNewest)
		winner := refs.Remote
		adv.Kind = FallbackRemoteWins
		if side == diffmerge.Left {
			winner = refs.Local
			adv.Kind = FallbackLocalWins
		}
		message = fmt.Sprintf("Merge local and remote: %s wins, %d conflicting files", winner, len(adv.Conflicts))
	}

	treeHash, err := commit.WriteTree(tx, tree)
	if err != nil {
		return Advance{}, err
	}
	var changes []commit.Entry
	for _, ch := range diffmerge.DiffTrees(localTree, tree) {
		if ch.New != nil {
			changes = append(changes, *ch.New)
		} else {
			changes = append(changes, commit.Entry{Path: ch.Path, Deleted: true})
		}
	}

	c := &commit.Commit{
		TreeHash:   treeHash,
		Parents:    []Position{L, C},
		Generation: max(lc.Generation, cc.Generation) + 1,
		CreatedAt:  latest(lc.CreatedAt, cc.CreatedAt),
		WrittenAt:  l.now(),
		App:        l.app,
		Changes:    changes,
		Message:    message,
	}
	pos, err := writeCommit(tx, c)
	if err != nil {
		return Advance{}, err
	}
	adv.Position = pos
	if err := tx.SetBranch(string(refs.Master), string(pos)); err != nil {
		return Advance{}, err
	}
	return adv, nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
