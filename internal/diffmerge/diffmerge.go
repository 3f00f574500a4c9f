// Package diffmerge implements diff and merge utilities for settings trees.
//
// This package provides:
// - Computing differences between two trees
// - Three-way merging of trees against a common ancestor
// - Detecting conflicts at whole-file granularity
// - The whole-side fallback used when a merge conflicts
package diffmerge

import (
	"sort"

	"github.com/javanhut/settingsync/internal/commit"
)

// ChangeType represents the type of change in a diff.
type ChangeType uint8

const (
	Added ChangeType = iota + 1
	Modified
	Removed
)

// String returns a one-letter code for the change.
func (c ChangeType) String() string {
	switch c {
	case Added:
		return "A"
	case Modified:
		return "M"
	case Removed:
		return "D"
	default:
		return "?"
	}
}

// FileChange represents a change to a single file.
type FileChange struct {
	Type ChangeType
	Path string
	Old  *commit.Entry // nil for Added
	New  *commit.Entry // nil when the path is no longer tracked
}

// DiffTrees lists the changes from old to next, sorted by path. A tombstone
// counts as a removed file.
func DiffTrees(old, next commit.Tree) []FileChange {
	paths := make(map[string]bool, len(old)+len(next))
	for p := range old {
		paths[p] = true
	}
	for p := range next {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var changes []FileChange
	for _, p := range sorted {
		oldLive, newLive := old.Live(p), next.Live(p)
		var oldEntry, newEntry *commit.Entry
		if e, ok := old[p]; ok {
			oldEntry = &e
		}
		if e, ok := next[p]; ok {
			newEntry = &e
		}
		switch {
		case !oldLive && newLive:
			changes = append(changes, FileChange{Type: Added, Path: p, Old: oldEntry, New: newEntry})
		case oldLive && !newLive:
			changes = append(changes, FileChange{Type: Removed, Path: p, Old: oldEntry, New: newEntry})
		case oldLive && newLive && !oldEntry.Equal(*newEntry):
			changes = append(changes, FileChange{Type: Modified, Path: p, Old: oldEntry, New: newEntry})
		}
	}
	return changes
}

// Conflict represents a path changed differently on both sides.
type Conflict struct {
	Path  string
	Base  *commit.Entry // Common ancestor entry (if any)
	Left  *commit.Entry // Left side entry (if any)
	Right *commit.Entry // Right side entry (if any)
}

// MergeResult represents the result of a merge operation.
type MergeResult struct {
	Success   bool
	Merged    commit.Tree // Result of merge (if successful)
	Conflicts []Conflict  // Conflicting paths, sorted
}

// Merger performs three-way merges of trees.
type Merger struct{}

// NewMerger creates a new Merger.
func NewMerger() *Merger {
	return &Merger{}
}

// MergeTrees performs a three-way merge. Without conflicts the result is the
// union of the changes both sides made since base.
func (m *Merger) MergeTrees(base, left, right commit.Tree) *MergeResult {
	// Collect all paths that exist in any version
	allPaths := make(map[string]bool)
	for path := range base {
		allPaths[path] = true
	}
	for path := range left {
		allPaths[path] = true
	}
	for path := range right {
		allPaths[path] = true
	}

	merged := make(commit.Tree, len(allPaths))
	var conflicts []Conflict

	for path := range allPaths {
		conflict, entry := m.mergeEntry(path, lookup(base, path), lookup(left, path), lookup(right, path))
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
		} else if entry != nil {
			merged[path] = *entry
		}
	}

	if len(conflicts) > 0 {
		sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
		return &MergeResult{Success: false, Conflicts: conflicts}
	}
	return &MergeResult{Success: true, Merged: merged}
}

func lookup(t commit.Tree, path string) *commit.Entry {
	e, ok := t[path]
	if !ok {
		return nil
	}
	return &e
}

// mergeEntry performs three-way merge for a single path.
func (m *Merger) mergeEntry(path string, base, left, right *commit.Entry) (*Conflict, *commit.Entry) {
	baseExists := base != nil
	leftExists := left != nil
	rightExists := right != nil

	switch {
	case !baseExists && !leftExists && !rightExists:
		return nil, nil

	case !baseExists && leftExists && !rightExists:
		// Added on left only
		return nil, left

	case !baseExists && !leftExists && rightExists:
		// Added on right only
		return nil, right

	case !baseExists && leftExists && rightExists:
		// Added on both sides
		if entriesEqual(left, right) {
			return nil, left
		}
		return &Conflict{Path: path, Left: left, Right: right}, nil

	case baseExists && !leftExists && !rightExists:
		// Untracked on both sides
		return nil, nil

	case baseExists && leftExists && !rightExists:
		if entriesEqual(base, left) {
			return nil, nil
		}
		return &Conflict{Path: path, Base: base, Left: left}, nil

	case baseExists && !leftExists && rightExists:
		if entriesEqual(base, right) {
			return nil, nil
		}
		return &Conflict{Path: path, Base: base, Right: right}, nil

	default:
		if entriesEqual(left, right) {
			// Both sides made same change (or no change)
			return nil, left
		}
		if entriesEqual(base, left) {
			return nil, right
		}
		if entriesEqual(base, right) {
			return nil, left
		}
		return &Conflict{Path: path, Base: base, Left: left, Right: right}, nil
	}
}

func entriesEqual(a, b *commit.Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
