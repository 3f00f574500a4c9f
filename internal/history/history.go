// Package history answers ancestry questions over the commit graph: is one
// commit an ancestor of another, where do two branches diverge, and how recent
// is each side of a divergence.
package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/javanhut/settingsync/internal/commit"
)

// ErrNoCommonAncestor is returned when two commits share no history.
var ErrNoCommonAncestor = errors.New("no common ancestor found")

// Source loads commits by position.
type Source interface {
	Commit(pos commit.Position) (*commit.Commit, error)
}

// MemorySource is a Source backed by a map, used by tests and tools.
type MemorySource struct {
	mu      sync.RWMutex
	commits map[commit.Position]*commit.Commit
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{commits: make(map[commit.Position]*commit.Commit)}
}

// Add stores c and returns its position.
func (m *MemorySource) Add(c *commit.Commit) commit.Position {
	pos := c.Position()
	m.mu.Lock()
	m.commits[pos] = c
	m.mu.Unlock()
	return pos
}

// Commit implements Source.
func (m *MemorySource) Commit(pos commit.Position) (*commit.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commits[pos]
	if !ok {
		return nil, fmt.Errorf("commit not found: %s", pos)
	}
	return c, nil
}

// Graph walks the commit graph of a Source, caching every commit it loads.
// A Graph is meant for a single operation and is not safe for concurrent use.
type Graph struct {
	src   Source
	cache map[commit.Position]*commit.Commit
}

// NewGraph creates a Graph over src.
func NewGraph(src Source) *Graph {
	return &Graph{src: src, cache: make(map[commit.Position]*commit.Commit)}
}

// Get loads a commit.
func (g *Graph) Get(pos commit.Position) (*commit.Commit, error) {
	if c, ok := g.cache[pos]; ok {
		return c, nil
	}
	c, err := g.src.Commit(pos)
	if err != nil {
		return nil, err
	}
	g.cache[pos] = c
	return c, nil
}

// IsAncestor reports whether a is b or an ancestor of b. Commits with a
// generation lower than a's cannot lead to a and are not expanded.
func (g *Graph) IsAncestor(a, b commit.Position) (bool, error) {
	if a == b {
		return true, nil
	}
	target, err := g.Get(a)
	if err != nil {
		return false, err
	}

	seen := map[commit.Position]bool{b: true}
	queue := []commit.Position{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		c, err := g.Get(cur)
		if err != nil {
			return false, err
		}
		if c.Generation <= target.Generation {
			continue
		}
		for _, p := range c.Parents {
			if p == a {
				return true, nil
			}
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

// Ancestors returns every commit reachable from pos, pos included.
func (g *Graph) Ancestors(pos commit.Position) (map[commit.Position]*commit.Commit, error) {
	out := make(map[commit.Position]*commit.Commit)
	queue := []commit.Position{pos}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := out[cur]; ok {
			continue
		}
		c, err := g.Get(cur)
		if err != nil {
			return nil, err
		}
		out[cur] = c
		queue = append(queue, c.Parents...)
	}
	return out, nil
}

// MergeBase returns the common ancestor of a and b with the highest generation.
// Ties are broken by position so the result is deterministic.
func (g *Graph) MergeBase(a, b commit.Position) (commit.Position, error) {
	ancestorsA, err := g.Ancestors(a)
	if err != nil {
		return "", err
	}
	ancestorsB, err := g.Ancestors(b)
	if err != nil {
		return "", err
	}

	var common []commit.Position
	for pos := range ancestorsB {
		if _, ok := ancestorsA[pos]; ok {
			common = append(common, pos)
		}
	}
	if len(common) == 0 {
		return "", ErrNoCommonAncestor
	}
	sort.Slice(common, func(i, j int) bool {
		gi, gj := ancestorsB[common[i]].Generation, ancestorsB[common[j]].Generation
		if gi != gj {
			return gi > gj
		}
		return common[i] < common[j]
	})
	return common[0], nil
}

// NewestSince returns the latest CreatedAt among commits reachable from side
// but not from base. When side adds nothing over base, the side's own CreatedAt
// is returned.
func (g *Graph) NewestSince(side, base commit.Position) (time.Time, error) {
	sideAncestors, err := g.Ancestors(side)
	if err != nil {
		return time.Time{}, err
	}
	baseAncestors := map[commit.Position]*commit.Commit{}
	if base != "" {
		if baseAncestors, err = g.Ancestors(base); err != nil {
			return time.Time{}, err
		}
	}

	var newest time.Time
	for pos, c := range sideAncestors {
		if _, shared := baseAncestors[pos]; shared {
			continue
		}
		if c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
	}
	if newest.IsZero() {
		newest = sideAncestors[side].CreatedAt
	}
	return newest, nil
}

// Entry is a commit together with its position.
type Entry struct {
	Position commit.Position
	Commit   *commit.Commit
}

// FirstParentLog follows first parents from pos, newest first. A limit of zero
// or less means no limit.
func (g *Graph) FirstParentLog(pos commit.Position, limit int) ([]Entry, error) {
	var out []Entry
	cur := pos
	for cur != "" && (limit <= 0 || len(out) < limit) {
		c, err := g.Get(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Position: cur, Commit: c})
		if len(c.Parents) == 0 {
			break
		}
		cur = c.Parents[0]
	}
	return out, nil
}
