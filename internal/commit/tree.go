package commit

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/javanhut/settingsync/internal/cas"
	"github.com/javanhut/settingsync/internal/snapshot"
)

// Entry is the tracked state of one path. A deleted entry is a tombstone.
type Entry struct {
	Path    string
	Hash    cas.Hash
	Size    int64
	Deleted bool
}

// Equal compares the tracked state, content by hash.
func (e Entry) Equal(o Entry) bool {
	if e.Path != o.Path || e.Deleted != o.Deleted {
		return false
	}
	return e.Deleted || (e.Hash == o.Hash && e.Size == o.Size)
}

func (e Entry) encode() string {
	if e.Deleted {
		return "D " + strconv.Quote(e.Path)
	}
	return fmt.Sprintf("M %s %d %s", e.Hash, e.Size, strconv.Quote(e.Path))
}

func decodeEntry(s string) (Entry, error) {
	kind, rest, _ := strings.Cut(s, " ")
	switch kind {
	case "D":
		p, err := strconv.Unquote(rest)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid path: %w", err)
		}
		return Entry{Path: p, Deleted: true}, nil
	case "M":
		hashStr, rest, _ := strings.Cut(rest, " ")
		sizeStr, quoted, _ := strings.Cut(rest, " ")
		h, err := cas.ParseHash(hashStr)
		if err != nil {
			return Entry{}, err
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid size: %w", err)
		}
		p, err := strconv.Unquote(quoted)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid path: %w", err)
		}
		return Entry{Path: p, Hash: h, Size: size}, nil
	default:
		return Entry{}, fmt.Errorf("unknown entry kind %q", kind)
	}
}

// Tree maps every tracked path to its entry.
type Tree map[string]Entry

// Paths returns the tracked paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Live reports whether path exists (tracked and not deleted) in the tree.
func (t Tree) Live(path string) bool {
	e, ok := t[path]
	return ok && !e.Deleted
}

// LiveCount returns the number of live files.
func (t Tree) LiveCount() int {
	n := 0
	for _, e := range t {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Equal compares two trees entry by entry.
func (t Tree) Equal(o Tree) bool {
	if len(t) != len(o) {
		return false
	}
	for p, e := range t {
		oe, ok := o[p]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of the tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for p, e := range t {
		out[p] = e
	}
	return out
}

// Encode creates the canonical encoding for a tree, one sorted entry per line.
func (t Tree) Encode() []byte {
	var buf bytes.Buffer
	for _, p := range t.Paths() {
		buf.WriteString(t[p].encode())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// DecodeTree parses a tree encoding.
func DecodeTree(data []byte) (Tree, error) {
	t := make(Tree)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		e, err := decodeEntry(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("invalid tree entry: %w", err)
		}
		t[e.Path] = e
	}
	return t, sc.Err()
}

// WriteTree stores the tree encoding in c.
func WriteTree(c cas.CAS, t Tree) (cas.Hash, error) {
	h, err := cas.Store(c, t.Encode())
	if err != nil {
		return h, fmt.Errorf("failed to store tree: %w", err)
	}
	return h, nil
}

// ReadTree loads a tree from c.
func ReadTree(c cas.CAS, h cas.Hash) (Tree, error) {
	data, err := c.Get(h)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree object: %w", err)
	}
	return DecodeTree(data)
}

// Apply returns the tree that results from applying snap on top of t, storing
// Modified contents in c. Only entries that actually change the tree are
// returned as changes.
func Apply(c cas.CAS, t Tree, snap *snapshot.Snapshot) (Tree, []Entry, error) {
	next := t.Clone()
	var changes []Entry
	for _, st := range snap.Sorted() {
		var e Entry
		if st.IsDeleted() {
			e = Entry{Path: st.Path, Deleted: true}
		} else {
			h, err := cas.Store(c, st.Content)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to store %s: %w", st.Path, err)
			}
			e = Entry{Path: st.Path, Hash: h, Size: int64(len(st.Content))}
		}
		if old, ok := t[st.Path]; ok && old.Equal(e) {
			continue
		}
		next[st.Path] = e
		changes = append(changes, e)
	}
	return next, changes, nil
}

// Materialize turns the tree into a full-enumeration snapshot, loading file
// contents from c. Tombstones become Deleted states.
func Materialize(c cas.CAS, t Tree, meta snapshot.MetaInfo) (*snapshot.Snapshot, error) {
	snap := snapshot.New(meta)
	for _, p := range t.Paths() {
		e := t[p]
		if e.Deleted {
			snap.Put(snapshot.NewDeleted(p))
			continue
		}
		data, err := c.Get(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", p, err)
		}
		snap.Put(snapshot.NewModified(p, data))
	}
	return snap, nil
}

// Diff returns the states that turn tree from into tree to, loading content from c.
// Paths tracked in from but missing in to are reported as Deleted.
func Diff(c cas.CAS, from, to Tree) (*snapshot.Snapshot, error) {
	out := snapshot.New(snapshot.MetaInfo{DateCreated: time.Now().UTC()})
	for _, p := range to.Paths() {
		e := to[p]
		if old, ok := from[p]; ok && old.Equal(e) {
			continue
		}
		if e.Deleted {
			out.Put(snapshot.NewDeleted(p))
			continue
		}
		data, err := c.Get(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", p, err)
		}
		out.Put(snapshot.NewModified(p, data))
	}
	for _, p := range from.Paths() {
		if _, ok := to[p]; !ok && from.Live(p) {
			out.Put(snapshot.NewDeleted(p))
		}
	}
	return out, nil
}
