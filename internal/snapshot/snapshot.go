// Package snapshot defines the unit of synchronized state: per-file states and
// the snapshots that carry them between the local replica, the log and the server.
//
// A Snapshot is normally a delta relative to the branch it is committed onto.
// Full enumerations (startup scans, the materialized master state) use the same type.
package snapshot

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Kind tags a FileState.
type Kind uint8

const (
	Modified Kind = iota + 1
	Deleted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FileState is the state of a single file under the configuration root.
type FileState struct {
	Kind    Kind
	Path    string
	Content []byte
	Size    int64
}

// NewModified returns a Modified state carrying content.
func NewModified(p string, content []byte) FileState {
	return FileState{Kind: Modified, Path: p, Content: content, Size: int64(len(content))}
}

// NewDeleted returns a Deleted state for p.
func NewDeleted(p string) FileState {
	return FileState{Kind: Deleted, Path: p}
}

// IsDeleted reports whether the state is a deletion.
func (f FileState) IsDeleted() bool { return f.Kind == Deleted }

// Equal compares two states structurally. Modified states compare content bytes.
func (f FileState) Equal(o FileState) bool {
	if f.Kind != o.Kind || f.Path != o.Path {
		return false
	}
	if f.Kind == Deleted {
		return true
	}
	return f.Size == o.Size && bytes.Equal(f.Content, o.Content)
}

// String implements fmt.Stringer.
func (f FileState) String() string {
	if f.Kind == Deleted {
		return "D " + f.Path
	}
	return fmt.Sprintf("M %s (%d bytes)", f.Path, f.Size)
}

// AppInfo identifies the replica that produced a snapshot.
type AppInfo struct {
	ApplicationID string `json:"applicationId"`
	UserName      string `json:"userName"`
	HostName      string `json:"hostName"`
	ConfigRoot    string `json:"configRoot"`
}

// MetaInfo is the snapshot header.
type MetaInfo struct {
	DateCreated time.Time `json:"dateCreated"`
	AppInfo     *AppInfo  `json:"appInfo,omitempty"`
}

// Snapshot is a set of file states with at most one state per path.
type Snapshot struct {
	Meta  MetaInfo
	files map[string]FileState
}

// New builds a snapshot. A later state for an already present path replaces the earlier one.
func New(meta MetaInfo, states ...FileState) *Snapshot {
	s := &Snapshot{Meta: meta, files: make(map[string]FileState, len(states))}
	for _, st := range states {
		s.Put(st)
	}
	return s
}

// Empty returns a snapshot without file states.
func Empty() *Snapshot {
	return New(MetaInfo{})
}

// Put adds or replaces the state for st.Path.
func (s *Snapshot) Put(st FileState) {
	if s.files == nil {
		s.files = make(map[string]FileState)
	}
	s.files[st.Path] = st
}

// Get returns the state recorded for p.
func (s *Snapshot) Get(p string) (FileState, bool) {
	if s == nil {
		return FileState{}, false
	}
	st, ok := s.files[p]
	return st, ok
}

// Remove drops any state recorded for p.
func (s *Snapshot) Remove(p string) {
	delete(s.files, p)
}

// Len returns the number of file states.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.files)
}

// IsEmpty reports whether the snapshot carries no file states.
func (s *Snapshot) IsEmpty() bool { return s.Len() == 0 }

// Paths returns the sorted paths of the snapshot.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Sorted returns the file states ordered by path.
func (s *Snapshot) Sorted() []FileState {
	paths := s.Paths()
	out := make([]FileState, 0, len(paths))
	for _, p := range paths {
		out = append(out, s.files[p])
	}
	return out
}

// Merge folds other into s. States from other win per path, and the newer
// header wins.
func (s *Snapshot) Merge(other *Snapshot) {
	if other == nil {
		return
	}
	for _, st := range other.files {
		s.Put(st)
	}
	if other.Meta.DateCreated.After(s.Meta.DateCreated) || s.Meta.DateCreated.IsZero() {
		s.Meta.DateCreated = other.Meta.DateCreated
		if other.Meta.AppInfo != nil {
			s.Meta.AppInfo = other.Meta.AppInfo
		}
	}
	if s.Meta.AppInfo == nil {
		s.Meta.AppInfo = other.Meta.AppInfo
	}
}

// Clone returns a copy sharing content slices with s.
func (s *Snapshot) Clone() *Snapshot {
	c := New(s.Meta)
	for _, st := range s.files {
		c.Put(st)
	}
	return c
}

// Equal compares file states of two snapshots, ignoring the header.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.Len() != o.Len() {
		return false
	}
	for p, st := range s.files {
		ot, ok := o.files[p]
		if !ok || !st.Equal(ot) {
			return false
		}
	}
	return true
}

// Validate checks every path and that each state is keyed by its own path.
func (s *Snapshot) Validate() error {
	for key, st := range s.files {
		if key != st.Path {
			return fmt.Errorf("state for %q is keyed as %q", st.Path, key)
		}
		if err := ValidatePath(st.Path); err != nil {
			return err
		}
		if st.Kind != Modified && st.Kind != Deleted {
			return fmt.Errorf("invalid state kind for %s: %s", st.Path, st.Kind)
		}
	}
	return nil
}

// ValidatePath rejects empty, absolute, non-clean or escaping paths.
func ValidatePath(p string) error {
	switch {
	case p == "" || p == ".":
		return fmt.Errorf("empty path")
	case strings.HasPrefix(p, "/") || strings.Contains(p, "\\"):
		return fmt.Errorf("path must be relative and slash separated: %q", p)
	case path.Clean(p) != p:
		return fmt.Errorf("path is not clean: %q", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("path escapes the root: %q", p)
	}
	return nil
}
