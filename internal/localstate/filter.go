// Package localstate reads and writes the settings files on this machine.
package localstate

import (
	"fmt"
	"path"
	"strings"
)

// TempSuffix marks files the applier is still writing.
const TempSuffix = ".settingsync-tmp"

var alwaysExcluded = []string{"*" + TempSuffix, "*.lock", "*.db", "*.db-journal"}

// Filter decides which files under the root are synced. Patterns use path.Match
// syntax. A pattern without a slash matches a base name; a pattern matching a
// directory covers everything below it.
type Filter struct {
	include []string
	exclude []string
	ignored map[string]bool
}

// NewFilter builds a filter. An empty include list includes everything.
// ignored names root relative paths (files or directories) that are never synced.
func NewFilter(include, exclude []string, ignored ...string) (*Filter, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
	}
	f := &Filter{
		include: include,
		exclude: append(append([]string{}, alwaysExcluded...), exclude...),
		ignored: make(map[string]bool, len(ignored)),
	}
	for _, p := range ignored {
		f.ignored[strings.Trim(path.Clean(p), "/")] = true
	}
	return f, nil
}

// Match reports whether the file at the slash separated relative path p is synced.
func (f *Filter) Match(p string) bool {
	if f.Excluded(p) {
		return false
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if matchAny(pattern, p) {
			return true
		}
	}
	return false
}

// Excluded reports whether p, or a directory containing it, is excluded.
func (f *Filter) Excluded(p string) bool {
	for dir := p; dir != "." && dir != ""; dir = path.Dir(dir) {
		if f.ignored[dir] {
			return true
		}
	}
	for _, pattern := range f.exclude {
		if matchAny(pattern, p) {
			return true
		}
	}
	return false
}

// matchAny matches pattern against p and each of its parent directories.
func matchAny(pattern, p string) bool {
	byBase := !strings.Contains(pattern, "/")
	for cur := p; cur != "." && cur != "" && cur != "/"; cur = path.Dir(cur) {
		target := cur
		if byBase {
			target = path.Base(cur)
		}
		if ok, _ := path.Match(pattern, target); ok {
			return true
		}
	}
	return false
}
