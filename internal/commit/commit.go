// Package commit implements the immutable commit and tree objects of the settings log.
//
// This package provides:
// - Commit objects that reference a tree and their parent commits
// - Flat trees mapping every tracked path to a blob or a tombstone
// - Canonical text encodings; a commit's Position is the BLAKE3 of its encoding
//
// Structure:
// - Commit: metadata + tree hash + parent positions + applied changes
// - Tree: sorted entries, stored as a blob in the CAS
package commit

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/javanhut/settingsync/internal/cas"
	"github.com/javanhut/settingsync/internal/snapshot"
)

// Position names a commit. It is the hex BLAKE3 hash of the commit encoding.
type Position string

// Short returns an abbreviated position for display.
func (p Position) Short() string {
	if len(p) > 12 {
		return string(p[:12])
	}
	return string(p)
}

// Commit represents an entry of the settings log.
type Commit struct {
	TreeHash   cas.Hash          // Hash of the tree object
	Parents    []Position        // Parent commits, first parent is the branch the commit was made on
	Generation uint64            // 1 + max parent generation
	CreatedAt  time.Time         // Original edit time
	WrittenAt  time.Time         // When the commit was written to this log
	App        *snapshot.AppInfo // Replica that produced the change
	Changes    []Entry           // The diff that was applied
	Message    string
}

// Position computes the commit's position.
func (c *Commit) Position() Position {
	return Position(cas.SumB3(c.Encode()).String())
}

// IsMerge reports whether the commit has more than one parent.
func (c *Commit) IsMerge() bool { return len(c.Parents) > 1 }

// Encode creates the canonical encoding for a commit object.
func (c *Commit) Encode() []byte {
	var buf bytes.Buffer

	buf.WriteString("tree ")
	buf.WriteString(c.TreeHash.String())
	buf.WriteByte('\n')

	for _, parent := range c.Parents {
		buf.WriteString("parent ")
		buf.WriteString(string(parent))
		buf.WriteByte('\n')
	}

	fmt.Fprintf(&buf, "generation %d\n", c.Generation)
	fmt.Fprintf(&buf, "created %d\n", unixNano(c.CreatedAt))
	fmt.Fprintf(&buf, "written %d\n", unixNano(c.WrittenAt))

	if c.App != nil {
		fmt.Fprintf(&buf, "app %s %s %s %s\n",
			strconv.Quote(c.App.ApplicationID),
			strconv.Quote(c.App.UserName),
			strconv.Quote(c.App.HostName),
			strconv.Quote(c.App.ConfigRoot))
	}

	for _, ch := range c.Changes {
		buf.WriteString("change ")
		buf.WriteString(ch.encode())
		buf.WriteByte('\n')
	}

	// Empty line before message
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	if !strings.HasSuffix(c.Message, "\n") {
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

// Decode parses a commit encoding.
func Decode(data []byte) (*Commit, error) {
	c := &Commit{}
	header, message, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("invalid commit: missing message separator")
	}
	c.Message = strings.TrimSuffix(string(message), "\n")

	sc := bufio.NewScanner(bytes.NewReader(header))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		key, value, _ := strings.Cut(sc.Text(), " ")
		switch key {
		case "tree":
			h, err := cas.ParseHash(value)
			if err != nil {
				return nil, fmt.Errorf("invalid tree hash: %w", err)
			}
			c.TreeHash = h
		case "parent":
			c.Parents = append(c.Parents, Position(value))
		case "generation":
			g, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid generation: %w", err)
			}
			c.Generation = g
		case "created", "written":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s timestamp: %w", key, err)
			}
			var ts time.Time
			if n != 0 {
				ts = time.Unix(0, n).UTC()
			}
			if key == "created" {
				c.CreatedAt = ts
			} else {
				c.WrittenAt = ts
			}
		case "app":
			fields, err := unquoteFields(value, 4)
			if err != nil {
				return nil, fmt.Errorf("invalid app line: %w", err)
			}
			c.App = &snapshot.AppInfo{
				ApplicationID: fields[0],
				UserName:      fields[1],
				HostName:      fields[2],
				ConfigRoot:    fields[3],
			}
		case "change":
			e, err := decodeEntry(value)
			if err != nil {
				return nil, fmt.Errorf("invalid change: %w", err)
			}
			c.Changes = append(c.Changes, e)
		default:
			return nil, fmt.Errorf("unknown commit header %q", key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if c.Generation == 0 {
		return nil, fmt.Errorf("invalid commit: missing generation")
	}
	return c, nil
}

func unquoteFields(s string, n int) ([]string, error) {
	out := make([]string, 0, n)
	rest := s
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " ")
		q, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return nil, err
		}
		v, err := strconv.Unquote(q)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		rest = rest[len(q):]
	}
	if strings.TrimSpace(rest) != "" {
		return nil, fmt.Errorf("trailing data %q", rest)
	}
	return out, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
