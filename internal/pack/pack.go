// Package pack converts settings snapshots to and from the container stored on
// the server: a zip archive with one entry per modified file, compressed with
// zstd by default, and a JSON manifest carrying the snapshot header, content
// hashes and the list of deleted paths.
package pack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/javanhut/settingsync/internal/cas"
	"github.com/javanhut/settingsync/internal/snapshot"
)

// ErrInvalidContainer is returned when a container cannot be decoded.
var ErrInvalidContainer = errors.New("invalid settings container")

const (
	manifestName  = "metainfo.json"
	filesPrefix   = "files/"
	formatVersion = 1

	// maxEntrySize bounds a single decompressed file.
	maxEntrySize = 64 << 20
)

type CompressAlgo int

const (
	CompressZstd CompressAlgo = iota
	CompressDeflate
)

type manifest struct {
	Version     int               `json:"version"`
	DateCreated time.Time         `json:"dateCreated"`
	AppInfo     *snapshot.AppInfo `json:"appInfo,omitempty"`
	Files       []fileInfo        `json:"files"`
	Deleted     []string          `json:"deleted,omitempty"`
}

type fileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"blake3"`
}

// Codec serializes snapshots.
type Codec struct {
	algo  CompressAlgo
	level zstd.EncoderLevel
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompression selects the entry compression.
func WithCompression(algo CompressAlgo) Option {
	return func(c *Codec) { c.algo = algo }
}

// WithZstdLevel sets the zstd encoder level.
func WithZstdLevel(level zstd.EncoderLevel) Option {
	return func(c *Codec) { c.level = level }
}

// NewCodec creates a Codec. The default is zstd at zstd.SpeedDefault.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{algo: CompressZstd, level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) method() uint16 {
	if c.algo == CompressDeflate {
		return zip.Deflate
	}
	return zstd.ZipMethodWinZip
}

// Serialize writes snap as a container. Entries are sorted by path so equal
// snapshots produce equal bytes.
func (c *Codec) Serialize(snap *snapshot.Snapshot) ([]byte, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(c.level)))

	m := manifest{
		Version:     formatVersion,
		DateCreated: snap.Meta.DateCreated.UTC(),
		AppInfo:     snap.Meta.AppInfo,
		Files:       []fileInfo{},
	}
	modified := m.DateCreated
	if modified.IsZero() {
		modified = time.Unix(0, 0).UTC()
	}

	for _, st := range snap.Sorted() {
		if st.IsDeleted() {
			m.Deleted = append(m.Deleted, st.Path)
			continue
		}
		m.Files = append(m.Files, fileInfo{Path: st.Path, Size: int64(len(st.Content)), Hash: cas.SumB3(st.Content).String()})
		w, err := zw.CreateHeader(&zip.FileHeader{Name: filesPrefix + st.Path, Method: c.method(), Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("failed to create entry %s: %w", st.Path, err)
		}
		if _, err := w.Write(st.Content); err != nil {
			return nil, fmt.Errorf("failed to write entry %s: %w", st.Path, err)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: manifestName, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish container: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize reads a container produced by Serialize. Content hashes are
// verified against the manifest.
func (c *Codec) Deserialize(data []byte) (*snapshot.Snapshot, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidContainer, err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	entries := make(map[string]*zip.File, len(zr.File))
	var m *manifest
	for _, f := range zr.File {
		if f.Name == manifestName {
			raw, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			m = &manifest{}
			if err := json.Unmarshal(raw, m); err != nil {
				return nil, fmt.Errorf("%w: bad manifest: %w", ErrInvalidContainer, err)
			}
			continue
		}
		p, ok := strings.CutPrefix(f.Name, filesPrefix)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected entry %q", ErrInvalidContainer, f.Name)
		}
		if err := snapshot.ValidatePath(p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidContainer, err)
		}
		entries[p] = f
	}
	if m == nil {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidContainer, manifestName)
	}
	if m.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidContainer, m.Version)
	}
	if len(entries) != len(m.Files) {
		return nil, fmt.Errorf("%w: manifest lists %d files, archive has %d", ErrInvalidContainer, len(m.Files), len(entries))
	}

	snap := snapshot.New(snapshot.MetaInfo{DateCreated: m.DateCreated, AppInfo: m.AppInfo})
	for _, fi := range m.Files {
		f, ok := entries[fi.Path]
		if !ok {
			return nil, fmt.Errorf("%w: missing entry for %s", ErrInvalidContainer, fi.Path)
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if int64(len(content)) != fi.Size || cas.SumB3(content).String() != fi.Hash {
			return nil, fmt.Errorf("%w: content of %s does not match manifest", ErrInvalidContainer, fi.Path)
		}
		snap.Put(snapshot.NewModified(fi.Path, content))
	}
	for _, p := range m.Deleted {
		if err := snapshot.ValidatePath(p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidContainer, err)
		}
		if _, dup := snap.Get(p); dup {
			return nil, fmt.Errorf("%w: %s is both modified and deleted", ErrInvalidContainer, p)
		}
		snap.Put(snapshot.NewDeleted(p))
	}
	return snap, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrInvalidContainer, f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidContainer, f.Name, err)
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidContainer, f.Name, maxEntrySize)
	}
	return data, nil
}
