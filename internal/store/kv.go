// Package store wraps the bbolt database that backs the settings log.
//
// All log state lives in four buckets. Writers go through Update, which runs the
// callback in a single bbolt transaction: blobs, commit and branch pointer either
// all become durable or none do.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/javanhut/settingsync/internal/cas"
)

// Buckets
var (
	BucketBlobs    = []byte("blobs")    // blake3 -> file content or encoded tree
	BucketCommits  = []byte("commits")  // position -> encoded commit
	BucketBranches = []byte("branches") // branch name -> position
	BucketMeta     = []byte("meta")     // log metadata
)

// ErrCommitNotFound is returned when a position has no stored commit.
var ErrCommitNotFound = errors.New("commit not found")

// DB is the log database.
type DB struct{ *bbolt.DB }

// Open opens or creates the database at path. Another process holding the
// database fails the call after one second instead of blocking.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	// Ensure buckets exist
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{BucketBlobs, BucketCommits, BucketBranches, BucketMeta} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func (db *DB) Close() error { return db.DB.Close() }

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	return db.DB.View(func(tx *bbolt.Tx) error { return fn(&Tx{tx: tx}) })
}

// Update runs fn in a read-write transaction. Returning an error rolls back
// everything fn wrote.
func (db *DB) Update(fn func(*Tx) error) error {
	return db.DB.Update(func(tx *bbolt.Tx) error { return fn(&Tx{tx: tx}) })
}

// Tx is a transaction over the log buckets. It implements cas.CAS on the blobs bucket.
type Tx struct {
	tx *bbolt.Tx
}

var _ cas.CAS = (*Tx)(nil)

// Put implements cas.CAS.Put.
func (t *Tx) Put(hash cas.Hash, data []byte) error {
	if computed := cas.SumB3(data); computed != hash {
		return fmt.Errorf("hash mismatch: expected %s, got %s", hash, computed)
	}
	b := t.tx.Bucket(BucketBlobs)
	if b.Get(hash[:]) != nil {
		return nil
	}
	return b.Put(hash[:], data)
}

// Get implements cas.CAS.Get. The returned slice is a copy.
func (t *Tx) Get(hash cas.Hash) ([]byte, error) {
	v := t.tx.Bucket(BucketBlobs).Get(hash[:])
	if v == nil {
		return nil, fmt.Errorf("%w: %s", cas.ErrNotFound, hash)
	}
	return clone(v), nil
}

// Has implements cas.CAS.Has.
func (t *Tx) Has(hash cas.Hash) (bool, error) {
	return t.tx.Bucket(BucketBlobs).Get(hash[:]) != nil, nil
}

// PutCommit stores an encoded commit under its position.
func (t *Tx) PutCommit(position string, data []byte) error {
	return t.tx.Bucket(BucketCommits).Put([]byte(position), data)
}

// GetCommit returns the encoded commit stored under position.
func (t *Tx) GetCommit(position string) ([]byte, error) {
	v := t.tx.Bucket(BucketCommits).Get([]byte(position))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, position)
	}
	return clone(v), nil
}

// HasCommit reports whether position names a stored commit.
func (t *Tx) HasCommit(position string) bool {
	return t.tx.Bucket(BucketCommits).Get([]byte(position)) != nil
}

// ForEachCommit iterates over all stored commits. data is only valid during fn.
func (t *Tx) ForEachCommit(fn func(position string, data []byte) error) error {
	return t.tx.Bucket(BucketCommits).ForEach(func(k, v []byte) error {
		return fn(string(k), v)
	})
}

// CommitCount returns the number of stored commits.
func (t *Tx) CommitCount() int {
	return t.tx.Bucket(BucketCommits).Stats().KeyN
}

// Branch returns the position a branch points to.
func (t *Tx) Branch(name string) (string, bool) {
	v := t.tx.Bucket(BucketBranches).Get([]byte(name))
	if v == nil {
		return "", false
	}
	return string(v), true
}

// SetBranch moves a branch pointer.
func (t *Tx) SetBranch(name, position string) error {
	return t.tx.Bucket(BucketBranches).Put([]byte(name), []byte(position))
}

// Meta returns a metadata value.
func (t *Tx) Meta(key string) (string, bool) {
	v := t.tx.Bucket(BucketMeta).Get([]byte(key))
	if v == nil {
		return "", false
	}
	return string(v), true
}

// SetMeta stores a metadata value.
func (t *Tx) SetMeta(key, value string) error {
	return t.tx.Bucket(BucketMeta).Put([]byte(key), []byte(value))
}

func clone(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
