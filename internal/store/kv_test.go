package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/settingsync/internal/cas"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBlobsImplementCAS(t *testing.T) {
	db := openTestDB(t)
	data := []byte("<keymap/>")

	var h cas.Hash
	require.NoError(t, db.Update(func(tx *Tx) error {
		var err error
		h, err = cas.Store(tx, data)
		return err
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		has, err := tx.Has(h)
		require.NoError(t, err)
		assert.True(t, has)
		got, err := tx.Get(h)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		_, err = tx.Get(cas.SumB3([]byte("missing")))
		assert.True(t, errors.Is(err, cas.ErrNotFound))
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	boom := errors.New("boom")

	err := db.Update(func(tx *Tx) error {
		require.NoError(t, tx.PutCommit("p1", []byte("commit")))
		require.NoError(t, tx.SetBranch("master", "p1"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.View(func(tx *Tx) error {
		_, ok := tx.Branch("master")
		assert.False(t, ok)
		assert.False(t, tx.HasCommit("p1"))
		_, err := tx.GetCommit("p1")
		assert.True(t, errors.Is(err, ErrCommitNotFound))
		return nil
	}))
}

func TestBranchesAndMeta(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		require.NoError(t, tx.PutCommit("p1", []byte("a")))
		require.NoError(t, tx.PutCommit("p2", []byte("b")))
		require.NoError(t, tx.SetBranch("local", "p2"))
		return tx.SetMeta("remote-version", "v7")
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		pos, ok := tx.Branch("local")
		assert.True(t, ok)
		assert.Equal(t, "p2", pos)
		v, ok := tx.Meta("remote-version")
		assert.True(t, ok)
		assert.Equal(t, "v7", v)

		seen := map[string]string{}
		require.NoError(t, tx.ForEachCommit(func(p string, data []byte) error {
			seen[p] = string(data)
			return nil
		}))
		assert.Equal(t, map[string]string{"p1": "a", "p2": "b"}, seen)
		return nil
	}))
}
