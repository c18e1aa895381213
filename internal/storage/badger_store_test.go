package storage

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*badger.DB, func()) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable logging for tests

	db, err := badger.Open(opts)
	require.NoError(t, err)

	return db, func() { db.Close() }
}

func TestBadgerStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBadgerStore(db, "dirstate")

	t.Run("Set and Get", func(t *testing.T) {
		require.NoError(t, store.Set("current", []byte("one")))

		data, err := store.Get("current")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), data)

		_, err = store.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Exists", func(t *testing.T) {
		ok, err := store.Exists("current")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Exists("nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Set("temp", []byte("x")))
		require.NoError(t, store.Delete("temp"))

		assert.ErrorIs(t, store.Delete("temp"), ErrNotFound)
	})

	t.Run("Copy", func(t *testing.T) {
		require.NoError(t, store.Set("src", []byte("snapshot")))
		require.NoError(t, store.Copy("src", "dst", nil))

		data, err := store.Get("dst")
		require.NoError(t, err)
		assert.Equal(t, []byte("snapshot"), data)

		// Destination is never overwritten
		assert.ErrorIs(t, store.Copy("src", "dst", nil), ErrExists)

		// Missing source falls back
		require.NoError(t, store.Copy("absent", "dst2", []byte("empty")))
		data, err = store.Get("dst2")
		require.NoError(t, err)
		assert.Equal(t, []byte("empty"), data)
	})

	t.Run("Move", func(t *testing.T) {
		require.NoError(t, store.Set("from", []byte("saved")))
		require.NoError(t, store.Set("to", []byte("dirty")))
		require.NoError(t, store.Move("from", "to"))

		data, err := store.Get("to")
		require.NoError(t, err)
		assert.Equal(t, []byte("saved"), data)

		ok, err := store.Exists("from")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, store.Move("from", "to"), ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, store.Set("backup/tx1/a", []byte("12")))
		require.NoError(t, store.Set("backup/tx1/b", []byte("345")))
		require.NoError(t, store.Set("backup/tx2/c", []byte("6")))

		// Another namespace sharing the db is invisible
		other := NewBadgerStore(db, "other")
		require.NoError(t, other.Set("backup/tx1/z", []byte("z")))

		entries, err := store.List("backup/tx1/")
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Key: "backup/tx1/a", Size: 2},
			{Key: "backup/tx1/b", Size: 3},
		}, entries)

		all, err := store.List("backup/")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
