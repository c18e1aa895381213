// internal/storage/badger_store.go
package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrExists   = errors.New("key already exists")
)

// BadgerStore is a namespaced key/value store. Keys are kept as
// "<prefix>:<key>" in the shared database.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{
		db:     db,
		prefix: prefix,
	}
}

func (s *BadgerStore) makeKey(key string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, key))
}

func (s *BadgerStore) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), fmt.Sprintf("%s:", s.prefix))
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (s *BadgerStore) Exists(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(s.makeKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) Set(key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.makeKey(key), data)
	})
}

func (s *BadgerStore) Delete(key string) error {
	k := s.makeKey(key)

	return s.db.Update(func(txn *badger.Txn) error {
		// Check if exists
		_, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		} else if err != nil {
			return err
		}

		return txn.Delete(k)
	})
}

// Copy duplicates src into dst in a single transaction. A missing src
// is stored as fallback; an existing dst is an error.
func (s *BadgerStore) Copy(src, dst string, fallback []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		dstKey := s.makeKey(dst)
		_, err := txn.Get(dstKey)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, dst)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data := fallback
		item, err := txn.Get(s.makeKey(src))
		switch {
		case err == nil:
			if data, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		return txn.Set(dstKey, data)
	})
}

// Move replaces dst with src and removes src, atomically.
func (s *BadgerStore) Move(src, dst string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		srcKey := s.makeKey(src)
		item, err := txn.Get(srcKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		} else if err != nil {
			return err
		}

		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set(s.makeKey(dst), data); err != nil {
			return err
		}
		return txn.Delete(srcKey)
	})
}

// Entry is a key under the store's prefix and the size of its value.
type Entry struct {
	Key  string
	Size int64
}

// List returns every key starting with prefix, in key order.
func (s *BadgerStore) List(prefix string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.makeKey(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			entries = append(entries, Entry{
				Key:  s.stripPrefix(item.KeyCopy(nil)),
				Size: item.ValueSize(),
			})
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return entries, nil
}
