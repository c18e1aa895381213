package dirstate

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"tigguard/internal/storage"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	ErrStoreClosed    = errors.New("dirstate store closed")
	ErrBackupExists   = errors.New("dirstate backup already exists")
	ErrBackupNotFound = errors.New("dirstate backup not found")
)

const (
	currentKey   = "current"
	backupPrefix = "backup/"
	noScope      = "none"
)

// Transaction is the identity backups are scoped to. A nil Transaction
// means no transaction is running.
type Transaction interface {
	ID() string
}

// Backups is the named-slot interface the dirstate guard relies on.
type Backups interface {
	SaveBackup(tx Transaction, name string) error
	RestoreBackup(tx Transaction, name string) error
	ClearBackup(tx Transaction, name string) error
}

func scopeOf(tx Transaction) string {
	if tx == nil || tx.ID() == "" {
		return noScope
	}
	return tx.ID()
}

func backupKey(tx Transaction, name string) string {
	return backupPrefix + scopeOf(tx) + "/" + name
}

// Options configures a Store
type Options struct {
	CacheSize int // decoded states to keep, defaults to 64
	Codec     CodecOptions
	Logger    *zap.Logger
}

// Store keeps the in-memory dirstate and its persisted form. Mutations go
// through Update and reach disk on Write.
type Store struct {
	kv     *storage.BadgerStore
	codec  *codec
	cache  *lru.Cache[string, *State]
	logger *zap.Logger

	empty []byte // encoded empty state, saved when nothing is persisted yet

	mu     sync.Mutex
	state  *State // nil until loaded
	dirty  bool
	closed bool
}

var _ Backups = (*Store)(nil)

func Open(db *badger.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64
	}
	if opts.Codec == (CodecOptions{}) {
		opts.Codec = DefaultCodecOptions()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cache, err := lru.New[string, *State](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	c, err := newCodec(opts.Codec)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	empty, err := c.encode(New())
	if err != nil {
		return nil, fmt.Errorf("encoding empty dirstate: %w", err)
	}

	return &Store{
		kv:     storage.NewBadgerStore(db, "dirstate"),
		codec:  c,
		cache:  cache,
		logger: opts.Logger,
		empty:  empty,
	}, nil
}

// read decodes the state under key. The returned pointer is shared with
// the cache and must not be modified.
func (s *Store) read(key string) (*State, error) {
	if st, ok := s.cache.Get(key); ok {
		return st, nil
	}

	data, err := s.kv.Get(key)
	if err != nil {
		return nil, err
	}
	st, err := s.codec.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	s.cache.Add(key, st)
	return st, nil
}

func (s *Store) load() (*State, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.state != nil {
		return s.state, nil
	}

	st, err := s.read(currentKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.state = New()
	case err != nil:
		return nil, fmt.Errorf("loading dirstate: %w", err)
	default:
		s.state = st.Clone()
	}
	return s.state, nil
}

// State returns a copy of the current in-memory dirstate.
func (s *Store) State() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Update applies fn to a copy of the dirstate and keeps the result only
// if fn succeeds.
func (s *Store) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}

	next := st.Clone()
	if err := fn(next); err != nil {
		return err
	}

	s.state = next
	s.dirty = true
	return nil
}

// Write persists pending in-memory changes.
func (s *Store) Write(tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.flush(tx)
}

func (s *Store) flush(tx Transaction) error {
	if !s.dirty {
		return nil
	}

	data, err := s.codec.encode(s.state)
	if err != nil {
		return err
	}
	if err := s.kv.Set(currentKey, data); err != nil {
		return fmt.Errorf("writing dirstate: %w", err)
	}

	s.cache.Add(currentKey, s.state.Clone())
	s.dirty = false

	s.logger.Debug("dirstate written",
		zap.String("scope", scopeOf(tx)),
		zap.Int("entries", len(s.state.Entries)),
		zap.Int("bytes", len(data)))
	return nil
}

// Invalidate drops the in-memory dirstate, discarding unwritten changes.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = nil
	s.dirty = false
}

// SaveBackup writes out pending changes and copies the persisted
// dirstate into the named slot.
func (s *Store) SaveBackup(tx Transaction, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := s.flush(tx); err != nil {
		return fmt.Errorf("saving backup %s: %w", name, err)
	}

	key := backupKey(tx, name)
	if err := s.kv.Copy(currentKey, key, s.empty); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return fmt.Errorf("%w: %s", ErrBackupExists, key)
		}
		return fmt.Errorf("saving backup %s: %w", name, err)
	}

	s.logger.Debug("dirstate backup saved", zap.String("key", key))
	return nil
}

// RestoreBackup replaces the persisted dirstate with the named slot,
// consuming the slot, and drops the in-memory copy.
func (s *Store) RestoreBackup(tx Transaction, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	key := backupKey(tx, name)
	if err := s.kv.Move(key, currentKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, key)
		}
		return fmt.Errorf("restoring backup %s: %w", name, err)
	}

	s.cache.Remove(currentKey)
	s.cache.Remove(key)
	s.state = nil
	s.dirty = false

	s.logger.Debug("dirstate backup restored", zap.String("key", key))
	return nil
}

// ClearBackup discards the named slot.
func (s *Store) ClearBackup(tx Transaction, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	key := backupKey(tx, name)
	if err := s.kv.Delete(key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, key)
		}
		return fmt.Errorf("clearing backup %s: %w", name, err)
	}

	s.cache.Remove(key)
	s.logger.Debug("dirstate backup cleared", zap.String("key", key))
	return nil
}

// Slot describes a persisted backup.
type Slot struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// Transaction returns the scope the slot was saved under.
func (sl Slot) Transaction() Transaction {
	if sl.Scope == noScope {
		return nil
	}
	return Scope(sl.Scope)
}

// Ref is the slot's unique address, <scope>/<name>. Names alone repeat
// across processes.
func (sl Slot) Ref() string {
	return sl.Scope + "/" + sl.Name
}

// Scope is a bare transaction identity, for addressing slots whose
// transaction is no longer running.
type Scope string

func (s Scope) ID() string { return string(s) }

// Backups lists every backup slot in the store.
func (s *Store) Backups() ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := s.kv.List(backupPrefix)
	if err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, len(entries))
	for _, e := range entries {
		scope, name, ok := strings.Cut(strings.TrimPrefix(e.Key, backupPrefix), "/")
		if !ok {
			continue
		}
		slots = append(slots, Slot{Scope: scope, Name: name, Size: e.Size})
	}
	return slots, nil
}

// Snapshot decodes the named slot without consuming it.
func (s *Store) Snapshot(tx Transaction, name string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	st, err := s.read(backupKey(tx, name))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Close makes every further call fail with ErrStoreClosed. Unwritten
// changes are discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.state = nil
	s.dirty = false
	s.cache.Purge()
	return nil
}
