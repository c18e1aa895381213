// Package transaction tracks the repository's running transaction. Nested
// Begin calls join the running transaction; the outermost Close commits it.
package transaction

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotRunning = errors.New("transaction not running")
)

// Manager hands out transactions for one repository.
type Manager struct {
	mu      sync.Mutex
	current *Transaction
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Begin starts a transaction, or nests into the running one.
func (m *Manager) Begin(desc string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tr := m.current; tr != nil && tr.running() {
		tr.count++
		tr.usages++
		m.logger.Debug("nesting transaction",
			zap.String("id", tr.id),
			zap.String("desc", desc),
			zap.Int("depth", tr.count))
		return tr, nil
	}

	tr := &Transaction{
		id:      uuid.New().String(),
		desc:    desc,
		started: time.Now(),
		count:   1,
		usages:  1,
		m:       m,
	}
	m.current = tr
	m.logger.Debug("transaction started", zap.String("id", tr.id), zap.String("desc", desc))
	return tr, nil
}

// Current returns the running transaction or nil.
func (m *Manager) Current() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || !m.current.running() {
		return nil
	}
	return m.current
}

// Transaction is a unit of repository mutation. Every Begin must be paired
// with a Release; Close marks one level as successful.
type Transaction struct {
	id      string
	desc    string
	started time.Time

	count  int // nesting levels not yet closed
	usages int // Begin calls not yet released

	finalizers []func() error
	aborts     []func()
	aborted    bool

	m *Manager
}

// ID is empty for a nil transaction.
func (t *Transaction) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

func (t *Transaction) Desc() string { return t.desc }

func (t *Transaction) Started() time.Time { return t.started }

func (t *Transaction) running() bool {
	return t.count > 0 && !t.aborted
}

// Running reports whether the transaction can still be closed.
func (t *Transaction) Running() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.running()
}

// AddFinalizer registers fn to run when the outermost level closes.
func (t *Transaction) AddFinalizer(fn func() error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.finalizers = append(t.finalizers, fn)
}

// AddAbort registers fn to run if the transaction aborts.
func (t *Transaction) AddAbort(fn func()) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.aborts = append(t.aborts, fn)
}

// Close commits one nesting level. Finalizers run once every level is
// closed; a failing finalizer aborts the transaction.
func (t *Transaction) Close() error {
	t.m.mu.Lock()
	if !t.running() {
		t.m.mu.Unlock()
		return fmt.Errorf("closing %s: %w", t.desc, ErrNotRunning)
	}

	t.count--
	if t.count > 0 {
		t.m.mu.Unlock()
		return nil
	}
	finalizers := t.finalizers
	t.finalizers = nil
	t.m.mu.Unlock()

	for _, fn := range finalizers {
		if err := fn(); err != nil {
			t.abort()
			return fmt.Errorf("finalizing %s: %w", t.desc, err)
		}
	}

	t.m.mu.Lock()
	if t.m.current == t {
		t.m.current = nil
	}
	t.m.mu.Unlock()

	t.m.logger.Debug("transaction closed",
		zap.String("id", t.id),
		zap.Duration("duration", time.Since(t.started)))
	return nil
}

// Release ends one Begin. When the last user releases a transaction that
// was never fully closed, it aborts. Safe to defer unconditionally.
func (t *Transaction) Release() {
	t.m.mu.Lock()
	if t.usages == 0 {
		t.m.mu.Unlock()
		return
	}
	t.usages--
	pending := t.usages == 0 && t.running()
	t.m.mu.Unlock()

	if pending {
		t.abort()
	}
}

func (t *Transaction) abort() {
	t.m.mu.Lock()
	if t.aborted {
		t.m.mu.Unlock()
		return
	}
	t.aborted = true
	aborts := t.aborts
	t.aborts = nil
	if t.m.current == t {
		t.m.current = nil
	}
	t.m.mu.Unlock()

	// Undo in reverse registration order
	for i := len(aborts) - 1; i >= 0; i-- {
		aborts[i]()
	}

	t.m.logger.Warn("transaction aborted", zap.String("id", t.id), zap.String("desc", t.desc))
}
