// Package guard restores the dirstate after a failed operation.
//
// New writes the current dirstate into a backup slot. Close discards the
// slot once the operation has succeeded; Release restores the dirstate
// from the slot unless Close already ran. Callers pair them like this:
//
//	g, err := guard.New(repo, "rebase")
//	if err != nil {
//	    return err
//	}
//	defer g.Release()
//	... mutate and write the dirstate ...
//	return g.Close()
//
// Do and Scope wrap the same pattern and also roll back guards that are
// left active at scope exit, including when the operation panics.
package guard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tigguard/internal/dirstate"
	guarderrors "tigguard/internal/errors"

	"go.uber.org/zap"
)

// Repository is what a guard needs from the repository it protects. The
// guard holds it without owning it.
type Repository interface {
	CurrentTransaction() dirstate.Transaction
	Backups() dirstate.Backups
}

type Status int

const (
	StatusActive Status = iota
	StatusClosed
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	case StatusReleased:
		return "released"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// sequence makes backup names unique within the process, so guards with
// the same label never share a slot.
var sequence atomic.Uint64

func backupName(label string) string {
	return fmt.Sprintf("dirstate.backup.%s.%d", label, sequence.Add(1))
}

// Guard owns one backup slot from New until Close or Release.
type Guard struct {
	repo    Repository
	tx      dirstate.Transaction // scope the slot was saved under
	name    string
	created time.Time

	logger  *zap.Logger
	metrics *metrics
	policy  AbandonPolicy

	mu     sync.Mutex
	status Status
}

// New saves the current dirstate into a fresh backup slot. Nothing is
// left behind if saving fails.
func New(repo Repository, label string, opts ...Option) (*Guard, error) {
	if repo == nil {
		return nil, fmt.Errorf("dirstate guard %q: repository is required", label)
	}

	o, m := buildOptions(opts)
	name := backupName(label)
	tx := repo.CurrentTransaction()

	if err := repo.Backups().SaveBackup(tx, name); err != nil {
		m.recordError("save")
		return nil, guarderrors.Storage("save", name, err)
	}

	g := &Guard{
		repo:    repo,
		tx:      tx,
		name:    name,
		created: time.Now(),
		logger:  o.logger.With(zap.String("backup", name)),
		metrics: m,
		policy:  o.policy,
		status:  StatusActive,
	}
	m.recordCreated()
	g.logger.Debug("dirstate backup saved", zap.String("scope", scopeID(tx)))
	return g, nil
}

func scopeID(tx dirstate.Transaction) string {
	if tx == nil {
		return ""
	}
	return tx.ID()
}

// Name is the backup slot name.
func (g *Guard) Name() string { return g.name }

func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Guard) Active() bool {
	return g.Status() == StatusActive
}

// Close commits the guarded operation by discarding the backup. The
// current dirstate is left untouched. Closing an inactive guard fails.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status != StatusActive {
		g.metrics.recordError("close")
		return guarderrors.AlreadyInactive("close", g.name)
	}

	if err := g.repo.Backups().ClearBackup(g.tx, g.name); err != nil {
		g.metrics.recordError("clear")
		return guarderrors.Storage("clear", g.name, err)
	}

	g.status = StatusClosed
	g.metrics.recordClosed()
	g.logger.Debug("dirstate guard closed", zap.Duration("held", time.Since(g.created)))
	return nil
}

// Release restores the dirstate from the backup unless the guard was
// closed, in which case it does nothing. Releasing twice fails.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.status {
	case StatusClosed:
		return nil
	case StatusReleased:
		g.metrics.recordError("release")
		return guarderrors.AlreadyInactive("release", g.name)
	}
	return g.rollback(reasonRelease)
}

// rollback restores the slot. A failed restore leaves the guard active.
// Callers hold g.mu.
func (g *Guard) rollback(reason string) error {
	if err := g.repo.Backups().RestoreBackup(g.tx, g.name); err != nil {
		g.metrics.recordError("restore")
		return guarderrors.Storage("restore", g.name, err)
	}

	g.status = StatusReleased
	g.metrics.recordRollback(reason)
	g.logger.Info("dirstate restored from backup", zap.String("reason", reason))
	return nil
}

// abandon is the scope-exit safety net: an active guard is rolled back.
func (g *Guard) abandon() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status != StatusActive {
		return nil
	}

	g.logger.Warn("dirstate guard left active, restoring backup")
	err := g.rollback(reasonAbandon)
	if err == nil {
		return nil
	}

	g.logger.Error("restoring abandoned dirstate backup failed", zap.Error(err))
	if g.policy == AbandonPanic {
		panic(err)
	}
	return err
}
