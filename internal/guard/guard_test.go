package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"tigguard/internal/dirstate"
	guarderrors "tigguard/internal/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

// testRepo is a minimal Repository over a real dirstate store.
type testRepo struct {
	store   *dirstate.Store
	backups dirstate.Backups
	tx      dirstate.Transaction
}

func (r *testRepo) CurrentTransaction() dirstate.Transaction { return r.tx }
func (r *testRepo) Backups() dirstate.Backups { return r.backups }

// flakyBackups fails the configured operations and passes the rest through.
type flakyBackups struct {
	dirstate.Backups
	save, restore, clear error
	restores             int
}

func (f *flakyBackups) SaveBackup(tx dirstate.Transaction, name string) error {
	if f.save != nil {
		return f.save
	}
	return f.Backups.SaveBackup(tx, name)
}

func (f *flakyBackups) RestoreBackup(tx dirstate.Transaction, name string) error {
	f.restores++
	if f.restore != nil {
		return f.restore
	}
	return f.Backups.RestoreBackup(tx, name)
}

func (f *flakyBackups) ClearBackup(tx dirstate.Transaction, name string) error {
	if f.clear != nil {
		return f.clear
	}
	return f.Backups.ClearBackup(tx, name)
}

func setupTestRepo(t *testing.T) *testRepo {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable logging for tests

	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := dirstate.Open(db, dirstate.Options{})
	require.NoError(t, err)

	return &testRepo{store: store, backups: store}
}

func (r *testRepo) add(t *testing.T, paths ...string) {
	require.NoError(t, r.store.Update(func(s *dirstate.State) error {
		for _, p := range paths {
			if err := s.Add(p, 0644, 1); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, r.store.Write(r.tx))
}

func (r *testRepo) state(t *testing.T) *dirstate.State {
	st, err := r.store.State()
	require.NoError(t, err)
	return st
}

func (r *testRepo) slots(t *testing.T) []string {
	slots, err := r.store.Backups()
	require.NoError(t, err)
	names := make([]string, 0, len(slots))
	for _, s := range slots {
		names = append(names, s.Name)
	}
	return names
}

func newGuard(t *testing.T, repo Repository, label string, opts ...Option) *Guard {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithoutMetrics()}, opts...)
	g, err := New(repo, label, opts...)
	require.NoError(t, err)
	return g
}

func TestCloseCommits(t *testing.T) {
	repo := setupTestRepo(t)
	repo.add(t, "a.go")

	g := newGuard(t, repo, "commit")
	assert.Equal(t, StatusActive, g.Status())
	assert.Equal(t, []string{g.Name()}, repo.slots(t))

	repo.add(t, "b.go")
	before := repo.state(t)

	require.NoError(t, g.Close())
	assert.Equal(t, StatusClosed, g.Status())
	assert.True(t, before.Equal(repo.state(t)))
	assert.Empty(t, repo.slots(t))
}

func TestReleaseRollsBack(t *testing.T) {
	repo := setupTestRepo(t)
	repo.add(t, "a.go")
	s0 := repo.state(t)

	g := newGuard(t, repo, "rebase")
	repo.add(t, "b.go", "c.go")
	require.False(t, s0.Equal(repo.state(t)))

	require.NoError(t, g.Release())
	assert.Equal(t, StatusReleased, g.Status())
	assert.True(t, s0.Equal(repo.state(t)))
	assert.Empty(t, repo.slots(t))
}

func TestReleaseAfterCloseIsNoop(t *testing.T) {
	repo := setupTestRepo(t)
	g := newGuard(t, repo, "import")
	repo.add(t, "new.go")
	require.NoError(t, g.Close())
	after := repo.state(t)

	require.NoError(t, g.Release())
	assert.Equal(t, StatusClosed, g.Status())
	assert.True(t, after.Equal(repo.state(t)))
}

func TestDoubleCloseFails(t *testing.T) {
	repo := setupTestRepo(t)
	g := newGuard(t, repo, "commit")
	require.NoError(t, g.Close())

	err := g.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, guarderrors.ErrAlreadyInactive)

	var gerr *guarderrors.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, g.Name(), gerr.BackupName)
	assert.Equal(t, "can't close already inactivated backup: "+g.Name(), err.Error())
}

func TestCloseAfterReleaseFails(t *testing.T) {
	repo := setupTestRepo(t)
	g := newGuard(t, repo, "commit")
	require.NoError(t, g.Release())

	assert.ErrorIs(t, g.Close(), guarderrors.ErrAlreadyInactive)
	assert.Equal(t, StatusReleased, g.Status())
}

func TestDoubleReleaseFails(t *testing.T) {
	repo := setupTestRepo(t)
	g := newGuard(t, repo, "histedit")
	require.NoError(t, g.Release())

	repo.add(t, "later.go")
	s2 := repo.state(t)

	err := g.Release()
	assert.ErrorIs(t, err, guarderrors.ErrAlreadyInactive)
	assert.Equal(t, "can't release already inactivated backup: "+g.Name(), err.Error())
	assert.True(t, s2.Equal(repo.state(t)), "second release must not touch the dirstate")
}

func TestIndependentGuards(t *testing.T) {
	repo := setupTestRepo(t)
	repo.add(t, "base.go")
	s0 := repo.state(t)

	a := newGuard(t, repo, "foo")
	b := newGuard(t, repo, "bar")
	assert.NotEqual(t, a.Name(), b.Name())

	repo.add(t, "s1.go")

	require.NoError(t, a.Close())
	assert.Equal(t, []string{b.Name()}, repo.slots(t), "closing A must not touch B's slot")

	require.NoError(t, b.Release())
	assert.True(t, s0.Equal(repo.state(t)))
	assert.Empty(t, repo.slots(t))
}

func TestSameLabelDistinctSlots(t *testing.T) {
	repo := setupTestRepo(t)

	g1 := newGuard(t, repo, "merge")
	g2 := newGuard(t, repo, "merge")
	assert.NotEqual(t, g1.Name(), g2.Name())
	assert.Len(t, repo.slots(t), 2)

	require.NoError(t, g2.Release())
	require.NoError(t, g1.Close())
}

func TestNestedGuards(t *testing.T) {
	repo := setupTestRepo(t)
	s0 := repo.state(t)

	outer := newGuard(t, repo, "outer")
	repo.add(t, "outer.go")
	s1 := repo.state(t)

	inner := newGuard(t, repo, "inner")
	repo.add(t, "inner.go")

	require.NoError(t, inner.Release())
	assert.True(t, s1.Equal(repo.state(t)))

	require.NoError(t, outer.Release())
	assert.True(t, s0.Equal(repo.state(t)))
}

func TestTransactionScope(t *testing.T) {
	repo := setupTestRepo(t)
	repo.tx = dirstate.Scope("tx-9")

	g := newGuard(t, repo, "commit")
	slots, err := repo.store.Backups()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "tx-9", slots[0].Scope)

	// The transaction ends before the guard resolves
	repo.tx = nil
	require.NoError(t, g.Close())
	assert.Empty(t, repo.slots(t))
}

func TestStorageFailures(t *testing.T) {
	diskErr := fmt.Errorf("input/output error")

	t.Run("save", func(t *testing.T) {
		repo := setupTestRepo(t)
		repo.backups = &flakyBackups{Backups: repo.store, save: diskErr}

		g, err := New(repo, "commit", WithoutMetrics())
		assert.Nil(t, g)
		assert.ErrorIs(t, err, guarderrors.ErrStorage)
		assert.ErrorIs(t, err, diskErr)
		assert.Empty(t, repo.slots(t))
	})

	t.Run("restore keeps guard active", func(t *testing.T) {
		repo := setupTestRepo(t)
		s0 := repo.state(t)
		flaky := &flakyBackups{Backups: repo.store}
		repo.backups = flaky

		g := newGuard(t, repo, "commit")
		repo.add(t, "x.go")

		flaky.restore = diskErr
		err := g.Release()
		assert.ErrorIs(t, err, guarderrors.ErrStorage)
		assert.Equal(t, StatusActive, g.Status())

		flaky.restore = nil
		require.NoError(t, g.Release())
		assert.True(t, s0.Equal(repo.state(t)))
	})

	t.Run("clear failure then release rolls back", func(t *testing.T) {
		repo := setupTestRepo(t)
		s0 := repo.state(t)
		repo.backups = &flakyBackups{Backups: repo.store, clear: diskErr}

		g := newGuard(t, repo, "commit")
		repo.add(t, "x.go")

		assert.ErrorIs(t, g.Close(), guarderrors.ErrStorage)
		assert.True(t, g.Active())

		require.NoError(t, g.Release())
		assert.True(t, s0.Equal(repo.state(t)))
	})

	t.Run("closed store", func(t *testing.T) {
		repo := setupTestRepo(t)
		g := newGuard(t, repo, "commit")
		require.NoError(t, repo.store.Close())

		err := g.Release()
		assert.ErrorIs(t, err, guarderrors.ErrStorage)
		assert.ErrorIs(t, err, dirstate.ErrStoreClosed)
	})

	t.Run("nil repository", func(t *testing.T) {
		_, err := New(nil, "commit")
		assert.Error(t, err)
	})
}

func TestDo(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		repo := setupTestRepo(t)
		err := Do(repo, "add", func(g *Guard) error {
			repo.add(t, "a.go")
			return nil
		}, WithoutMetrics())
		require.NoError(t, err)
		assert.Equal(t, []string{"a.go"}, repo.state(t).Paths())
		assert.Empty(t, repo.slots(t))
	})

	t.Run("error releases", func(t *testing.T) {
		repo := setupTestRepo(t)
		failure := errors.New("file vanished")
		err := Do(repo, "add", func(g *Guard) error {
			repo.add(t, "a.go")
			return failure
		}, WithoutMetrics())
		assert.ErrorIs(t, err, failure)
		assert.Empty(t, repo.state(t).Entries)
		assert.Empty(t, repo.slots(t))
	})

	t.Run("fn may close itself", func(t *testing.T) {
		repo := setupTestRepo(t)
		var guard *Guard
		err := Do(repo, "add", func(g *Guard) error {
			guard = g
			repo.add(t, "a.go")
			return g.Close()
		}, WithoutMetrics())
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, guard.Status())
	})

	t.Run("panic rolls back", func(t *testing.T) {
		repo := setupTestRepo(t)
		repo.add(t, "base.go")
		s0 := repo.state(t)

		assert.PanicsWithValue(t, "unrelated cleanup failed", func() {
			_ = Do(repo, "strip", func(g *Guard) error {
				repo.add(t, "half-done.go")
				panic("unrelated cleanup failed")
			}, WithoutMetrics())
		})
		assert.True(t, s0.Equal(repo.state(t)))
		assert.Empty(t, repo.slots(t))
	})

	t.Run("failed release is not retried", func(t *testing.T) {
		repo := setupTestRepo(t)
		diskErr := errors.New("EIO")
		flaky := &flakyBackups{Backups: repo.store, restore: diskErr}
		repo.backups = flaky
		failure := errors.New("file vanished")

		var guard *Guard
		err := Do(repo, "add", func(g *Guard) error {
			guard = g
			return failure
		}, WithoutMetrics())

		assert.ErrorIs(t, err, failure)
		assert.ErrorIs(t, err, guarderrors.ErrStorage)
		assert.Equal(t, 1, flaky.restores)
		assert.Equal(t, 1, strings.Count(err.Error(), "EIO"))
		assert.Equal(t, StatusActive, guard.Status())
	})

	t.Run("failed close is rolled back at scope exit", func(t *testing.T) {
		repo := setupTestRepo(t)
		diskErr := errors.New("EIO")
		repo.backups = &flakyBackups{Backups: repo.store, clear: diskErr}

		err := Do(repo, "add", func(g *Guard) error {
			repo.add(t, "a.go")
			return nil
		}, WithoutMetrics())
		assert.ErrorIs(t, err, diskErr)
		assert.Empty(t, repo.state(t).Entries)
	})
}

func TestScope(t *testing.T) {
	t.Run("abandoned guard is restored", func(t *testing.T) {
		repo := setupTestRepo(t)
		repo.add(t, "base.go")
		s0 := repo.state(t)

		scope := NewScope(WithLogger(zaptest.NewLogger(t)), WithoutMetrics())
		g, err := scope.New(repo, "graft")
		require.NoError(t, err)
		repo.add(t, "s1.go")

		require.NoError(t, scope.Close())
		assert.Equal(t, StatusReleased, g.Status())
		assert.True(t, s0.Equal(repo.state(t)))

		// Resolved guards are left alone, closing twice is harmless
		require.NoError(t, scope.Close())
		_, err = scope.New(repo, "late")
		assert.ErrorIs(t, err, ErrScopeClosed)
	})

	t.Run("restores newest first", func(t *testing.T) {
		repo := setupTestRepo(t)
		s0 := repo.state(t)

		scope := NewScope(WithoutMetrics())
		_, err := scope.New(repo, "outer")
		require.NoError(t, err)
		repo.add(t, "outer.go")
		_, err = scope.New(repo, "inner")
		require.NoError(t, err)
		repo.add(t, "inner.go")

		require.NoError(t, scope.Close())
		assert.True(t, s0.Equal(repo.state(t)))
	})

	t.Run("closed guards are skipped", func(t *testing.T) {
		repo := setupTestRepo(t)
		scope := NewScope(WithoutMetrics())
		g, err := scope.New(repo, "commit")
		require.NoError(t, err)
		repo.add(t, "kept.go")
		require.NoError(t, g.Close())

		require.NoError(t, scope.Close())
		assert.Equal(t, []string{"kept.go"}, repo.state(t).Paths())
	})

	t.Run("failed rollback is returned", func(t *testing.T) {
		repo := setupTestRepo(t)
		diskErr := errors.New("EIO")
		repo.backups = &flakyBackups{Backups: repo.store, restore: diskErr}

		scope := NewScope(WithoutMetrics())
		g, err := scope.New(repo, "commit")
		require.NoError(t, err)

		err = scope.Close()
		assert.ErrorIs(t, err, guarderrors.ErrStorage)
		assert.ErrorIs(t, err, diskErr)
		assert.True(t, g.Active())
	})

	t.Run("failed rollback panics under panic policy", func(t *testing.T) {
		repo := setupTestRepo(t)
		repo.backups = &flakyBackups{Backups: repo.store, restore: errors.New("EIO")}

		scope := NewScope(WithoutMetrics(), WithAbandonPolicy(AbandonPanic))
		_, err := scope.New(repo, "commit")
		require.NoError(t, err)

		assert.Panics(t, func() { _ = scope.Close() })
	})
}

func TestParseAbandonPolicy(t *testing.T) {
	p, err := ParseAbandonPolicy("panic")
	require.NoError(t, err)
	assert.Equal(t, AbandonPanic, p)

	p, err = ParseAbandonPolicy("")
	require.NoError(t, err)
	assert.Equal(t, AbandonLog, p)

	_, err = ParseAbandonPolicy("ignore")
	assert.Error(t, err)
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
		points:
			for _, dp := range sum.DataPoints {
				for _, kv := range attrs {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })

	repo := setupTestRepo(t)
	opt := WithMeterProvider(mp)

	g1, err := New(repo, "a", opt)
	require.NoError(t, err)
	g2, err := New(repo, "b", opt)
	require.NoError(t, err)
	g3, err := New(repo, "c", opt)
	require.NoError(t, err)

	assert.Equal(t, int64(3), counterValue(t, reader, "dirstateguard_created_total"))
	assert.Equal(t, int64(3), counterValue(t, reader, "dirstateguard_active"))

	require.NoError(t, g1.Close())
	require.NoError(t, g2.Release())
	require.NoError(t, g3.abandon())
	assert.Error(t, g1.Close())

	assert.Equal(t, int64(1), counterValue(t, reader, "dirstateguard_closed_total"))
	assert.Equal(t, int64(1), counterValue(t, reader, "dirstateguard_rollback_total",
		attribute.String("reason", "release")))
	assert.Equal(t, int64(1), counterValue(t, reader, "dirstateguard_rollback_total",
		attribute.String("reason", "abandon")))
	assert.Equal(t, int64(1), counterValue(t, reader, "dirstateguard_errors_total",
		attribute.String("op", "close")))
	assert.Equal(t, int64(0), counterValue(t, reader, "dirstateguard_active"))
}
