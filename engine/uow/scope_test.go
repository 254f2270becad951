package uow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/compozy/unitofwork/engine/uow/uowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderCreated uow.EventKind = "order.created"

type orderCreatedEvent struct {
	ID int `json:"id"`
}

func (orderCreatedEvent) Kind() uow.EventKind { return orderCreated }

type fixture struct {
	manager  *uow.Manager
	orders   *uowtest.SpyFactory
	audit    *uowtest.SpyFactory
	producer *uowtest.RecordingProducer
	journal  *uowtest.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		manager:  uow.NewManager(),
		orders:   uowtest.NewSpyFactory(orderStore),
		audit:    uowtest.NewSpyFactory("audit"),
		producer: uowtest.NewRecordingProducer("recorder"),
		journal:  &uowtest.Journal{},
	}
	f.orders.Journal = f.journal
	f.audit.Journal = f.journal
	require.NoError(t, f.manager.RegisterStore(orderStore, f.orders.Factory()))
	require.NoError(t, f.manager.RegisterStore("audit", f.audit.Factory()))
	require.NoError(t, f.manager.RegisterProducer(orderCreated, f.producer))
	require.NoError(t, f.manager.RegisterProducer("order.paid", f.producer))
	return f
}

func TestManager_EndToEnd(t *testing.T) {
	t.Run("Should persist once, deliver once and release the transaction", func(t *testing.T) {
		f := newFixture(t)
		second := uowtest.NewRecordingProducer("second")
		require.NoError(t, f.manager.RegisterProducer(orderCreated, second))

		ctx, scope, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		txID := scope.ID()
		h, err := f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		id, ok := h.Tx().ID()
		require.True(t, ok)
		assert.Equal(t, txID, id)
		require.NoError(t, f.manager.Track(ctx, orderCreatedEvent{ID: 42}))

		require.NoError(t, scope.Commit(ctx))

		store := f.orders.Stores()[0]
		assert.Equal(t, 1, store.Persists())
		for _, p := range []*uowtest.RecordingProducer{f.producer, second} {
			require.Len(t, p.Events(), 1)
			assert.Equal(t, orderCreatedEvent{ID: 42}, p.Events()[0])
		}
		assert.Empty(t, f.manager.Stores().Query(uow.InTransaction(txID)))
		assert.Equal(t, uow.StateCommitted, scope.State())
		assert.Nil(t, f.manager.Current(ctx))
	})
}

func TestManager_Begin(t *testing.T) {
	t.Run("Should share the transaction with a joined child", func(t *testing.T) {
		f := newFixture(t)
		ctx, parent, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		childCtx, child, err := f.manager.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		assert.Equal(t, parent.ID(), child.ID())
		assert.False(t, child.IsRoot())
		assert.Same(t, parent, child.Parent())
		assert.Same(t, child, f.manager.Current(childCtx))

		parentHandle, err := f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		childHandle, err := f.manager.GetStore(childCtx, orderStore)
		require.NoError(t, err)
		assert.Same(t, parentHandle, childHandle)
	})

	t.Run("Should isolate a child from its parent", func(t *testing.T) {
		f := newFixture(t)
		ctx, parent, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		childCtx, child, err := f.manager.Begin(ctx, uow.ModeIsolate)
		require.NoError(t, err)
		assert.NotEqual(t, parent.ID(), child.ID())
		assert.True(t, child.IsRoot())

		parentHandle, err := f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		childHandle, err := f.manager.GetStore(childCtx, orderStore)
		require.NoError(t, err)
		assert.NotSame(t, parentHandle, childHandle)

		require.NoError(t, child.Commit(childCtx))
		assert.Same(t, parent, f.manager.Current(childCtx))
		assert.Len(t, f.manager.Stores().Handles(parent.ID()), 1)
	})

	t.Run("Should use the default mode when none is given", func(t *testing.T) {
		m := uow.NewManager(uow.WithDefaultMode(uow.ModeIsolate))
		ctx, parent, err := m.Begin(t.Context(), "")
		require.NoError(t, err)
		_, child, err := m.Begin(ctx, "")
		require.NoError(t, err)
		assert.NotEqual(t, parent.ID(), child.ID())
	})

	t.Run("Should reject unknown modes", func(t *testing.T) {
		_, _, err := uow.NewManager().Begin(t.Context(), uow.Mode("nested"))
		assert.ErrorIs(t, err, uow.ErrScopeMisuse)
		assert.ErrorIs(t, err, uow.ErrInvalidMode)
	})

	t.Run("Should keep concurrent call chains apart", func(t *testing.T) {
		m := uow.NewManager()
		var wg sync.WaitGroup
		ids := make([]core.ID, 16)
		for i := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, s, err := m.Begin(t.Context(), uow.ModeJoin)
				if !assert.NoError(t, err) {
					return
				}
				assert.Same(t, s, m.Current(ctx))
				ids[i] = s.ID()
				assert.NoError(t, s.Commit(ctx))
			}()
		}
		wg.Wait()
		seen := make(map[core.ID]bool)
		for _, id := range ids {
			assert.False(t, seen[id], "transaction id reused across call chains")
			seen[id] = true
		}
		assert.Nil(t, m.Current(t.Context()))
	})
}

func TestScope_Commit(t *testing.T) {
	t.Run("Should defer persistence and flush to the outermost scope", func(t *testing.T) {
		f := newFixture(t)
		ctx, parent, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		childCtx, child, err := f.manager.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.manager.GetStore(childCtx, orderStore)
		require.NoError(t, err)
		require.NoError(t, f.manager.Track(childCtx, orderCreatedEvent{ID: 1}))

		require.NoError(t, child.Commit(childCtx))
		assert.Equal(t, 0, f.orders.Stores()[0].Persists())
		assert.Empty(t, f.producer.Events())
		assert.Equal(t, 1, f.manager.Tracker().Pending(parent.ID()))
		assert.Same(t, parent, f.manager.Current(childCtx))

		require.NoError(t, parent.Commit(ctx))
		assert.Equal(t, 1, f.orders.Stores()[0].Persists())
		assert.Len(t, f.producer.Events(), 1)
	})

	t.Run("Should persist handles in registration order", func(t *testing.T) {
		f := newFixture(t)
		err := f.manager.Execute(t.Context(), uow.ModeJoin, func(ctx context.Context) error {
			if _, err := f.manager.GetStore(ctx, "audit"); err != nil {
				return err
			}
			_, err := f.manager.GetStore(ctx, orderStore)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"persist:audit", "persist:orders", "dispose:audit", "dispose:orders"}, f.journal.Entries())
	})

	t.Run("Should deliver events of one transaction in tracking order", func(t *testing.T) {
		f := newFixture(t)
		err := f.manager.Execute(t.Context(), uow.ModeJoin, func(ctx context.Context) error {
			if err := f.manager.Track(ctx, orderCreatedEvent{ID: 1}); err != nil {
				return err
			}
			return f.manager.Track(ctx, uowtest.Event{EventKind: "order.paid"})
		})
		require.NoError(t, err)
		got := f.producer.Events()
		require.Len(t, got, 2)
		assert.Equal(t, orderCreated, got[0].Kind())
		assert.Equal(t, uow.EventKind("order.paid"), got[1].Kind())
	})

	t.Run("Should abort the transaction when a store fails to persist", func(t *testing.T) {
		f := newFixture(t)
		f.orders.PersistErr = errors.New("disk full")
		ctx, scope, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		_, err = f.manager.GetStore(ctx, "audit")
		require.NoError(t, err)
		require.NoError(t, f.manager.Track(ctx, orderCreatedEvent{ID: 7}))

		err = scope.Commit(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, uow.ErrPersistence)
		assert.ErrorContains(t, err, "disk full")
		assert.Zero(t, f.producer.Calls())
		assert.Zero(t, f.audit.Stores()[0].Persists(), "stores after the failing one must not persist")
		assert.Equal(t, 1, f.audit.Stores()[0].Disposes())
		assert.Empty(t, f.manager.Stores().Query(uow.InTransaction(scope.ID())))
		assert.Zero(t, f.manager.Tracker().Pending(scope.ID()))
		assert.Equal(t, uow.StateRolledBack, scope.State())
	})

	t.Run("Should report delivery failures without undoing the commit", func(t *testing.T) {
		f := newFixture(t)
		f.producer.Err = errors.New("broker down")
		ctx, scope, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		require.NoError(t, f.manager.Track(ctx, orderCreatedEvent{ID: 9}))

		err = scope.Commit(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, uow.ErrDelivery)
		assert.NotErrorIs(t, err, uow.ErrPersistence)
		assert.Equal(t, uow.StateCommitted, scope.State())
		assert.Equal(t, 1, f.orders.Stores()[0].Persists())
		assert.Empty(t, f.manager.Stores().Handles(scope.ID()))
	})

	t.Run("Should reject a second commit", func(t *testing.T) {
		f := newFixture(t)
		ctx, scope, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		require.NoError(t, scope.Commit(ctx))
		err = scope.Commit(ctx)
		assert.ErrorIs(t, err, uow.ErrScopeMisuse)
		assert.ErrorIs(t, err, uow.ErrScopeCompleted)
	})

	t.Run("Should reject committing a joined scope after its root completed", func(t *testing.T) {
		f := newFixture(t)
		ctx, parent, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		childCtx, child, err := f.manager.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		require.NoError(t, parent.Dispose(ctx))
		assert.ErrorIs(t, child.Commit(childCtx), uow.ErrScopeMisuse)
	})

	t.Run("Should refuse to commit while joined scopes are active", func(t *testing.T) {
		f := newFixture(t)
		ctx, parent, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		childCtx, child, err := f.manager.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		err = parent.Commit(ctx)
		assert.ErrorIs(t, err, uow.ErrActiveChildren)
		assert.True(t, parent.Active())
		require.NoError(t, child.Commit(childCtx))
		assert.NoError(t, parent.Commit(ctx))
	})

	t.Run("Should roll back when an inner scope exited without commit", func(t *testing.T) {
		f := newFixture(t)
		ctx, parent, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		childCtx, child, err := f.manager.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.manager.GetStore(childCtx, orderStore)
		require.NoError(t, err)
		require.NoError(t, f.manager.Track(childCtx, orderCreatedEvent{ID: 3}))
		require.NoError(t, child.Dispose(childCtx))
		assert.True(t, parent.RollbackOnly())

		err = parent.Commit(ctx)
		assert.ErrorIs(t, err, uow.ErrRollbackOnly)
		assert.Zero(t, f.orders.Stores()[0].Persists())
		assert.Zero(t, f.producer.Calls())
		assert.Equal(t, uow.StateRolledBack, parent.State())
	})

	t.Run("Should abort before persisting when the context is cancelled", func(t *testing.T) {
		f := newFixture(t)
		base, cancel := context.WithCancel(t.Context())
		ctx, scope, err := f.manager.Begin(base, uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		cancel()
		err = scope.Commit(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, f.orders.Stores()[0].Persists())
		assert.Equal(t, uow.StateRolledBack, scope.State())
	})

	t.Run("Should finish the commit when cancelled after persisting starts", func(t *testing.T) {
		f := newFixture(t)
		base, cancel := context.WithCancel(t.Context())
		defer cancel()
		ctx, scope, err := f.manager.Begin(base, uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		_, err = f.manager.GetStore(ctx, "audit")
		require.NoError(t, err)
		require.NoError(t, f.manager.Track(ctx, orderCreatedEvent{ID: 7}))

		var auditCtxErr error
		f.orders.Stores()[0].OnPersist = func(context.Context) { cancel() }
		f.audit.Stores()[0].OnPersist = func(ctx context.Context) { auditCtxErr = ctx.Err() }

		require.NoError(t, scope.Commit(ctx))
		require.ErrorIs(t, base.Err(), context.Canceled)
		assert.NoError(t, auditCtxErr)
		assert.Equal(t, 1, f.orders.Stores()[0].Persists())
		assert.Equal(t, 1, f.audit.Stores()[0].Persists())
		assert.Equal(t, []uow.Event{orderCreatedEvent{ID: 7}}, f.producer.Events())
		assert.Equal(t, uow.StateCommitted, scope.State())
	})

	t.Run("Should run post-commit hooks registered by joined scopes", func(t *testing.T) {
		f := newFixture(t)
		var ran []string
		err := f.manager.Execute(t.Context(), uow.ModeJoin, func(ctx context.Context) error {
			return f.manager.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
				f.manager.Current(ctx).OnCommitted(func(context.Context) error {
					ran = append(ran, "hook")
					return errors.New("ignored")
				})
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"hook"}, ran)
	})
}

func TestScope_Dispose(t *testing.T) {
	t.Run("Should discard handles and events without delivering", func(t *testing.T) {
		f := newFixture(t)
		ctx, scope, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.manager.GetStore(ctx, orderStore)
		require.NoError(t, err)
		require.NoError(t, f.manager.Track(ctx, orderCreatedEvent{ID: 5}))

		require.NoError(t, scope.Dispose(ctx))
		store := f.orders.Stores()[0]
		assert.Zero(t, store.Persists())
		assert.Equal(t, 1, store.Disposes())
		assert.Zero(t, f.producer.Calls())
		assert.Zero(t, f.manager.Tracker().Pending(scope.ID()))
		assert.Empty(t, f.manager.Stores().Handles(scope.ID()))
		assert.Equal(t, uow.StateRolledBack, scope.State())
		assert.ErrorIs(t, scope.Commit(ctx), uow.ErrScopeCompleted)
	})

	t.Run("Should be a no-op after commit", func(t *testing.T) {
		f := newFixture(t)
		ctx, scope, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		require.NoError(t, scope.Commit(ctx))
		require.NoError(t, scope.Dispose(ctx))
		assert.Equal(t, uow.StateCommitted, scope.State())
	})
}

func TestManager_Execute(t *testing.T) {
	t.Run("Should dispose without committing when fn fails", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("validation failed")
		var txID core.ID
		err := f.manager.Execute(t.Context(), uow.ModeJoin, func(ctx context.Context) error {
			txID = f.manager.Current(ctx).ID()
			if _, err := f.manager.GetStore(ctx, orderStore); err != nil {
				return err
			}
			if err := f.manager.Track(ctx, orderCreatedEvent{ID: 11}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, f.orders.Stores()[0].Persists())
		assert.Zero(t, f.producer.Calls())
		assert.Empty(t, f.manager.Stores().Handles(txID))
	})

	t.Run("Should dispose when fn panics", func(t *testing.T) {
		f := newFixture(t)
		assert.Panics(t, func() {
			_ = f.manager.Execute(t.Context(), uow.ModeJoin, func(ctx context.Context) error {
				if _, err := f.manager.GetStore(ctx, orderStore); err != nil {
					return err
				}
				panic("unexpected")
			})
		})
		assert.Equal(t, 1, f.orders.Stores()[0].Disposes())
		assert.Empty(t, f.manager.Stores().Query(nil))
	})
}

func TestManager_OutsideScope(t *testing.T) {
	t.Run("Should hand out untracked handles", func(t *testing.T) {
		f := newFixture(t)
		h, err := f.manager.GetStore(t.Context(), orderStore)
		require.NoError(t, err)
		assert.False(t, h.Tx().Scoped())
		assert.Empty(t, f.manager.Stores().Query(nil))
	})

	t.Run("Should refuse to track events", func(t *testing.T) {
		f := newFixture(t)
		err := f.manager.Track(t.Context(), orderCreatedEvent{ID: 1})
		assert.ErrorIs(t, err, uow.ErrScopeMisuse)
		assert.ErrorIs(t, err, uow.ErrNoActiveScope)
	})

	t.Run("Should resolve typed stores", func(t *testing.T) {
		f := newFixture(t)
		ctx, scope, err := f.manager.Begin(t.Context(), uow.ModeJoin)
		require.NoError(t, err)
		defer scope.Dispose(ctx)
		spy, h, err := uow.GetStore[*uowtest.SpyStore](ctx, f.manager, orderStore)
		require.NoError(t, err)
		assert.Same(t, h.Store(), spy)
	})
}
