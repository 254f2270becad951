package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/compozy/unitofwork/engine/order"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/compozy/unitofwork/engine/uow/uowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *Store
	manager  *uow.Manager
	repo     *OrderRepo
	service  *order.Service
	producer *uowtest.RecordingProducer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newTestStore(t)
	m := uow.NewManager()
	require.NoError(t, m.RegisterStore(StoreKind, NewFactory(s.DB())))
	producer := uowtest.NewRecordingProducer("recorder")
	for _, kind := range []uow.EventKind{order.EventCreated, order.EventPaid, order.EventCancelled} {
		require.NoError(t, m.RegisterProducer(kind, producer))
	}
	repo := NewOrderRepo(m)
	return &fixture{store: s, manager: m, repo: repo, service: order.NewService(m, repo), producer: producer}
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().QueryRow("SELECT COUNT(*) FROM orders").Scan(&n))
	return n
}

func TestOrderRepo_UnitOfWork(t *testing.T) {
	t.Run("Should make writes visible only after commit", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)

		sctx, scope, err := f.manager.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		_, err = f.service.Place(sctx, "ada", 1200)
		require.NoError(t, err)
		assert.Equal(t, 0, f.count(t))
		assert.Empty(t, f.producer.Events())

		require.NoError(t, scope.Commit(sctx))
		assert.Equal(t, 1, f.count(t))
		require.Len(t, f.producer.Events(), 1)
	})

	t.Run("Should discard writes and events on rollback", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		boom := errors.New("boom")

		err := f.manager.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
			if _, err := f.service.Place(ctx, "ada", 1200); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, f.count(t))
		assert.Empty(t, f.producer.Events())
	})

	t.Run("Should read uncommitted writes inside the same scope", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)

		err := f.manager.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
			o, err := f.service.Place(ctx, "ada", 1200)
			if err != nil {
				return err
			}
			paid, err := f.service.Pay(ctx, o.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, order.StatusPaid, paid.Status)
			return nil
		})
		require.NoError(t, err)

		events := f.producer.Events()
		require.Len(t, events, 2)
		assert.Equal(t, order.EventCreated, events[0].Kind())
		assert.Equal(t, order.EventPaid, events[1].Kind())
	})

	t.Run("Should write directly outside a scope", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		o := &order.Order{ID: "o-1", Customer: "ada", AmountCents: 10, Status: order.StatusPending}
		require.NoError(t, f.repo.Save(ctx, o))
		assert.Equal(t, 1, f.count(t))

		got, err := f.repo.Get(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, o.Customer, got.Customer)
	})

	t.Run("Should map missing rows to ErrNotFound", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.repo.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("Should reject invalid transitions without writing", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		o, err := f.service.Place(ctx, "ada", 1200)
		require.NoError(t, err)
		_, err = f.service.Cancel(ctx, o.ID, "changed mind")
		require.NoError(t, err)

		_, err = f.service.Pay(ctx, o.ID)
		assert.ErrorIs(t, err, order.ErrInvalidStatus)
		got, err := f.repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, got.Status)
	})

	t.Run("Should serialize concurrent scopes", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.service.Place(ctx, fmt.Sprintf("customer-%d", i), int64(100+i))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, n, f.count(t))
		assert.Len(t, f.producer.Events(), n)
	})

	t.Run("Should list orders of one customer in creation order", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		first, err := f.service.Place(ctx, "ada", 100)
		require.NoError(t, err)
		second, err := f.service.Place(ctx, "ada", 200)
		require.NoError(t, err)
		_, err = f.service.Place(ctx, "bob", 300)
		require.NoError(t, err)

		orders, err := f.repo.List(ctx, "ada")
		require.NoError(t, err)
		require.Len(t, orders, 2)
		assert.Equal(t, first.ID, orders[0].ID)
		assert.Equal(t, second.ID, orders[1].ID)
	})
}

func TestTxFrom(t *testing.T) {
	t.Run("Should expose the transaction of scoped handles only", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		h, err := f.manager.GetStore(ctx, StoreKind)
		require.NoError(t, err)
		_, ok := TxFrom(h)
		assert.False(t, ok)

		err = f.manager.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
			h, err := f.manager.GetStore(ctx, StoreKind)
			if err != nil {
				return err
			}
			tx, ok := TxFrom(h)
			assert.True(t, ok)
			assert.NotNil(t, tx)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestFactory_ConnectionWait(t *testing.T) {
	newMemoryManager := func(t *testing.T, factory func(*Store) uow.Factory) *uow.Manager {
		t.Helper()
		ctx := context.Background()
		s, err := NewStore(ctx, &Config{Path: ":memory:", BusyTimeout: 100 * time.Millisecond})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(ctx) })
		m := uow.NewManager()
		require.NoError(t, m.RegisterStore(StoreKind, factory(s)))
		return m
	}

	t.Run("Should fail an isolated scope that cannot get a connection", func(t *testing.T) {
		ctx := context.Background()
		m := newMemoryManager(t, func(s *Store) uow.Factory { return s.Factory() })

		octx, outer, err := m.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		_, err = m.GetStore(octx, StoreKind)
		require.NoError(t, err)

		ictx, inner, err := m.Begin(octx, uow.ModeIsolate)
		require.NoError(t, err)
		start := time.Now()
		_, err = m.GetStore(ictx, StoreKind)
		require.Error(t, err)
		assert.ErrorIs(t, err, uow.ErrPersistence)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 2*time.Second)

		require.NoError(t, inner.Dispose(ictx))
		require.NoError(t, outer.Commit(octx))
	})

	t.Run("Should stop waiting when the caller's context ends", func(t *testing.T) {
		ctx := context.Background()
		m := newMemoryManager(t, func(s *Store) uow.Factory { return NewFactory(s.DB()) })

		octx, outer, err := m.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		_, err = m.GetStore(octx, StoreKind)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(octx, 50*time.Millisecond)
		defer cancel()
		ictx, inner, err := m.Begin(waitCtx, uow.ModeIsolate)
		require.NoError(t, err)
		_, err = m.GetStore(ictx, StoreKind)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, inner.Dispose(ictx))
		require.NoError(t, outer.Dispose(octx))
	})

	t.Run("Should return the connection to the pool when the scope ends", func(t *testing.T) {
		ctx := context.Background()
		m := newMemoryManager(t, func(s *Store) uow.Factory { return s.Factory() })
		for range 3 {
			err := m.Execute(ctx, uow.ModeIsolate, func(ctx context.Context) error {
				h, err := m.GetStore(ctx, StoreKind)
				if err != nil {
					return err
				}
				s, _ := uow.StoreAs[*TxStore](h)
				_, err = s.ExecContext(ctx, "SELECT 1")
				return err
			})
			require.NoError(t, err)
		}
	})
}
