package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/compozy/unitofwork/engine/order"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), &Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return mr, r
}

func newTestManager(t *testing.T, client redis.UniversalClient) *uow.Manager {
	t.Helper()
	m := uow.NewManager()
	require.NoError(t, m.RegisterStore(StoreKind, NewFactory(client)))
	return m
}

func TestNewRedis(t *testing.T) {
	t.Run("Should require an address", func(t *testing.T) {
		_, err := NewRedis(context.Background(), &Config{})
		assert.ErrorContains(t, err, "address is required")
	})
	t.Run("Should connect through a URL", func(t *testing.T) {
		mr := miniredis.RunT(t)
		r, err := NewRedis(context.Background(), &Config{URL: "redis://" + mr.Addr() + "/0"})
		require.NoError(t, err)
		assert.NoError(t, r.HealthCheck(context.Background()))
		assert.NoError(t, r.Close(context.Background()))
		assert.NoError(t, r.Close(context.Background()))
	})
}

func TestPipelineStore(t *testing.T) {
	t.Run("Should apply queued commands only on commit", func(t *testing.T) {
		ctx := context.Background()
		mr, r := newTestRedis(t)
		m := newTestManager(t, r.Client())

		sctx, scope, err := m.Begin(ctx, uow.ModeJoin)
		require.NoError(t, err)
		s, _, err := uow.GetStore[*PipelineStore](sctx, m, StoreKind)
		require.NoError(t, err)
		require.NoError(t, s.Cmd().Set(sctx, "greeting", "hello", 0).Err())
		assert.Equal(t, 1, s.Queued())
		assert.False(t, mr.Exists("greeting"))

		require.NoError(t, scope.Commit(sctx))
		got, err := mr.Get("greeting")
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("Should discard queued commands on rollback", func(t *testing.T) {
		ctx := context.Background()
		mr, r := newTestRedis(t)
		m := newTestManager(t, r.Client())
		boom := errors.New("boom")

		err := m.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
			s, _, err := uow.GetStore[*PipelineStore](ctx, m, StoreKind)
			if err != nil {
				return err
			}
			if err := s.Cmd().Set(ctx, "greeting", "hello", 0).Err(); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, mr.Exists("greeting"))
	})

	t.Run("Should write straight through outside a scope", func(t *testing.T) {
		ctx := context.Background()
		mr, r := newTestRedis(t)
		m := newTestManager(t, r.Client())

		s, _, err := uow.GetStore[*PipelineStore](ctx, m, StoreKind)
		require.NoError(t, err)
		require.NoError(t, s.Cmd().Set(ctx, "greeting", "hi", 0).Err())
		assert.Equal(t, 0, s.Queued())
		assert.True(t, mr.Exists("greeting"))
	})

	t.Run("Should surface exec failures as persistence errors", func(t *testing.T) {
		ctx := context.Background()
		mr, r := newTestRedis(t)
		m := newTestManager(t, r.Client())

		err := m.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
			s, _, err := uow.GetStore[*PipelineStore](ctx, m, StoreKind)
			if err != nil {
				return err
			}
			mr.SetError("ERR injected failure")
			return s.Cmd().Set(ctx, "greeting", "hello", 0).Err()
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, uow.ErrPersistence)
	})
}

func TestOrderIndex(t *testing.T) {
	t.Run("Should project orders once the scope commits", func(t *testing.T) {
		ctx := context.Background()
		_, r := newTestRedis(t)
		m := newTestManager(t, r.Client())
		idx := NewOrderIndex(m)
		o := &order.Order{ID: "o-1", Customer: "ada", AmountCents: 500, Status: order.StatusPending}

		err := m.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
			if err := idx.Record(ctx, o); err != nil {
				return err
			}
			n, err := idx.Count(ctx, "ada")
			require.NoError(t, err)
			assert.Zero(t, n)
			return nil
		})
		require.NoError(t, err)

		n, err := idx.Count(ctx, "ada")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		status, err := idx.Status(ctx, o)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, status)
	})
}
