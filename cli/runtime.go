package cli

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/compozy/unitofwork/engine/infra/cache"
	"github.com/compozy/unitofwork/engine/infra/postgres"
	"github.com/compozy/unitofwork/engine/infra/pubsub"
	"github.com/compozy/unitofwork/engine/infra/sqlite"
	"github.com/compozy/unitofwork/engine/infra/stream"
	"github.com/compozy/unitofwork/engine/order"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/compozy/unitofwork/pkg/config"
	"github.com/compozy/unitofwork/pkg/logger"
)

const (
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
)

var orderEvents = []uow.EventKind{order.EventCreated, order.EventPaid, order.EventCancelled}

// NewManagerFromConfig builds a Manager whose router follows the uow section.
func NewManagerFromConfig(cfg *config.UnitOfWorkConfig) (*uow.Manager, error) {
	mode, err := uow.ParseMode(cfg.DefaultMode)
	if err != nil {
		return nil, err
	}
	router := uow.NewRouter(
		uow.NewProducerRegistry(),
		uow.WithMaxConcurrency(cfg.MaxProducerConcurrency),
		uow.WithDeliveryRetry(cfg.DeliveryRetries, cfg.DeliveryBackoff),
	)
	return uow.NewManager(uow.WithRouter(router), uow.WithDefaultMode(mode)), nil
}

// Runtime is a Manager wired to the configured stores and producers.
type Runtime struct {
	Manager   *uow.Manager
	Orders    *order.Service
	Repo      order.Repository
	Index     *cache.OrderIndex
	Delivered *atomic.Int64

	closers []func(context.Context) error
}

func NewRuntime(ctx context.Context, cfg *config.Config, backend string) (rt *Runtime, err error) {
	m, err := NewManagerFromConfig(&cfg.UnitOfWork)
	if err != nil {
		return nil, err
	}
	rt = &Runtime{Manager: m, Delivered: &atomic.Int64{}}
	defer func() {
		if err != nil {
			err = errors.Join(err, rt.Close(ctx))
		}
	}()
	if err := rt.wireBackend(ctx, cfg, backend); err != nil {
		return rt, err
	}
	if err := rt.wireRedis(ctx, &cfg.Redis); err != nil {
		return rt, err
	}
	logged := uow.ProducerFunc("log", func(ctx context.Context, ev uow.Event) error {
		d, _ := uow.DeliveryFrom(ctx)
		logger.FromContext(ctx).Info("Event delivered", "kind", ev.Kind(), "tx_id", d.TxID, "seq", d.Seq)
		rt.Delivered.Add(1)
		return nil
	})
	for _, kind := range orderEvents {
		if err := m.RegisterProducer(kind, logged); err != nil {
			return rt, err
		}
	}
	rt.Orders = order.NewService(m, rt.Repo)
	return rt, nil
}

func (rt *Runtime) wireBackend(ctx context.Context, cfg *config.Config, backend string) error {
	switch backend {
	case "", backendSQLite:
		store, err := sqlite.NewStore(ctx, sqlite.ConfigFrom(&cfg.SQLite))
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, store.Close)
		if err := sqlite.ApplyMigrations(ctx, store.DB()); err != nil {
			return err
		}
		rt.Repo = sqlite.NewOrderRepo(rt.Manager)
		return rt.Manager.RegisterStore(sqlite.StoreKind, store.Factory())
	case backendPostgres:
		pgCfg := postgres.ConfigFrom(&cfg.Database)
		if err := postgres.ApplyMigrations(ctx, pgCfg.DSN()); err != nil {
			return err
		}
		store, err := postgres.NewStore(ctx, pgCfg)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, store.Close)
		rt.Repo = postgres.NewOrderRepo(rt.Manager)
		return rt.Manager.RegisterStore(postgres.StoreKind, postgres.NewFactory(store.Pool()))
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", backend, backendSQLite, backendPostgres)
	}
}

// wireRedis adds the Redis projection and both Redis producers when an
// address is configured.
func (rt *Runtime) wireRedis(ctx context.Context, cfg *config.RedisConfig) error {
	if cfg.Addr == "" {
		return nil
	}
	r, err := cache.NewRedis(ctx, cache.ConfigFrom(cfg))
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, r.Close)
	if err := rt.Manager.RegisterStore(cache.StoreKind, cache.NewFactory(r.Client())); err != nil {
		return err
	}
	rt.Index = cache.NewOrderIndex(rt.Manager)
	rt.Repo = &indexedRepo{Repository: rt.Repo, index: rt.Index}

	provider, err := pubsub.NewRedisProvider(r.Client())
	if err != nil {
		return err
	}
	published := pubsub.NewEventProducer("redis-pubsub", provider, cfg.ChannelPrefix)
	appended := stream.NewProducer("redis-stream", r.Client(), cfg.Stream, stream.WithMaxLen(cfg.StreamMaxLen))
	for _, kind := range orderEvents {
		if err := rt.Manager.RegisterProducer(kind, published); err != nil {
			return err
		}
		if err := rt.Manager.RegisterProducer(kind, appended); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// indexedRepo mirrors every saved order into the Redis index within the
// same scope.
type indexedRepo struct {
	order.Repository
	index *cache.OrderIndex
}

func (r *indexedRepo) Save(ctx context.Context, o *order.Order) error {
	if err := r.Repository.Save(ctx, o); err != nil {
		return err
	}
	return r.index.Record(ctx, o)
}
