// Package cache wires Redis into the unit of work: a client wrapper, a
// MULTI/EXEC pipeline store kind and an order index kept in that pipeline.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/compozy/unitofwork/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const fallbackRedisPingTimeout = 10 * time.Second

type Redis struct {
	client redis.UniversalClient
	once   sync.Once
}

// NewRedis connects to Redis and pings it before returning.
func NewRedis(ctx context.Context, cfg *Config) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackRedisPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	logger.FromContext(ctx).With(
		"cache_driver", "redis",
		"addr", cfg.Addr,
		"db", cfg.DB,
	).Info("Redis connection established")
	return &Redis{client: client}, nil
}

func buildRedisClient(cfg *Config) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		applyConfigToOptions(opt, cfg)
		return redis.NewClient(opt), nil
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	opt := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	applyConfigToOptions(opt, cfg)
	return redis.NewClient(opt), nil
}

func applyConfigToOptions(opt *redis.Options, cfg *Config) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
}

func (r *Redis) Client() redis.UniversalClient { return r.client }

// Close is idempotent.
func (r *Redis) Close(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.client.Close()
		if err != nil {
			logger.FromContext(ctx).Error("Redis connection close failed", "error", err)
			return
		}
		logger.FromContext(ctx).Debug("Redis connection closed")
	})
	return err
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
