package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const postgresMeterName = "unitofwork.postgres"

var (
	poolMetricsOnce  sync.Once
	poolMetricsErr   error
	connectionsOpen  metric.Int64ObservableGauge
	connectionsInUse metric.Int64ObservableGauge
	connectionsIdle  metric.Int64ObservableGauge
	observedPools    sync.Map
)

type poolStats struct {
	label string
	pool  *pgxpool.Pool
}

func observePool(label string, pool *pgxpool.Pool) (*poolStats, error) {
	if err := ensurePoolMetrics(); err != nil {
		return nil, err
	}
	s := &poolStats{label: label, pool: pool}
	observedPools.Store(s, s)
	return s, nil
}

func (s *poolStats) unregister() {
	if s == nil {
		return
	}
	observedPools.Delete(s)
}

func ensurePoolMetrics() error {
	poolMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(postgresMeterName)
		var err error
		if connectionsOpen, err = meter.Int64ObservableGauge(
			"postgres_connections_open",
			metric.WithDescription("Number of open Postgres connections"),
		); err != nil {
			poolMetricsErr = fmt.Errorf("postgres: init metrics: %w", err)
			return
		}
		if connectionsInUse, err = meter.Int64ObservableGauge(
			"postgres_connections_in_use",
			metric.WithDescription("Number of Postgres connections held by transactions"),
		); err != nil {
			poolMetricsErr = fmt.Errorf("postgres: init metrics: %w", err)
			return
		}
		if connectionsIdle, err = meter.Int64ObservableGauge(
			"postgres_connections_idle",
			metric.WithDescription("Number of idle Postgres connections"),
		); err != nil {
			poolMetricsErr = fmt.Errorf("postgres: init metrics: %w", err)
			return
		}
		_, err = meter.RegisterCallback(observeConnections, connectionsOpen, connectionsInUse, connectionsIdle)
		if err != nil {
			poolMetricsErr = fmt.Errorf("postgres: register metrics callback: %w", err)
		}
	})
	return poolMetricsErr
}

func observeConnections(_ context.Context, observer metric.Observer) error {
	observedPools.Range(func(_, value any) bool {
		s, ok := value.(*poolStats)
		if !ok || s.pool == nil {
			return true
		}
		stats := s.pool.Stat()
		attrs := metric.WithAttributes(attribute.String("pool", s.label))
		observer.ObserveInt64(connectionsOpen, int64(stats.TotalConns()), attrs)
		observer.ObserveInt64(connectionsInUse, int64(stats.AcquiredConns()), attrs)
		observer.ObserveInt64(connectionsIdle, int64(stats.IdleConns()), attrs)
		return true
	})
	return nil
}

func poolLabel(cfg *Config) string {
	parts := make([]string, 0, 3)
	for _, c := range []string{cfg.Host, cfg.Port, cfg.DBName} {
		if c = strings.TrimSpace(strings.ToLower(c)); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return "default"
	}
	return strings.Join(parts, "-")
}
