package uow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "unitofwork.uow"

type instruments struct {
	scopeOutcomes    metric.Int64Counter
	commitDuration   metric.Float64Histogram
	eventDeliveries  metric.Int64Counter
	eventsDiscarded  metric.Int64Counter
	handlesPersisted metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsErr  error
	global      *instruments
)

func defaultInstruments() *instruments {
	metricsOnce.Do(func() {
		global, metricsErr = newInstruments(otel.GetMeterProvider().Meter(meterName))
	})
	if metricsErr != nil {
		return nil
	}
	return global
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.scopeOutcomes, err = meter.Int64Counter(
		"uow_scope_outcomes_total",
		metric.WithDescription("Outermost scopes by outcome"),
	); err != nil {
		return nil, err
	}
	if in.commitDuration, err = meter.Float64Histogram(
		"uow_commit_duration_seconds",
		metric.WithDescription("Time spent persisting and dispatching a unit of work"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if in.eventDeliveries, err = meter.Int64Counter(
		"uow_event_deliveries_total",
		metric.WithDescription("Producer dispatch calls by outcome"),
	); err != nil {
		return nil, err
	}
	if in.eventsDiscarded, err = meter.Int64Counter(
		"uow_events_discarded_total",
		metric.WithDescription("Tracked events dropped because their transaction did not commit"),
	); err != nil {
		return nil, err
	}
	if in.handlesPersisted, err = meter.Int64Counter(
		"uow_handles_persisted_total",
		metric.WithDescription("Store handles persisted by store kind"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *instruments) scopeOutcome(ctx context.Context, outcome string, started time.Time) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	in.scopeOutcomes.Add(ctx, 1, attrs)
	if !started.IsZero() {
		in.commitDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

func (in *instruments) delivery(ctx context.Context, kind EventKind, producer string, err error) {
	if in == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	in.eventDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_kind", kind.String()),
		attribute.String("producer", producer),
		attribute.String("outcome", outcome),
	))
}

func (in *instruments) discarded(ctx context.Context, n int) {
	if in == nil || n == 0 {
		return
	}
	in.eventsDiscarded.Add(ctx, int64(n))
}

func (in *instruments) persisted(ctx context.Context, kind StoreKind) {
	if in == nil {
		return
	}
	in.handlesPersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("store_kind", kind.String())))
}

func recordScopeOutcome(ctx context.Context, outcome string, started time.Time) {
	defaultInstruments().scopeOutcome(ctx, outcome, started)
}

func recordDelivery(ctx context.Context, kind EventKind, producer string, err error) {
	defaultInstruments().delivery(ctx, kind, producer, err)
}

func recordDiscarded(ctx context.Context, n int) {
	defaultInstruments().discarded(ctx, n)
}

func recordPersisted(ctx context.Context, kind StoreKind) {
	defaultInstruments().persisted(ctx, kind)
}
