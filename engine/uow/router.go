package uow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/compozy/unitofwork/pkg/logger"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const defaultDeliveryBackoff = 50 * time.Millisecond

// Router delivers committed events to their producers.
type Router struct {
	producers      *ProducerRegistry
	maxConcurrency int
	retries        uint64
	backoff        time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxConcurrency bounds how many producers of one event run at once.
// Zero or less means unbounded.
func WithMaxConcurrency(n int) RouterOption {
	return func(r *Router) {
		r.maxConcurrency = n
	}
}

// WithDeliveryRetry retries a failed producer call up to retries extra times
// with exponential backoff starting at backoff.
func WithDeliveryRetry(retries uint64, backoff time.Duration) RouterOption {
	return func(r *Router) {
		r.retries = retries
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// NewRouter dispatches through producers. Without options producers of one
// event run unbounded and are tried once.
func NewRouter(producers *ProducerRegistry, opts ...RouterOption) *Router {
	if producers == nil {
		producers = NewProducerRegistry()
	}
	r := &Router{producers: producers, backoff: defaultDeliveryBackoff}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Router) Producers() *ProducerRegistry {
	return r.producers
}

// Route dispatches events in order. All producers of an event finish before
// the next event starts. The first event with a failed producer stops routing
// and is returned, with the rest, in a *DeliveryError.
//
// Every routed event reflects a committed write, so cancellation of ctx does
// not stop delivery.
func (r *Router) Route(ctx context.Context, events []LocalEvent) error {
	dispatchCtx := context.WithoutCancel(ctx)
	for i, ev := range events {
		if err := r.dispatch(dispatchCtx, ev); err != nil {
			return &DeliveryError{
				TxID:        ev.TxID,
				Failed:      ev,
				Undelivered: slices.Clone(events[i:]),
				Cause:       err,
			}
		}
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, ev LocalEvent) error {
	log := logger.FromContext(ctx).With("tx_id", ev.TxID, "event_kind", ev.Kind(), "seq", ev.Seq)
	producers := r.producers.ProducersFor(ev.Kind())
	if len(producers) == 0 {
		log.Debug("No producers registered for event")
		return nil
	}
	var g errgroup.Group
	if r.maxConcurrency > 0 {
		g.SetLimit(r.maxConcurrency)
	}
	errs := make([]error, len(producers))
	for i, p := range producers {
		g.Go(func() error {
			errs[i] = r.produce(ctx, p, ev)
			return nil
		})
	}
	_ = g.Wait()
	err := errors.Join(errs...)
	if err != nil {
		log.Error("Event delivery failed", "error", err)
		return err
	}
	log.Debug("Event delivered", "producers", len(producers))
	return nil
}

func (r *Router) produce(ctx context.Context, p Producer, ev LocalEvent) error {
	backoff := retry.WithMaxRetries(r.retries, retry.NewExponential(r.backoff))
	ctx = withDelivery(ctx, ev)
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := p.Produce(ctx, ev.Event); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	recordDelivery(ctx, ev.Kind(), p.Name(), err)
	if err != nil {
		return fmt.Errorf("producer %s failed after %d attempt(s): %w", p.Name(), attempts, err)
	}
	return nil
}
