package order

import (
	"context"
	"fmt"
	"time"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/compozy/unitofwork/pkg/logger"
)

// Repository persists orders through the store handle of the ambient scope.
type Repository interface {
	Save(ctx context.Context, o *Order) error
	Get(ctx context.Context, id core.ID) (*Order, error)
}

// Service places and settles orders. Every operation runs in a joined scope,
// so a caller's own scope decides when the writes and events land.
type Service struct {
	uow  *uow.Manager
	repo Repository
	now  func() time.Time
}

func NewService(m *uow.Manager, repo Repository) *Service {
	return &Service{uow: m, repo: repo, now: time.Now}
}

func (s *Service) Place(ctx context.Context, customer string, amountCents int64) (*Order, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	id, err := core.NewID()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	o := &Order{
		ID:          id,
		Customer:    customer,
		AmountCents: amountCents,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.uow.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
		if err := s.repo.Save(ctx, o); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		return s.uow.Track(ctx, Created{OrderID: o.ID, Customer: o.Customer, AmountCents: o.AmountCents})
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).With("order_id", o.ID, "customer", customer).Debug("Order placed")
	return o, nil
}

func (s *Service) Pay(ctx context.Context, id core.ID) (*Order, error) {
	return s.settle(ctx, id, StatusPaid, func(o *Order) uow.Event {
		return Paid{OrderID: o.ID, AmountCents: o.AmountCents}
	})
}

func (s *Service) Cancel(ctx context.Context, id core.ID, reason string) (*Order, error) {
	return s.settle(ctx, id, StatusCancelled, func(o *Order) uow.Event {
		return Cancelled{OrderID: o.ID, Reason: reason}
	})
}

func (s *Service) settle(
	ctx context.Context,
	id core.ID,
	to Status,
	event func(*Order) uow.Event,
) (*Order, error) {
	var out *Order
	err := s.uow.Execute(ctx, uow.ModeJoin, func(ctx context.Context) error {
		o, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := o.transition(to, s.now().UTC()); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, o); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		out = o
		return s.uow.Track(ctx, event(o))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
