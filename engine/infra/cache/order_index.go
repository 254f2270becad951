package cache

import (
	"context"
	"fmt"

	"github.com/compozy/unitofwork/engine/order"
	"github.com/compozy/unitofwork/engine/uow"
)

const (
	orderKeyPrefix    = "order:"
	customerKeyPrefix = "customer:"
)

// OrderIndex keeps a Redis projection of orders per customer. Writes ride
// the scope's pipeline, so the projection lands with the rest of the scope.
type OrderIndex struct {
	uow *uow.Manager
}

func NewOrderIndex(m *uow.Manager) *OrderIndex {
	return &OrderIndex{uow: m}
}

func (x *OrderIndex) Record(ctx context.Context, o *order.Order) error {
	s, h, err := uow.GetStore[*PipelineStore](ctx, x.uow, StoreKind)
	if err != nil {
		return err
	}
	cmd := s.Cmd()
	if err := cmd.HSet(ctx, orderKey(o), map[string]any{
		"customer":     o.Customer,
		"amount_cents": o.AmountCents,
		"status":       string(o.Status),
	}).Err(); err != nil {
		return fmt.Errorf("redis: index order %s: %w", o.ID, err)
	}
	if err := cmd.SAdd(ctx, customerKey(o.Customer), o.ID.String()).Err(); err != nil {
		return fmt.Errorf("redis: index customer %s: %w", o.Customer, err)
	}
	h.MarkDirty()
	return nil
}

// Count reads committed state only.
func (x *OrderIndex) Count(ctx context.Context, customer string) (int64, error) {
	s, _, err := uow.GetStore[*PipelineStore](ctx, x.uow, StoreKind)
	if err != nil {
		return 0, err
	}
	n, err := s.Client().SCard(ctx, customerKey(customer)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count orders of %s: %w", customer, err)
	}
	return n, nil
}

func (x *OrderIndex) Status(ctx context.Context, o *order.Order) (order.Status, error) {
	s, _, err := uow.GetStore[*PipelineStore](ctx, x.uow, StoreKind)
	if err != nil {
		return "", err
	}
	v, err := s.Client().HGet(ctx, orderKey(o), "status").Result()
	if err != nil {
		return "", fmt.Errorf("redis: order status %s: %w", o.ID, err)
	}
	return order.Status(v), nil
}

func orderKey(o *order.Order) string { return orderKeyPrefix + o.ID.String() }

func customerKey(c string) string { return customerKeyPrefix + c + ":orders" }
