package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/engine/order"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/georgysavva/scany/v2/pgxscan"
)

var orderColumns = []string{
	"id",
	"customer",
	"amount_cents",
	"status",
	"created_at",
	"updated_at",
}

const orderConflictClause = `
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    amount_cents = EXCLUDED.amount_cents,
    updated_at = EXCLUDED.updated_at`

// orderRow mirrors the orders table.
type orderRow struct {
	ID          string    `db:"id"`
	Customer    string    `db:"customer"`
	AmountCents int64     `db:"amount_cents"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *orderRow) toOrder() *order.Order {
	return &order.Order{
		ID:          core.ID(r.ID),
		Customer:    r.Customer,
		AmountCents: r.AmountCents,
		Status:      order.Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func buildOrderUpsert(o *order.Order) (string, []any, error) {
	return squirrel.
		Insert("orders").
		Columns(orderColumns...).
		Values(o.ID.String(), o.Customer, o.AmountCents, string(o.Status), o.CreatedAt, o.UpdatedAt).
		PlaceholderFormat(squirrel.Dollar).
		Suffix(orderConflictClause).
		ToSql()
}

func buildOrderGet(id core.ID) (string, []any, error) {
	return squirrel.
		Select(orderColumns...).
		From("orders").
		Where(squirrel.Eq{"id": id.String()}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

// OrderRepo stores orders in the scope's PostgreSQL transaction.
type OrderRepo struct {
	uow  *uow.Manager
	kind uow.StoreKind
}

func NewOrderRepo(m *uow.Manager) *OrderRepo {
	return &OrderRepo{uow: m, kind: StoreKind}
}

func (r *OrderRepo) store(ctx context.Context) (*TxStore, *uow.Handle, error) {
	return uow.GetStore[*TxStore](ctx, r.uow, r.kind)
}

func (r *OrderRepo) Save(ctx context.Context, o *order.Order) error {
	s, h, err := r.store(ctx)
	if err != nil {
		return err
	}
	query, args, err := buildOrderUpsert(o)
	if err != nil {
		return fmt.Errorf("postgres: build order upsert: %w", err)
	}
	if _, err := s.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	h.MarkDirty()
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, id core.ID) (*order.Order, error) {
	s, _, err := r.store(ctx)
	if err != nil {
		return nil, err
	}
	query, args, err := buildOrderGet(id)
	if err != nil {
		return nil, fmt.Errorf("postgres: build order query: %w", err)
	}
	var row orderRow
	if err := pgxscan.Get(ctx, s, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return row.toOrder(), nil
}
