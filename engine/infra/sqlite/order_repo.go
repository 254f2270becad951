package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/engine/order"
	"github.com/compozy/unitofwork/engine/uow"
)

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OrderRepo stores orders through the ambient scope's SQLite transaction.
type OrderRepo struct {
	uow *uow.Manager
}

func NewOrderRepo(m *uow.Manager) *OrderRepo {
	return &OrderRepo{uow: m}
}

func (r *OrderRepo) Save(ctx context.Context, o *order.Order) error {
	s, h, err := uow.GetStore[*TxStore](ctx, r.uow, StoreKind)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO orders (id, customer, amount_cents, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			amount_cents = excluded.amount_cents,
			updated_at = excluded.updated_at`
	if _, err := s.ExecContext(
		ctx, query,
		o.ID.String(), o.Customer, o.AmountCents, string(o.Status),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: upsert order %s: %w", o.ID, err)
	}
	h.MarkDirty()
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, id core.ID) (*order.Order, error) {
	s, _, err := uow.GetStore[*TxStore](ctx, r.uow, StoreKind)
	if err != nil {
		return nil, err
	}
	o, err := scanOrder(s.QueryRowContext(ctx, `
		SELECT id, customer, amount_cents, status, created_at, updated_at
		FROM orders WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get order %s: %w", id, err)
	}
	return o, nil
}

// List returns every order of a customer, oldest first.
func (r *OrderRepo) List(ctx context.Context, customer string) ([]*order.Order, error) {
	s, _, err := uow.GetStore[*TxStore](ctx, r.uow, StoreKind)
	if err != nil {
		return nil, err
	}
	rows, err := s.QueryContext(ctx, `
		SELECT id, customer, amount_cents, status, created_at, updated_at
		FROM orders WHERE customer = ? ORDER BY created_at, id`, customer)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders: %w", err)
	}
	defer rows.Close()
	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*order.Order, error) {
	var (
		o                order.Order
		id, status       string
		created, updated string
	)
	if err := row.Scan(&id, &o.Customer, &o.AmountCents, &status, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if o.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	o.ID = core.ID(id)
	o.Status = order.Status(status)
	return &o, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
