// Package order is the small order-taking domain the unit of work is
// exercised with: repositories write through scoped store handles and the
// service raises events that are only delivered after commit.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/engine/uow"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

const (
	EventCreated   uow.EventKind = "order.created"
	EventPaid      uow.EventKind = "order.paid"
	EventCancelled uow.EventKind = "order.cancelled"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrInvalidAmount = errors.New("order amount must be positive")
	ErrInvalidStatus = errors.New("invalid order status transition")
)

type Order struct {
	ID          core.ID   `json:"id"`
	Customer    string    `json:"customer"`
	AmountCents int64     `json:"amount_cents"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (o *Order) transition(to Status, now time.Time) error {
	if o.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Created is raised when an order is placed.
type Created struct {
	OrderID     core.ID `json:"order_id"`
	Customer    string  `json:"customer"`
	AmountCents int64   `json:"amount_cents"`
}

func (Created) Kind() uow.EventKind { return EventCreated }

type Paid struct {
	OrderID     core.ID `json:"order_id"`
	AmountCents int64   `json:"amount_cents"`
}

func (Paid) Kind() uow.EventKind { return EventPaid }

type Cancelled struct {
	OrderID core.ID `json:"order_id"`
	Reason  string  `json:"reason,omitempty"`
}

func (Cancelled) Kind() uow.EventKind { return EventCancelled }
