package uow

import (
	"context"
	"time"

	"github.com/compozy/unitofwork/engine/core"
)

// EventKind is the routing tag of a domain event. Producers are registered per
// kind; there is no type-based dispatch.
type EventKind string

func (k EventKind) String() string {
	return string(k)
}

// Event is a domain event raised by an entity during a unit of work.
type Event interface {
	Kind() EventKind
}

// LocalEvent is a tracked event waiting for its transaction to commit.
type LocalEvent struct {
	Event    Event
	TxID     core.ID
	Seq      uint64
	RaisedAt time.Time
}

func (e LocalEvent) Kind() EventKind {
	if e.Event == nil {
		return ""
	}
	return e.Event.Kind()
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, ev LocalEvent) context.Context {
	return context.WithValue(ctx, deliveryKey{}, ev)
}

// DeliveryFrom returns the tracked event being delivered when called from a
// Producer. Producers use it to read the transaction id and sequence.
func DeliveryFrom(ctx context.Context) (LocalEvent, bool) {
	ev, ok := ctx.Value(deliveryKey{}).(LocalEvent)
	return ev, ok
}
