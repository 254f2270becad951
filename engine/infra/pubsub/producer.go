package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/google/uuid"
)

const DefaultChannelPrefix = "uow.events"

// Envelope is the wire form of a delivered event.
type Envelope struct {
	MessageID  string          `json:"message_id"`
	TxID       core.ID         `json:"tx_id,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	Kind       uow.EventKind   `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEnvelope wraps ev, taking transaction metadata from the delivery in ctx
// when there is one.
func NewEnvelope(ctx context.Context, ev uow.Event, now time.Time) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode %s payload: %w", ev.Kind(), err)
	}
	env := &Envelope{
		MessageID:  uuid.NewString(),
		Kind:       ev.Kind(),
		Payload:    payload,
		OccurredAt: now.UTC(),
	}
	if d, ok := uow.DeliveryFrom(ctx); ok {
		env.TxID = d.TxID
		env.Seq = d.Seq
		env.OccurredAt = d.RaisedAt.UTC()
	}
	return env, nil
}

// EventProducer publishes events as JSON envelopes on "<prefix>.<kind>".
type EventProducer struct {
	name     string
	provider Provider
	prefix   string
	now      func() time.Time
}

func NewEventProducer(name string, provider Provider, prefix string) *EventProducer {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &EventProducer{name: name, provider: provider, prefix: prefix, now: time.Now}
}

func (p *EventProducer) Name() string { return p.name }

// Channel returns the channel events of kind are published on.
func (p *EventProducer) Channel(kind uow.EventKind) string {
	return p.prefix + "." + string(kind)
}

func (p *EventProducer) Produce(ctx context.Context, ev uow.Event) error {
	env, err := NewEnvelope(ctx, ev, p.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsub: encode envelope: %w", err)
	}
	if err := p.provider.Publish(ctx, p.Channel(ev.Kind()), data); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", ev.Kind(), err)
	}
	return nil
}
