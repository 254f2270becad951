// Package stream appends committed events to a Redis stream, giving
// consumers a durable, replayable log next to fire-and-forget Pub/Sub.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/compozy/unitofwork/engine/core"
	"github.com/compozy/unitofwork/engine/infra/pubsub"
	"github.com/compozy/unitofwork/engine/uow"
	"github.com/redis/go-redis/v9"
)

const DefaultStream = "uow:events"

// Producer XADDs one entry per event. MaxLen trims the stream approximately;
// zero keeps everything.
type Producer struct {
	name   string
	client redis.UniversalClient
	stream string
	maxLen int64
	now    func() time.Time
}

type Option func(*Producer)

func WithMaxLen(n int64) Option {
	return func(p *Producer) {
		p.maxLen = n
	}
}

func NewProducer(name string, client redis.UniversalClient, stream string, opts ...Option) *Producer {
	if stream == "" {
		stream = DefaultStream
	}
	p := &Producer{name: name, client: client, stream: stream, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Producer) Name() string { return p.name }

func (p *Producer) Stream() string { return p.stream }

func (p *Producer) Produce(ctx context.Context, ev uow.Event) error {
	env, err := pubsub.NewEnvelope(ctx, ev, p.now())
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"message_id":  env.MessageID,
			"tx_id":       env.TxID.String(),
			"seq":         strconv.FormatUint(env.Seq, 10),
			"kind":        string(env.Kind),
			"payload":     string(env.Payload),
			"occurred_at": env.OccurredAt.Format(time.RFC3339Nano),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("stream: xadd %s to %s: %w", ev.Kind(), p.stream, err)
	}
	return nil
}

// Read returns up to count entries from the start of the stream decoded
// back into envelopes.
func Read(ctx context.Context, client redis.UniversalClient, stream string, count int64) ([]pubsub.Envelope, error) {
	entries, err := client.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("stream: read %s: %w", stream, err)
	}
	out := make([]pubsub.Envelope, 0, len(entries))
	for _, e := range entries {
		env, err := decode(e.Values)
		if err != nil {
			return nil, fmt.Errorf("stream: decode entry %s: %w", e.ID, err)
		}
		out = append(out, env)
	}
	return out, nil
}

func decode(values map[string]any) (pubsub.Envelope, error) {
	field := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	var env pubsub.Envelope
	env.MessageID = field("message_id")
	env.TxID = core.ID(field("tx_id"))
	env.Kind = uow.EventKind(field("kind"))
	if raw := field("payload"); raw != "" {
		env.Payload = json.RawMessage(raw)
	}
	if s := field("seq"); s != "" {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return env, fmt.Errorf("seq: %w", err)
		}
		env.Seq = seq
	}
	if s := field("occurred_at"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return env, fmt.Errorf("occurred_at: %w", err)
		}
		env.OccurredAt = t
	}
	return env, nil
}
