package uow

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Producer delivers events to one transport. Name identifies the producer in
// registrations and logs and must be stable.
type Producer interface {
	Name() string
	Produce(ctx context.Context, ev Event) error
}

type producerFunc struct {
	name string
	fn   func(ctx context.Context, ev Event) error
}

func (p *producerFunc) Name() string { return p.name }

func (p *producerFunc) Produce(ctx context.Context, ev Event) error { return p.fn(ctx, ev) }

// ProducerFunc adapts a plain function into a named Producer.
func ProducerFunc(name string, fn func(ctx context.Context, ev Event) error) Producer {
	return &producerFunc{name: name, fn: fn}
}

// ProducerRegistry maps event kinds to the producers that receive them.
type ProducerRegistry struct {
	mu     sync.RWMutex
	byKind map[EventKind][]Producer
}

// NewProducerRegistry returns an empty producer registry.
func NewProducerRegistry() *ProducerRegistry {
	return &ProducerRegistry{byKind: make(map[EventKind][]Producer)}
}

// Register adds p for kind. Registering a producer name twice for the same
// kind is rejected here rather than at dispatch.
func (r *ProducerRegistry) Register(kind EventKind, p Producer) error {
	if kind == "" {
		return configError("register_producer", "", fmt.Errorf("%w: empty event kind", ErrInvalidProducer))
	}
	if p == nil || p.Name() == "" {
		return configError("register_producer", kind.String(), fmt.Errorf("%w: producer must be named", ErrInvalidProducer))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byKind[kind] {
		if existing.Name() == p.Name() {
			return configError(
				"register_producer",
				kind.String()+"/"+p.Name(),
				ErrDuplicateProducer,
			)
		}
	}
	r.byKind[kind] = append(r.byKind[kind], p)
	return nil
}

// ProducersFor returns the producers of kind in registration order.
func (r *ProducerRegistry) ProducersFor(kind EventKind) []Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byKind[kind])
}

func (r *ProducerRegistry) Kinds() []EventKind {
	r.mu.RLock()
	kinds := make([]EventKind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	slices.Sort(kinds)
	return kinds
}
