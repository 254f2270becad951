package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/compozy/unitofwork/engine/uow"
	"github.com/redis/go-redis/v9"
)

// StoreKind is the registry kind used for Redis handles.
const StoreKind uow.StoreKind = "redis"

// PipelineStore queues commands of a scope in a MULTI/EXEC pipeline.
// Unscoped stores send commands straight to the client.
type PipelineStore struct {
	client redis.UniversalClient
	pipe   redis.Pipeliner

	mu     sync.Mutex
	closed bool
}

func NewFactory(client redis.UniversalClient) uow.Factory {
	return func(_ context.Context, ref uow.TxRef) (uow.Store, error) {
		if !ref.Scoped() {
			return &PipelineStore{client: client}, nil
		}
		return &PipelineStore{client: client, pipe: client.TxPipeline()}, nil
	}
}

// Cmd returns where writes should go: the pipeline inside a scope, the
// client otherwise. Reads through a pipeline only resolve after Persist.
func (s *PipelineStore) Cmd() redis.Cmdable {
	if s.pipe != nil {
		return s.pipe
	}
	return s.client
}

// Client returns the underlying client for reads that must see committed data.
func (s *PipelineStore) Client() redis.UniversalClient { return s.client }

// Queued reports how many commands wait for Persist.
func (s *PipelineStore) Queued() int {
	if s.pipe == nil {
		return 0
	}
	return s.pipe.Len()
}

// Persist sends the queued commands as one MULTI/EXEC block.
func (s *PipelineStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil || s.closed {
		return nil
	}
	s.closed = true
	if s.pipe.Len() == 0 {
		return nil
	}
	if _, err := s.pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: exec pipeline: %w", err)
	}
	return nil
}

func (s *PipelineStore) Dispose(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil || s.closed {
		return nil
	}
	s.closed = true
	s.pipe.Discard()
	return nil
}
