package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisProvider implements Provider on Redis Pub/Sub.
type RedisProvider struct {
	client redis.UniversalClient
}

func NewRedisProvider(client redis.UniversalClient) (*RedisProvider, error) {
	if client == nil {
		return nil, errors.New("pubsub: redis client is nil")
	}
	return &RedisProvider{client: client}, nil
}

func (p *RedisProvider) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Subscribe confirms the subscription before returning, so messages
// published after it returns are not lost.
func (p *RedisProvider) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := p.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		pubsub: ps,
		cancel: cancel,
		out:    make(chan Message, 64),
		done:   make(chan struct{}),
	}
	go sub.pump(subCtx, ps.Channel())
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	out    chan Message
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *redisSubscription) pump(ctx context.Context, messages <-chan *redis.Message) {
	defer close(s.done)
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			select {
			case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
	}
}

func (s *redisSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !errors.Is(err, context.Canceled) {
		s.err = err
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Done() <-chan struct{} { return s.done }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}
