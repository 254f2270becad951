// Package pubsub publishes committed unit-of-work events on Redis Pub/Sub.
package pubsub

import "context"

// Message represents a payload delivered via a pub/sub subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription exposes a stream of messages. Close must be safe to call
// multiple times.
type Subscription interface {
	Messages() <-chan Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Provider subscribes to and publishes on named channels.
type Provider interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}
