// Package coord abstracts the external pub/sub and hash store used for
// cross-instance fan-out and snapshot persistence.
package coord

import "context"

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pattern subscription. Messages closes when the
// subscription ends; callers re-subscribe if they still need deliveries.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Coordinator is the capability set the engine needs from its backing store.
// The production implementation wraps a Sentinel-aware Redis client; tests use
// the in-process Memory implementation.
type Coordinator interface {
	Publish(ctx context.Context, channel, payload string) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)
	HashSet(ctx context.Context, key string, fields map[string]string) error
	// HashGetAll returns the stored fields, or an empty map when the key is
	// absent.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	Close() error
}
