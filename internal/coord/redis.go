package coord

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig carries the Sentinel discovery settings.
type RedisConfig struct {
	Sentinels  []string
	MasterName string
	Password   string
}

// Redis implements Coordinator on top of a Sentinel-aware failover client.
// The client reconnects and re-discovers the master on its own; pattern
// subscriptions are re-established by the consumer when their channel closes.
type Redis struct {
	client *redis.Client
}

// NewRedis constructs the failover client. No connection is made until the
// first command; call Ping to verify reachability during bootstrap.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    cfg.MasterName,
		SentinelAddrs: cfg.Sentinels,
		Password:      cfg.Password,
	})
	return &Redis{client: client}
}

// Ping verifies the master is reachable through the Sentinels.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis master: %w", err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := r.client.PSubscribe(ctx, pattern)
	// Wait for the subscription to be confirmed so callers do not race their
	// own publishes.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", pattern, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 256),
	}
	go sub.pump()
	return sub, nil
}

func (r *Redis) HashSet(ctx context.Context, key string, fields map[string]string) error {
	return r.client.HSet(ctx, key, fields).Err()
}

func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
