package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/elevate-ai/coaching-platform/pkg/logger"
)

// RedisBroker implements Broker on Redis pub/sub. Pattern subscriptions map
// directly onto PSUBSCRIBE, which shares the bus's glob syntax.
type RedisBroker struct {
	client *redis.Client
	logger *logger.Logger
}

// NewRedisBroker wraps an existing Redis client, typically the one the store
// already holds, so both share a single reconnecting connection pool.
func NewRedisBroker(client *redis.Client, log *logger.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: log}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

func (b *RedisBroker) PSubscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, pattern)

	// Force the subscription onto the wire before returning so publishes
	// that follow are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			h(msg.Channel, []byte(msg.Payload))
		}
	}()

	return sub, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op: the client is owned by whoever constructed it.
func (b *RedisBroker) Close() error {
	return nil
}
