// Package broker defines the pub/sub transport port used by the event bus,
// with Redis, NATS and in-memory implementations.
package broker

import "context"

// Handler receives a raw message delivered for a channel.
type Handler func(channel string, payload []byte)

// Subscription is a live broker-level pattern subscription.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the pub/sub collaborator. Pattern subscriptions use glob-style
// channel patterns; implementations may over-deliver (match a superset of
// channels) — the bus re-checks every delivery against its own matcher.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}
