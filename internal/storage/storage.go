// Package storage defines the durable key/value + sorted-set port the event
// store and prediction cache persist through, with Redis and in-memory
// implementations.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Tx batches writes applied atomically by Multi.
type Tx interface {
	Set(key, value string)
	SetEx(key, value string, ttl time.Duration)
	ZAdd(key string, score float64, member string)
	HSet(key string, fields map[string]string)
}

// Store is the durable key/value + sorted-set collaborator. Implementations
// must be safe for concurrent use; every call is a suspension point and may
// touch the network.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Keys(ctx context.Context, pattern string) ([]string, error)

	// Multi applies every write queued by fn as one atomic batch.
	Multi(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}
