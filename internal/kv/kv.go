// Package kv defines the narrow key-value interface the coordinator, budget
// governor, and orchestrator depend on, plus a Redis implementation and an
// in-memory fake. The key-value store is the sole source of truth for locks,
// spend counters, and scan cursors; all cross-process coordination goes
// through its atomic primitives.
package kv

import (
	"context"
	"time"
)

// Store is the coordination surface over the shared key-value store. A miss
// on Get returns (nil, nil). TTLs of zero mean no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX sets the key only if it does not exist. Returns true if the
	// value was written. This is the conditional-set primitive locks are
	// built on.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Del(ctx context.Context, key string) error

	// DelIfEquals deletes the key only while it still holds value,
	// atomically. Returns true if the key was deleted.
	DelIfEquals(ctx context.Context, key string, value []byte) (bool, error)

	// IncrBy atomically adds delta to a numeric counter, creating it at
	// zero if absent. The TTL is applied only when the key has none yet,
	// so a counter's expiry window is fixed by its first increment.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// GetInt reads a numeric counter; absent keys read as zero.
	GetInt(ctx context.Context, key string) (int64, error)

	Close() error
}
