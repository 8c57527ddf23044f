package cache

import (
	"context"
	"time"
)

// Cache is the subset of key-value operations the grading service relies on:
// cache-aside reads of immutable challenges and owner-checked locks.
type Cache interface {
	BasicOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" with a nil error on a miss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair. A zero ttl never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error
}

// LockOps defines distributed lock operations. A lock is owned by the token
// that acquired it; Unlock with any other token is a no-op.
type LockOps interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}
