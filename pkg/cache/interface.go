package cache

import (
	"context"
	"time"
)

// Store is the byte-level key/value contract behind the flow cache.
// Implementations: memory (testing, single process), badger (persistent).
type Store interface {
	// Get returns the value stored under key. found is false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Update runs a read-modify-write on key atomically with respect to other
	// Update and Set calls on the same key. fn receives the current value
	// (nil, false when absent) and returns the value to store with a fresh ttl.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	// Close cleanly shuts down the store
	Close() error
}

// UpdateFunc computes the new value of a key from its current value.
type UpdateFunc func(current []byte, found bool) ([]byte, error)
