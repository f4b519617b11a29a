package domain

import (
	"context"
	"time"
)

// CounterStore is a keyed integer/timestamp store with TTL semantics.
// All operations are atomic per key. A ttl of 0 means "no expiry".
// Failures are returned as StoreError values; callers choose fail-open or
// fail-closed explicitly.
type CounterStore interface {
	Increment(ctx context.Context, key string) (int64, error)
	// IncrementWindow increments key and, when this created the key, makes it
	// expire after window. Count and window start are one atomic unit.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Decrement lowers an existing counter and keeps its TTL. A missing key
	// stays missing and yields 0.
	Decrement(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan returns the keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
}
