package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

// incrWindowScript increments KEYS[1] and starts its TTL (ARGV[1] ms) when the
// increment created the key, so the count and its window start together.
var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// decrExistingScript decrements KEYS[1] only when it exists, so a released
// slot never recreates a counter without its TTL.
var decrExistingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisCounterStore implements domain.CounterStore using Redis.
type RedisCounterStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisCounterStore creates a new store instance. Every call is bounded by timeout.
func NewRedisCounterStore(client redis.UniversalClient, timeout time.Duration) *RedisCounterStore {
	return &RedisCounterStore{client: client, timeout: timeout}
}

func (r *RedisCounterStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RedisCounterStore) Increment(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, domain.NewStoreError("incr", err)
	}
	return n, nil
}

func (r *RedisCounterStore) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := incrWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, domain.NewStoreError("incr window", err)
	}
	return n, nil
}

func (r *RedisCounterStore) Decrement(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := decrExistingScript.Run(ctx, r.client, []string{key}).Int64()
	if err != nil {
		return 0, domain.NewStoreError("decr", err)
	}
	return n, nil
}

func (r *RedisCounterStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, domain.NewStoreError("get", err)
	}
	return val, true, nil
}

func (r *RedisCounterStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	return domain.NewStoreError("set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisCounterStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, domain.NewStoreError("exists", err)
	}
	return n > 0, nil
}

func (r *RedisCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if ttl <= 0 {
		return domain.NewStoreError("persist", r.client.Persist(ctx, key).Err())
	}
	return domain.NewStoreError("expire", r.client.PExpire(ctx, key, ttl).Err())
}

func (r *RedisCounterStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	return domain.NewStoreError("del", r.client.Del(ctx, key).Err())
}

func (r *RedisCounterStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var keys []string
	iter := r.client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, domain.NewStoreError("scan", err)
	}
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
