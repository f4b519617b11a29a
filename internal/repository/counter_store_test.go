package repository

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

type counterHarness struct {
	store   domain.CounterStore
	advance func(time.Duration)
}

func newMemoryHarness(t *testing.T) counterHarness {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return counterHarness{store: NewMemoryCounterStore(fc), advance: fc.Advance}
}

func newRedisHarness(t *testing.T) counterHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return counterHarness{store: NewRedisCounterStore(client, time.Second), advance: mr.FastForward}
}

func forEachCounterStore(t *testing.T, fn func(t *testing.T, h counterHarness)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryHarness(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisHarness(t)) })
}

func TestCounterStore_Increment(t *testing.T) {
	forEachCounterStore(t, func(t *testing.T, h counterHarness) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			n, err := h.store.Increment(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		val, ok, err := h.store.Get(ctx, "c")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "3", val)
	})
}

func TestCounterStore_IncrementWindowStartsOnFirstIncrement(t *testing.T) {
	forEachCounterStore(t, func(t *testing.T, h counterHarness) {
		ctx := context.Background()
		n, err := h.store.IncrementWindow(ctx, "w", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		h.advance(40 * time.Second)
		n, err = h.store.IncrementWindow(ctx, "w", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// The second increment must not restart the window.
		h.advance(30 * time.Second)
		ok, err := h.store.Exists(ctx, "w")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err = h.store.IncrementWindow(ctx, "w", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestCounterStore_DecrementKeepsWindow(t *testing.T) {
	forEachCounterStore(t, func(t *testing.T, h counterHarness) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := h.store.IncrementWindow(ctx, "d", time.Minute)
			require.NoError(t, err)
		}
		n, err := h.store.Decrement(ctx, "d")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		h.advance(61 * time.Second)
		ok, err := h.store.Exists(ctx, "d")
		require.NoError(t, err)
		assert.False(t, ok, "decrement must not reset the window")

		n, err = h.store.Decrement(ctx, "d")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		ok, err = h.store.Exists(ctx, "d")
		require.NoError(t, err)
		assert.False(t, ok, "decrement must not create a key")
	})
}

func TestCounterStore_SetWithExpiry(t *testing.T) {
	forEachCounterStore(t, func(t *testing.T, h counterHarness) {
		ctx := context.Background()
		require.NoError(t, h.store.SetWithExpiry(ctx, "ttl", "v", time.Minute))
		require.NoError(t, h.store.SetWithExpiry(ctx, "forever", "v", 0))

		h.advance(2 * time.Minute)

		_, ok, err := h.store.Get(ctx, "ttl")
		require.NoError(t, err)
		assert.False(t, ok)

		val, ok, err := h.store.Get(ctx, "forever")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", val)
	})
}

func TestCounterStore_ExpireAndDelete(t *testing.T) {
	forEachCounterStore(t, func(t *testing.T, h counterHarness) {
		ctx := context.Background()
		_, err := h.store.IncrementWindow(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.NoError(t, h.store.Expire(ctx, "k", time.Hour))

		h.advance(30 * time.Minute)
		ok, err := h.store.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, h.store.Delete(ctx, "k"))
		ok, err = h.store.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		// Missing keys are not an error.
		require.NoError(t, h.store.Delete(ctx, "missing"))
		require.NoError(t, h.store.Expire(ctx, "missing", time.Minute))
	})
}

func TestCounterStore_Scan(t *testing.T) {
	forEachCounterStore(t, func(t *testing.T, h counterHarness) {
		ctx := context.Background()
		require.NoError(t, h.store.SetWithExpiry(ctx, "ip:perm:1.1.1.1", "1", 0))
		require.NoError(t, h.store.SetWithExpiry(ctx, "ip:perm:2.2.2.2", "1", 0))
		require.NoError(t, h.store.SetWithExpiry(ctx, "ip:perm:3.3.3.3", "1", time.Second))
		require.NoError(t, h.store.SetWithExpiry(ctx, "ip:allow:1.1.1.1", "1", 0))

		h.advance(2 * time.Second)

		keys, err := h.store.Scan(ctx, "ip:perm:")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"ip:perm:1.1.1.1", "ip:perm:2.2.2.2"}, keys)
	})
}

func TestRedisCounterStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisCounterStore(client, 200*time.Millisecond)
	mr.Close()

	_, err := store.IncrementWindow(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))

	_, _, err = store.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
}

func TestMemoryCounterStore_ExpiryIsStrictlyAfterDeadline(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryCounterStore(fc)
	ctx := context.Background()

	require.NoError(t, store.SetWithExpiry(ctx, "k", "v", time.Minute))
	fc.Advance(time.Minute)
	ok, _ := store.Exists(ctx, "k")
	assert.True(t, ok, "key must live through its deadline")

	fc.Advance(time.Nanosecond)
	ok, _ = store.Exists(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCounterStore_Sweep(t *testing.T) {
	fc := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryCounterStore(fc)
	ctx := context.Background()

	require.NoError(t, store.SetWithExpiry(ctx, "a", "1", time.Second))
	require.NoError(t, store.SetWithExpiry(ctx, "b", "1", time.Hour))
	require.NoError(t, store.SetWithExpiry(ctx, "c", "1", 0))
	fc.Advance(time.Minute)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.items, 2)
}
