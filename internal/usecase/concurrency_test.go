package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/repository"
)

const parallelAttempts = 30

// slowVerifier rejects every password after a delay, counting how often it ran.
type slowVerifier struct {
	delay time.Duration
	calls atomic.Int64
}

func (v *slowVerifier) Verify(context.Context, string, string) (*domain.Principal, error) {
	v.calls.Add(1)
	time.Sleep(v.delay)
	return nil, nil
}

func forEachGuardStore(t *testing.T, fn func(t *testing.T, store domain.CounterStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, repository.NewMemoryCounterStore(clock.NewFake(t0)))
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: parallelAttempts})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, repository.NewRedisCounterStore(client, time.Second))
	})
}

// runParallel starts n calls at once and waits for all of them.
func runParallel(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

func TestLockout_ConcurrentFailuresStopAtThreshold(t *testing.T) {
	forEachGuardStore(t, func(t *testing.T, store domain.CounterStore) {
		ctx := context.Background()
		cfg := LockoutConfig{MaxAttempts: 5, Duration: 30 * time.Minute, FailureWindow: 15 * time.Minute}
		l := NewLockoutTracker(store, clock.NewFake(t0), cfg, nullLogger(), nil)
		const account = "burst@example.com"

		var (
			mu     sync.Mutex
			counts = map[int64]int{}
			locked atomic.Int64
			other  atomic.Int64
		)
		runParallel(parallelAttempts, func(int) {
			n, err := l.RecordFailure(ctx, account)
			var lockedErr *domain.AccountLockedError
			switch {
			case err == nil:
				mu.Lock()
				counts[n]++
				mu.Unlock()
			case errors.As(err, &lockedErr):
				locked.Add(1)
			default:
				other.Add(1)
			}
		})

		assert.Zero(t, other.Load())
		assert.Equal(t, map[int64]int{1: 1, 2: 1, 3: 1, 4: 1, 5: 1}, counts)
		assert.Equal(t, int64(parallelAttempts-5), locked.Load())

		count, err := l.FailureCount(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, int64(5), count)

		isLocked, retry, err := l.IsLocked(ctx, account)
		require.NoError(t, err)
		assert.True(t, isLocked)
		assert.Equal(t, 30*time.Minute, retry)
	})
}

func TestAuth_ConcurrentLoginsCheckAtMostThresholdPasswords(t *testing.T) {
	forEachGuardStore(t, func(t *testing.T, store domain.CounterStore) {
		ctx := context.Background()
		verifier := &slowVerifier{delay: 20 * time.Millisecond}
		e := newEnv(t, withGuardStore(store), withVerifier(verifier))
		const account = "burst@example.com"

		var invalid, locked, other atomic.Int64
		runParallel(parallelAttempts, func(i int) {
			// One address per attempt keeps the IP tracker out of the picture.
			ip := fmt.Sprintf("198.51.100.%d", i+1)
			_, err := e.auth.Login(ctx, creds(account, "guess"), ip, "")
			var lockedErr *domain.AccountLockedError
			switch {
			case errors.Is(err, domain.ErrInvalidCredentials):
				invalid.Add(1)
			case errors.As(err, &lockedErr):
				locked.Add(1)
			default:
				other.Add(1)
			}
		})

		assert.Zero(t, other.Load())
		assert.Equal(t, int64(5), verifier.calls.Load(), "passwords checked")
		assert.Equal(t, int64(4), invalid.Load())
		assert.Equal(t, int64(parallelAttempts-4), locked.Load())
		assert.Equal(t, 1, e.eventCount(domain.EventAccountLocked))

		count, err := e.lockout.FailureCount(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
	})
}

func TestAuth_MFAChallengeReleasesLockoutSlot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.users.add(t, "u-1", "ana@example.com", "pw")
	u.MFAEnabled = true
	u.MFASecret = "JBSWY3DPEHPK3PXP"

	for i := 0; i < 10; i++ {
		_, err := e.auth.Login(ctx, creds("ana@example.com", "pw"), "192.0.2.1", "")
		require.ErrorIs(t, err, domain.ErrMFARequired)
	}
	count, err := e.lockout.FailureCount(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIPTracker_ConcurrentFailuresAreAllCounted(t *testing.T) {
	forEachGuardStore(t, func(t *testing.T, store domain.CounterStore) {
		ctx := context.Background()
		cfg := IPTrackerConfig{MaxFailedRequests: 5, FailureWindow: 5 * time.Minute, BlockDuration: 15 * time.Minute}
		tracker := NewIPTracker(store, clock.NewFake(t0), cfg, nullLogger(), nil)
		const ip = "203.0.113.50"

		var failed atomic.Int64
		runParallel(parallelAttempts, func(int) {
			if _, err := tracker.RecordFailedRequest(ctx, ip); err != nil {
				failed.Add(1)
			}
		})
		assert.Zero(t, failed.Load())

		raw, ok, err := store.Get(ctx, ipFailPrefix+ip)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(parallelAttempts), raw)

		status, err := tracker.IsBlocked(ctx, ip)
		require.NoError(t, err)
		assert.True(t, status.Blocked)
		assert.Equal(t, 15*time.Minute, status.RetryAfter)
	})
}
