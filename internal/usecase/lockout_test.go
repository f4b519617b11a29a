package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/repository"
)

func newLockout(t *testing.T) (*LockoutTracker, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	cfg := LockoutConfig{MaxAttempts: 5, Duration: 30 * time.Minute, FailureWindow: 15 * time.Minute}
	return NewLockoutTracker(repository.NewMemoryCounterStore(fc), fc, cfg, nullLogger(), nil), fc
}

func TestLockout_SuccessResetsBeforeThreshold(t *testing.T) {
	ctx := context.Background()
	l, _ := newLockout(t)
	const account = "student@example.com"

	for i := 1; i <= 4; i++ {
		n, err := l.RecordFailure(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}
	require.NoError(t, l.RecordSuccess(ctx, account))

	count, err := l.FailureCount(ctx, account)
	require.NoError(t, err)
	assert.Zero(t, count)

	locked, _, err := l.IsLocked(ctx, account)
	require.NoError(t, err)
	assert.False(t, locked)

	n, err := l.RecordFailure(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLockout_LocksAtThresholdAndExpires(t *testing.T) {
	ctx := context.Background()
	l, fc := newLockout(t)
	const account = "student@example.com"

	for i := 0; i < 5; i++ {
		fc.Advance(time.Second)
		_, err := l.RecordFailure(ctx, account)
		require.NoError(t, err)
	}
	lockedAt := fc.Now()

	locked, retry, err := l.IsLocked(ctx, account)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, 30*time.Minute, retry)

	// Failures while locked are rejected and not counted.
	fc.Advance(time.Minute)
	_, err = l.RecordFailure(ctx, account)
	var lockedErr *domain.AccountLockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.Equal(t, 29*time.Minute, lockedErr.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
	count, err := l.FailureCount(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// Still locked at exactly the end of the lock.
	fc.Set(lockedAt.Add(30 * time.Minute))
	locked, retry, err = l.IsLocked(ctx, account)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Zero(t, retry)

	fc.Advance(time.Millisecond)
	locked, _, err = l.IsLocked(ctx, account)
	require.NoError(t, err)
	assert.False(t, locked)

	n, err := l.RecordFailure(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counting restarts after the lock lifts")
}

func TestLockout_FailuresOutsideWindowAreForgotten(t *testing.T) {
	ctx := context.Background()
	l, fc := newLockout(t)

	for i := 0; i < 4; i++ {
		_, err := l.RecordFailure(ctx, "a@example.com")
		require.NoError(t, err)
	}
	fc.Advance(15*time.Minute + time.Second)

	n, err := l.RecordFailure(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLockout_AccountKeyIsNormalized(t *testing.T) {
	ctx := context.Background()
	l, _ := newLockout(t)

	for _, email := range []string{"Mixed@Example.com", " mixed@example.com ", "MIXED@EXAMPLE.COM", "mixed@example.com", "mixed@Example.COM"} {
		_, err := l.RecordFailure(ctx, email)
		require.NoError(t, err)
	}
	locked, _, err := l.IsLocked(ctx, "mixed@example.com")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestLockout_StoreFailure(t *testing.T) {
	l := NewLockoutTracker(brokenStore{}, clock.NewFake(t0), LockoutConfig{MaxAttempts: 5, Duration: time.Minute, FailureWindow: time.Minute}, nullLogger(), nil)

	_, _, err := l.IsLocked(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
