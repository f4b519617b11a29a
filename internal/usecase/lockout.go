package usecase

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/metrics"
)

const (
	acctFailPrefix = "acct:fail:"
	acctLastPrefix = "acct:last:"

	// lockoutGrace keeps the counter alive slightly past the lockout end so
	// the expiry comparison, not the TTL, decides when the lock lifts.
	lockoutGrace = time.Second
)

// LockoutConfig holds the account lockout constants.
type LockoutConfig struct {
	MaxAttempts   int
	Duration      time.Duration
	FailureWindow time.Duration
}

// LockoutTracker counts failed logins per account.
// Locking compares with >= and expiry with >, so a lock lasts at least Duration.
type LockoutTracker struct {
	store   domain.CounterStore
	clock   clock.Clock
	cfg     LockoutConfig
	log     logrus.FieldLogger
	metrics *metrics.Recorder
}

func NewLockoutTracker(store domain.CounterStore, clk clock.Clock, cfg LockoutConfig, log logrus.FieldLogger, m *metrics.Recorder) *LockoutTracker {
	return &LockoutTracker{
		store:   store,
		clock:   clk,
		cfg:     cfg,
		log:     log.WithField("component", "lockout"),
		metrics: m,
	}
}

// NormalizeAccount maps an email to its lockout key. Unknown emails are
// tracked the same way as real ones.
func NormalizeAccount(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsLocked reports whether the account is locked and for how long.
func (l *LockoutTracker) IsLocked(ctx context.Context, account string) (bool, time.Duration, error) {
	account = NormalizeAccount(account)
	count, err := l.count(ctx, account)
	if err != nil || count < int64(l.cfg.MaxAttempts) {
		return false, 0, err
	}

	last, ok, err := l.lastFailure(ctx, account)
	if err != nil {
		return false, 0, err
	}
	now := l.clock.Now()
	if !ok {
		// Counter without timestamp: lock from now rather than unlock early.
		last = now
	}
	end := last.Add(l.cfg.Duration)
	if now.After(end) {
		if err := l.RecordSuccess(ctx, account); err != nil {
			return false, 0, err
		}
		return false, 0, nil
	}
	return true, end.Sub(now), nil
}

// Acquire claims one attempt slot for the account before its credentials are
// checked. The claim is an atomic increment of the failure counter, so no more
// than MaxAttempts attempts can be in flight or failed at once; a claim past
// the threshold is handed back and the call fails with *domain.AccountLockedError.
// The returned slot must end in Fail, Release or RecordSuccess.
func (l *LockoutTracker) Acquire(ctx context.Context, account string) (int64, error) {
	account = NormalizeAccount(account)
	locked, retryAfter, err := l.IsLocked(ctx, account)
	if err != nil {
		return 0, err
	}
	if locked {
		return 0, &domain.AccountLockedError{RetryAfter: retryAfter}
	}

	slot, err := l.store.IncrementWindow(ctx, acctFailPrefix+account, l.cfg.FailureWindow)
	if err != nil {
		return 0, err
	}
	if slot <= int64(l.cfg.MaxAttempts) {
		return slot, nil
	}

	// Every slot up to the threshold is held by a failure or a pending attempt.
	if err := l.Release(ctx, account); err != nil {
		return 0, err
	}
	locked, retryAfter, err = l.IsLocked(ctx, account)
	if err != nil {
		return 0, err
	}
	if !locked || retryAfter <= 0 {
		retryAfter = l.cfg.Duration
	}
	return 0, &domain.AccountLockedError{RetryAfter: retryAfter}
}

// Release hands back a slot whose attempt ended without a verdict.
func (l *LockoutTracker) Release(ctx context.Context, account string) error {
	_, err := l.store.Decrement(ctx, acctFailPrefix+NormalizeAccount(account))
	return err
}

// Fail turns a claimed slot into a recorded failure. The slot that reaches
// MaxAttempts locks the account.
func (l *LockoutTracker) Fail(ctx context.Context, account string, slot int64) error {
	account = NormalizeAccount(account)
	if slot >= int64(l.cfg.MaxAttempts) {
		if err := l.store.Expire(ctx, acctFailPrefix+account, l.cfg.Duration+lockoutGrace); err != nil {
			return err
		}
		l.metrics.AccountLocked()
		l.log.WithFields(logrus.Fields{
			"account":  account,
			"duration": l.cfg.Duration.String(),
		}).Warn("account locked")
	}
	// The timestamp is only read once the counter reaches the threshold, so it
	// must outlive both the window and the lock.
	ttl := max(l.cfg.FailureWindow, l.cfg.Duration) + lockoutGrace
	now := l.clock.Now()
	return l.store.SetWithExpiry(ctx, acctLastPrefix+account, strconv.FormatInt(now.UnixMilli(), 10), ttl)
}

// RecordFailure counts a failed attempt and returns the new count. A locked
// account is not counted further; the call fails with *domain.AccountLockedError.
func (l *LockoutTracker) RecordFailure(ctx context.Context, account string) (int64, error) {
	slot, err := l.Acquire(ctx, account)
	if err != nil {
		return 0, err
	}
	return slot, l.Fail(ctx, account, slot)
}

// RecordSuccess resets the account unconditionally.
func (l *LockoutTracker) RecordSuccess(ctx context.Context, account string) error {
	account = NormalizeAccount(account)
	if err := l.store.Delete(ctx, acctFailPrefix+account); err != nil {
		return err
	}
	return l.store.Delete(ctx, acctLastPrefix+account)
}

// FailureCount returns the current count inside the window.
func (l *LockoutTracker) FailureCount(ctx context.Context, account string) (int64, error) {
	return l.count(ctx, NormalizeAccount(account))
}

func (l *LockoutTracker) count(ctx context.Context, account string) (int64, error) {
	raw, ok, err := l.store.Get(ctx, acctFailPrefix+account)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.log.WithField("account", account).Warn("ignoring malformed failure counter")
		return 0, nil
	}
	return n, nil
}

func (l *LockoutTracker) lastFailure(ctx context.Context, account string) (time.Time, bool, error) {
	raw, ok, err := l.store.Get(ctx, acctLastPrefix+account)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
