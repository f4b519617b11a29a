package domain

import (
	"errors"
	"fmt"
	"time"
)

// Business-rule outcomes; handlers map them to HTTP statuses.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrIPBlocked          = errors.New("requests from this address are blocked")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrMFARequired        = errors.New("mfa_challenge_required")
	ErrStoreUnavailable   = errors.New("backing store unavailable")
)

// AccountLockedError carries the retry-after hint for a locked account.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s; retry after %s", ErrAccountLocked, e.RetryAfter.Round(time.Second))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// IPBlockedError carries the retry-after hint for a blocked address.
// Permanent blocks have no retry-after.
type IPBlockedError struct {
	RetryAfter time.Duration
	Permanent  bool
}

func (e *IPBlockedError) Error() string {
	if e.Permanent {
		return ErrIPBlocked.Error()
	}
	return fmt.Sprintf("%s; retry after %s", ErrIPBlocked, e.RetryAfter.Round(time.Second))
}

func (e *IPBlockedError) Unwrap() error { return ErrIPBlocked }

// StoreError wraps an infrastructure failure of a backing store.
// errors.Is(err, ErrStoreUnavailable) holds for every StoreError.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// NewStoreError wraps err, or returns nil when err is nil.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
