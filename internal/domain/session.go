package domain

import (
	"context"
	"time"
)

// Session is the server-side record behind an opaque refresh token.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"token_hash"` // SHA-256 hex of the refresh token
	IPAddress string     `json:"ip_address"`
	UserAgent string     `json:"user_agent"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"` // nil when not revoked
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// Usable reports whether the session may still mint access tokens.
func (s *Session) Usable(now time.Time) bool { return !s.Revoked() && !s.Expired(now) }

// SessionRepository persists sessions. Lookups return (nil, nil) when missing.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	// Revoke marks the session revoked and reports whether this call did it.
	// A false result means the session was missing or already revoked.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeAllByUser(ctx context.Context, userID string, at time.Time) (int, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*Session, error)
	DeleteExpiredByUser(ctx context.Context, userID string, now time.Time) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
