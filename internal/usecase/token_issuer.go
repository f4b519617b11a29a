package usecase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/metrics"
	"github.com/FilipeAphrody/sentinel-guard/pkg/security"
)

const (
	tokenBlacklistPrefix = "tok:bl:"
	tokenCutoffPrefix    = "tok:cutoff:"
	tokenRotatedPrefix   = "tok:rotated:"
)

// ErrRefreshTokenReuse is returned when an already rotated refresh token is
// presented again. It matches domain.ErrInvalidToken.
var ErrRefreshTokenReuse = fmt.Errorf("%w: refresh token reuse", domain.ErrInvalidToken)

// TokenConfig holds signing and lifetime settings.
type TokenConfig struct {
	Secret             string
	Issuer             string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	MaxSessionsPerUser int // 0 = unlimited
}

// TokenIssuer mints access/refresh pairs and tracks revocation. Access tokens
// are stateless JWTs; revocation is enforced through a hash blacklist and a
// per-user cutoff kept in the counter store. Refresh tokens are opaque and
// backed by sessions.
type TokenIssuer struct {
	signer     *security.TokenSigner
	sessions   domain.SessionRepository
	store      domain.CounterStore
	principals domain.PrincipalSource
	clock      clock.Clock
	cfg        TokenConfig
	// revoked caches positive blacklist hits; entries never need invalidation.
	revoked *cache.Cache
	log     logrus.FieldLogger
	metrics *metrics.Recorder
}

func NewTokenIssuer(
	sessions domain.SessionRepository,
	store domain.CounterStore,
	principals domain.PrincipalSource,
	clk clock.Clock,
	cfg TokenConfig,
	log logrus.FieldLogger,
	m *metrics.Recorder,
) *TokenIssuer {
	return &TokenIssuer{
		signer:     security.NewTokenSigner(cfg.Secret, cfg.Issuer, clk.Now),
		sessions:   sessions,
		store:      store,
		principals: principals,
		clock:      clk,
		cfg:        cfg,
		revoked:    cache.New(cfg.AccessTTL, 10*time.Minute),
		log:        log.WithField("component", "token_issuer"),
		metrics:    m,
	}
}

// Issue mints a new access token and a new session-backed refresh token.
func (t *TokenIssuer) Issue(ctx context.Context, p *domain.Principal, ip, userAgent string) (*domain.AuthResponse, error) {
	now := t.clock.Now()

	// 1. Garbage-collect the principal's expired sessions on the write path.
	if n, err := t.sessions.DeleteExpiredByUser(ctx, p.ID, now); err != nil {
		t.log.WithError(err).WithField("user_id", p.ID).Warn("failed to purge expired sessions")
	} else if n > 0 {
		t.log.WithFields(logrus.Fields{"user_id": p.ID, "purged": n}).Debug("purged expired sessions")
	}

	// 2. Persist the session behind an opaque refresh token; only its hash is stored.
	refreshToken, err := security.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}
	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    p.ID,
		TokenHash: security.HashToken(refreshToken),
		IPAddress: ip,
		UserAgent: userAgent,
		IssuedAt:  now,
		ExpiresAt: now.Add(t.cfg.RefreshTTL),
	}
	if err := t.sessions.Create(ctx, session); err != nil {
		t.metrics.TokenOperation("issue", "error")
		return nil, err
	}

	// 3. Enforce the concurrent session cap by revoking the oldest sessions.
	if t.cfg.MaxSessionsPerUser > 0 {
		if err := t.enforceSessionCap(ctx, p.ID, now); err != nil {
			t.log.WithError(err).WithField("user_id", p.ID).Warn("failed to enforce session cap")
		}
	}

	// 4. Sign the access token bound to the session.
	accessToken, err := t.signer.Sign(security.Claims{
		UserID:    p.ID,
		Email:     p.Email,
		Role:      p.Role,
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID: uuid.NewString(),
		},
	}, t.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}

	t.metrics.TokenOperation("issue", "ok")
	return &domain.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(t.cfg.AccessTTL.Seconds()),
	}, nil
}

func (t *TokenIssuer) enforceSessionCap(ctx context.Context, userID string, now time.Time) error {
	active, err := t.sessions.ListActiveByUser(ctx, userID, now)
	if err != nil {
		return err
	}
	excess := len(active) - t.cfg.MaxSessionsPerUser
	for i := 0; i < excess; i++ {
		if _, err := t.sessions.Revoke(ctx, active[i].ID, now); err != nil {
			return err
		}
	}
	return nil
}

// Refresh rotates a refresh token: the presented session is revoked and a new
// pair is issued. A missing, expired, logged-out or lost-race token yields
// domain.ErrInvalidToken; a token that was already rotated is treated as
// reuse, which revokes every session of the user.
func (t *TokenIssuer) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*domain.AuthResponse, error) {
	now := t.clock.Now()
	session, err := t.sessions.GetByTokenHash(ctx, security.HashToken(refreshToken))
	if err != nil {
		t.metrics.TokenOperation("refresh", "error")
		return nil, err
	}
	if session == nil || session.Expired(now) {
		t.metrics.TokenOperation("refresh", "invalid")
		return nil, domain.ErrInvalidToken
	}
	if session.Revoked() {
		rotated, err := t.store.Exists(ctx, tokenRotatedPrefix+session.ID)
		if err != nil {
			t.metrics.TokenOperation("refresh", "error")
			return nil, err
		}
		if !rotated {
			t.metrics.TokenOperation("refresh", "invalid")
			return nil, domain.ErrInvalidToken
		}
		t.metrics.TokenOperation("refresh", "reuse")
		t.log.WithFields(logrus.Fields{
			"user_id":    session.UserID,
			"session_id": session.ID,
		}).Warn("refresh token reuse detected, revoking all sessions")
		if _, err := t.RevokeAllForUser(ctx, session.UserID); err != nil {
			return nil, err
		}
		return nil, ErrRefreshTokenReuse
	}

	won, err := t.sessions.Revoke(ctx, session.ID, now)
	if err != nil {
		t.metrics.TokenOperation("refresh", "error")
		return nil, err
	}
	if !won {
		// A concurrent refresh with the same token got there first.
		t.metrics.TokenOperation("refresh", "invalid")
		return nil, domain.ErrInvalidToken
	}
	if err := t.store.SetWithExpiry(ctx, tokenRotatedPrefix+session.ID, "1", session.ExpiresAt.Sub(now)+time.Second); err != nil {
		t.log.WithError(err).WithField("session_id", session.ID).Warn("failed to mark session rotated")
	}

	p, err := t.principals.PrincipalByID(ctx, session.UserID)
	if err != nil {
		t.metrics.TokenOperation("refresh", "error")
		return nil, err
	}
	if p == nil || !p.Active {
		t.metrics.TokenOperation("refresh", "invalid")
		return nil, domain.ErrInvalidToken
	}

	resp, err := t.Issue(ctx, p, ip, userAgent)
	if err != nil {
		return nil, err
	}
	t.metrics.TokenOperation("refresh", "ok")
	return resp, nil
}

// Revoke logs an access token out: its session is revoked and the token is
// blacklisted for its remaining lifetime. Expired tokens with a valid
// signature still revoke their session. Unverifiable tokens are a no-op.
func (t *TokenIssuer) Revoke(ctx context.Context, accessToken string) error {
	claims, err := t.signer.ParseIgnoringExpiry(accessToken)
	if err != nil {
		t.metrics.TokenOperation("revoke", "invalid")
		return nil
	}
	now := t.clock.Now()

	if claims.SessionID != "" {
		if _, err := t.sessions.Revoke(ctx, claims.SessionID, now); err != nil {
			t.metrics.TokenOperation("revoke", "error")
			return err
		}
	}

	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Time.Sub(now); remaining > 0 {
			hash := security.HashToken(accessToken)
			if err := t.store.SetWithExpiry(ctx, tokenBlacklistPrefix+hash, "1", remaining); err != nil {
				t.metrics.TokenOperation("revoke", "error")
				return err
			}
			t.revoked.Set(hash, struct{}{}, remaining)
		}
	}
	t.metrics.TokenOperation("revoke", "ok")
	return nil
}

// Validate authenticates an access token. Store failures fail closed: the
// error is returned and no principal is produced.
func (t *TokenIssuer) Validate(ctx context.Context, accessToken string) (*domain.Principal, error) {
	claims, err := t.signer.Parse(accessToken)
	if err != nil {
		t.metrics.TokenOperation("validate", "invalid")
		return nil, domain.ErrInvalidToken
	}

	hash := security.HashToken(accessToken)
	if _, hit := t.revoked.Get(hash); hit {
		t.metrics.TokenOperation("validate", "revoked")
		return nil, domain.ErrInvalidToken
	}
	blacklisted, err := t.store.Exists(ctx, tokenBlacklistPrefix+hash)
	if err != nil {
		t.metrics.TokenOperation("validate", "error")
		return nil, err
	}
	if blacklisted {
		t.metrics.TokenOperation("validate", "revoked")
		return nil, domain.ErrInvalidToken
	}

	cutoff, ok, err := t.store.Get(ctx, tokenCutoffPrefix+claims.UserID)
	if err != nil {
		t.metrics.TokenOperation("validate", "error")
		return nil, err
	}
	if ok {
		if ms, perr := strconv.ParseInt(cutoff, 10, 64); perr == nil && claims.IssuedAtMillis() <= ms {
			t.metrics.TokenOperation("validate", "revoked")
			return nil, domain.ErrInvalidToken
		}
	}

	t.metrics.TokenOperation("validate", "ok")
	return &domain.Principal{
		ID:     claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
		Active: true,
	}, nil
}

// RevokeAllForUser revokes every session of the user and rejects all access
// tokens issued up to now, to the millisecond.
func (t *TokenIssuer) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	now := t.clock.Now()
	// The cutoff only needs to outlive the longest access token issued before it.
	if err := t.store.SetWithExpiry(ctx, tokenCutoffPrefix+userID, strconv.FormatInt(now.UnixMilli(), 10), t.cfg.AccessTTL+time.Minute); err != nil {
		return 0, err
	}
	n, err := t.sessions.RevokeAllByUser(ctx, userID, now)
	if err != nil {
		return n, err
	}
	t.metrics.TokenOperation("revoke_all", "ok")
	t.log.WithFields(logrus.Fields{"user_id": userID, "sessions": n}).Info("revoked all sessions")
	return n, nil
}

// ListSessions returns the user's usable sessions, oldest first.
func (t *TokenIssuer) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return t.sessions.ListActiveByUser(ctx, userID, t.clock.Now())
}

// PurgeExpiredSessions deletes every expired session.
func (t *TokenIssuer) PurgeExpiredSessions(ctx context.Context) (int, error) {
	return t.sessions.DeleteExpired(ctx, t.clock.Now())
}
