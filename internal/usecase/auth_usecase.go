package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/metrics"
	"github.com/FilipeAphrody/sentinel-guard/pkg/security"
)

const (
	mfaPendingPrefix = "mfa:pending:"
	mfaPendingTTL    = 10 * time.Minute
)

var ErrInvalidMFACode = errors.New("invalid mfa code")

// AuthConfig holds orchestrator policy.
type AuthConfig struct {
	// FailOpenGuards lets requests through when the IP/lockout checks cannot
	// reach the store. Token validation always fails closed.
	FailOpenGuards bool
	VerifyTimeout  time.Duration
	MFAIssuer      string
}

// AuthDeps are the collaborators of AuthUsecase.
type AuthDeps struct {
	Verifier domain.CredentialVerifier
	Users    domain.UserRepository
	IPs      *IPTracker
	Lockout  *LockoutTracker
	Tokens   *TokenIssuer
	Monitor  *SecurityMonitor
	Store    domain.CounterStore
	Clock    clock.Clock
	Log      logrus.FieldLogger
	Metrics  *metrics.Recorder
}

// AuthUsecase is the façade used by request handlers. It is the only place
// where the fail-open/fail-closed policy is decided.
type AuthUsecase struct {
	verifier domain.CredentialVerifier
	users    domain.UserRepository
	ips      *IPTracker
	lockout  *LockoutTracker
	tokens   *TokenIssuer
	monitor  *SecurityMonitor
	store    domain.CounterStore
	clock    clock.Clock
	cfg      AuthConfig
	log      logrus.FieldLogger
	metrics  *metrics.Recorder
}

func NewAuthUsecase(d AuthDeps, cfg AuthConfig) *AuthUsecase {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	if cfg.MFAIssuer == "" {
		cfg.MFAIssuer = "Sentinel"
	}
	return &AuthUsecase{
		verifier: d.Verifier,
		users:    d.Users,
		ips:      d.IPs,
		lockout:  d.Lockout,
		tokens:   d.Tokens,
		monitor:  d.Monitor,
		store:    d.Store,
		clock:    d.Clock,
		cfg:      cfg,
		log:      d.Log.WithField("component", "auth"),
		metrics:  d.Metrics,
	}
}

// Login authenticates credentials from ip and issues a token pair.
func (u *AuthUsecase) Login(ctx context.Context, creds domain.Credentials, ip, userAgent string) (*domain.AuthResponse, error) {
	account := NormalizeAccount(creds.Email)

	// 1. Reject blocked addresses before touching the account.
	status, err := u.IsRequestBlocked(ctx, ip)
	if err != nil {
		u.metrics.LoginAttempt("error")
		return nil, err
	}
	if status.Blocked {
		u.metrics.LoginAttempt("ip_blocked")
		return nil, &domain.IPBlockedError{RetryAfter: status.RetryAfter, Permanent: status.Permanent}
	}

	// 2. Claim a lockout slot by email before the password, for unknown emails
	// too. Slot 0 means the guard is bypassed under FailOpenGuards.
	slot, err := u.lockout.Acquire(ctx, account)
	var lockedErr *domain.AccountLockedError
	switch {
	case errors.As(err, &lockedErr):
		u.metrics.LoginAttempt("locked")
		return nil, lockedErr
	case err != nil:
		if !u.guardFailOpen(err, "lockout") {
			u.metrics.LoginAttempt("error")
			return nil, err
		}
		slot = 0
	}

	// 3. Verify the password through the pluggable verifier.
	vctx, cancel := context.WithTimeout(ctx, u.cfg.VerifyTimeout)
	principal, err := u.verifier.Verify(vctx, account, creds.Password)
	cancel()
	if err != nil {
		u.releaseSlot(ctx, account, slot)
		u.metrics.LoginAttempt("error")
		u.log.WithError(err).Error("credential verification failed")
		return nil, err
	}
	if principal == nil || !principal.Active {
		return nil, u.loginFailed(ctx, account, slot, "", ip, domain.EventLoginFailure)
	}

	// 4. Second factor for principals with MFA enabled.
	if principal.MFAEnabled {
		if creds.OTPCode == "" {
			u.releaseSlot(ctx, account, slot)
			u.metrics.LoginAttempt("mfa_required")
			return nil, domain.ErrMFARequired
		}
		if !security.VerifyMFACode(creds.OTPCode, principal.MFASecret, u.clock.Now()) {
			return nil, u.loginFailed(ctx, account, slot, principal.ID, ip, domain.EventMFAFailure)
		}
	}

	// 5. Success: reset the lockout and issue the session.
	if err := u.lockout.RecordSuccess(ctx, account); err != nil {
		u.log.WithError(err).Warn("failed to reset lockout counter")
	}
	resp, err := u.tokens.Issue(ctx, principal, ip, userAgent)
	if err != nil {
		u.metrics.LoginAttempt("error")
		return nil, err
	}
	u.record(ctx, domain.EventLoginSuccess, ip, principal.ID, nil)
	u.metrics.LoginAttempt("success")
	return resp, nil
}

// releaseSlot hands back a lockout slot for an attempt that ended without a verdict.
func (u *AuthUsecase) releaseSlot(ctx context.Context, account string, slot int64) {
	if slot == 0 {
		return
	}
	if err := u.lockout.Release(ctx, account); err != nil {
		u.metrics.StoreError("lockout")
		u.log.WithError(err).Warn("failed to release lockout slot")
	}
}

// loginFailed records a failed attempt everywhere and picks the error to return.
func (u *AuthUsecase) loginFailed(ctx context.Context, account string, slot int64, subjectID, ip string, eventType domain.EventType) error {
	u.metrics.LoginAttempt("failure")

	var lockErr error
	if slot > 0 {
		lockErr = u.lockout.Fail(ctx, account, slot)
	} else {
		// The guard was bypassed; count the failure if the store came back.
		slot, lockErr = u.lockout.RecordFailure(ctx, account)
	}
	var lockedErr *domain.AccountLockedError
	if errors.As(lockErr, &lockedErr) {
		return lockedErr
	}
	if lockErr != nil {
		u.metrics.StoreError("lockout")
		u.log.WithError(lockErr).Warn("failed to record account failure")
	}

	if _, err := u.ips.RecordFailedRequest(ctx, ip); err != nil {
		u.metrics.StoreError("ip_tracker")
		u.log.WithError(err).WithField("ip", ip).Warn("failed to record ip failure")
	}

	u.record(ctx, eventType, ip, subjectID, map[string]string{"account": account})

	if lockErr == nil && slot >= int64(u.lockout.cfg.MaxAttempts) {
		u.record(ctx, domain.EventAccountLocked, ip, subjectID, map[string]string{"account": account})
		return &domain.AccountLockedError{RetryAfter: u.lockout.cfg.Duration}
	}
	return domain.ErrInvalidCredentials
}

// Refresh rotates a refresh token. Failures are recorded as TOKEN_INVALID, or
// TOKEN_REUSE when a rotated token is replayed.
func (u *AuthUsecase) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*domain.AuthResponse, error) {
	resp, err := u.tokens.Refresh(ctx, refreshToken, ip, userAgent)
	if err == nil {
		return resp, nil
	}
	switch {
	case errors.Is(err, ErrRefreshTokenReuse):
		u.record(ctx, domain.EventTokenReuse, ip, "", nil)
		u.recordIPFailure(ctx, ip)
		return nil, domain.ErrInvalidToken
	case errors.Is(err, domain.ErrInvalidToken):
		u.record(ctx, domain.EventTokenInvalid, ip, "", map[string]string{"token": "refresh"})
		u.recordIPFailure(ctx, ip)
		return nil, domain.ErrInvalidToken
	default:
		return nil, err
	}
}

// Logout revokes the access token and its session. It is idempotent: invalid
// or already revoked tokens succeed; only infrastructure failures are returned.
func (u *AuthUsecase) Logout(ctx context.Context, accessToken string) error {
	return u.tokens.Revoke(ctx, accessToken)
}

// Authenticate validates a bearer token for a protected route.
func (u *AuthUsecase) Authenticate(ctx context.Context, accessToken, ip string) (*domain.Principal, error) {
	p, err := u.tokens.Validate(ctx, accessToken)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidToken) {
			u.record(ctx, domain.EventTokenInvalid, ip, "", map[string]string{"token": "access"})
		} else {
			u.metrics.StoreError("token_validate")
		}
		return nil, err
	}
	return p, nil
}

// IsRequestBlocked is the guard hook run before every handler. Store failures
// follow FailOpenGuards.
func (u *AuthUsecase) IsRequestBlocked(ctx context.Context, ip string) (BlockStatus, error) {
	status, err := u.ips.IsBlocked(ctx, ip)
	if err != nil {
		if u.guardFailOpen(err, "ip_tracker") {
			return BlockStatus{}, nil
		}
		return BlockStatus{}, err
	}
	return status, nil
}

func (u *AuthUsecase) guardFailOpen(err error, component string) bool {
	u.metrics.StoreError(component)
	entry := u.log.WithError(err).WithField("guard", component)
	if u.cfg.FailOpenGuards {
		entry.Warn("guard store unavailable, failing open")
		return true
	}
	entry.Error("guard store unavailable, failing closed")
	return false
}

// ReportEvent is the entry point for external detectors.
func (u *AuthUsecase) ReportEvent(ctx context.Context, eventType domain.EventType, ip, subjectID string, details map[string]string) (domain.SecurityEvent, error) {
	return u.monitor.RecordEvent(ctx, domain.SecurityEvent{
		Type:      eventType,
		IP:        ip,
		SubjectID: subjectID,
		Details:   details,
	})
}

func (u *AuthUsecase) record(ctx context.Context, eventType domain.EventType, ip, subjectID string, details map[string]string) {
	if _, err := u.ReportEvent(ctx, eventType, ip, subjectID, details); err != nil {
		u.log.WithError(err).WithField("type", eventType).Warn("security event escalation failed")
	}
}

func (u *AuthUsecase) recordIPFailure(ctx context.Context, ip string) {
	if _, err := u.ips.RecordFailedRequest(ctx, ip); err != nil {
		u.metrics.StoreError("ip_tracker")
		u.log.WithError(err).WithField("ip", ip).Warn("failed to record ip failure")
	}
}

// --- Sessions ---

// ListSessions returns the caller's active sessions.
func (u *AuthUsecase) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return u.tokens.ListSessions(ctx, userID)
}

// RevokeAllSessions logs a user out everywhere (password change, admin action).
func (u *AuthUsecase) RevokeAllSessions(ctx context.Context, userID string) (int, error) {
	return u.tokens.RevokeAllForUser(ctx, userID)
}

// --- Admin hooks ---

func (u *AuthUsecase) ListBlockedIPs(ctx context.Context) ([]BlockedIP, error) {
	return u.ips.ListBlocked(ctx)
}

func (u *AuthUsecase) AddToBlocklist(ctx context.Context, ip string) error {
	return u.ips.AddToPermanentBlocklist(ctx, ip)
}

func (u *AuthUsecase) RemoveFromBlocklist(ctx context.Context, ip string) error {
	return u.ips.RemoveFromPermanentBlocklist(ctx, ip)
}

// BlockIP applies an administrative temporary block. It reports false for whitelisted addresses.
func (u *AuthUsecase) BlockIP(ctx context.Context, ip string, d time.Duration) (bool, error) {
	applied, err := u.ips.BlockTemporarily(ctx, ip, d)
	if err == nil && applied {
		u.metrics.IPBlocked(metrics.ReasonManual)
	}
	return applied, err
}

func (u *AuthUsecase) UnblockIP(ctx context.Context, ip string) error {
	return u.ips.UnblockTemporarily(ctx, ip)
}

func (u *AuthUsecase) AddToWhitelist(ctx context.Context, ip string) error {
	return u.ips.AddToWhitelist(ctx, ip)
}

func (u *AuthUsecase) RemoveFromWhitelist(ctx context.Context, ip string) error {
	return u.ips.RemoveFromWhitelist(ctx, ip)
}

func (u *AuthUsecase) RecentEvents(limit int) []domain.SecurityEvent {
	return u.monitor.GetRecentEvents(limit)
}

func (u *AuthUsecase) EventStatistics(since time.Time) map[domain.EventType]int {
	return u.monitor.GetEventStatistics(since)
}

// --- MFA enrollment ---

// BeginMFAEnrollment generates a TOTP secret and keeps it pending until confirmed.
func (u *AuthUsecase) BeginMFAEnrollment(ctx context.Context, p *domain.Principal) (*security.MFAKey, error) {
	key, err := security.GenerateMFAKey(u.cfg.MFAIssuer, p.Email)
	if err != nil {
		return nil, err
	}
	if err := u.store.SetWithExpiry(ctx, mfaPendingPrefix+p.ID, key.Secret, mfaPendingTTL); err != nil {
		return nil, err
	}
	return key, nil
}

// ConfirmMFAEnrollment verifies the first code against the pending secret and
// enables MFA for the user.
func (u *AuthUsecase) ConfirmMFAEnrollment(ctx context.Context, p *domain.Principal, code, ip string) error {
	secret, ok, err := u.store.Get(ctx, mfaPendingPrefix+p.ID)
	if err != nil {
		return err
	}
	if !ok || !security.VerifyMFACode(code, secret, u.clock.Now()) {
		u.record(ctx, domain.EventMFAFailure, ip, p.ID, map[string]string{"stage": "enrollment"})
		return ErrInvalidMFACode
	}

	if err := u.users.UpdateMFA(ctx, p.ID, true, secret); err != nil {
		return err
	}
	if err := u.store.Delete(ctx, mfaPendingPrefix+p.ID); err != nil {
		u.log.WithError(err).WithField("user_id", p.ID).Warn("failed to clear pending mfa secret")
	}
	u.log.WithField("user_id", p.ID).Info("mfa enabled")
	return nil
}
