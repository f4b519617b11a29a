package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/repository"
	"github.com/FilipeAphrody/sentinel-guard/pkg/security"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

var (
	t0         = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errBoom    = errors.New("connection refused")
	cheapArgon = security.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
)

func nullLogger() logrus.FieldLogger {
	log, _ := logtest.NewNullLogger()
	return log
}

// fakeUsers is an in-memory user table that also serves as PrincipalSource.
type fakeUsers struct {
	mu      sync.Mutex
	byEmail map[string]*domain.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: make(map[string]*domain.User)}
}

func (f *fakeUsers) add(t *testing.T, id, email, password string) *domain.User {
	t.Helper()
	hash, err := security.HashPasswordWithParams(password, cheapArgon)
	require.NoError(t, err)
	u := &domain.User{ID: id, Email: email, PasswordHash: hash, Role: "student", Active: true}
	f.mu.Lock()
	f.byEmail[email] = u
	f.mu.Unlock()
	return u
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byEmail[email]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byEmail {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) UpdateMFA(_ context.Context, userID string, enabled bool, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byEmail {
		if u.ID == userID {
			u.MFAEnabled = enabled
			u.MFASecret = secret
			return nil
		}
	}
	return errors.New("user not found")
}

func (f *fakeUsers) PrincipalByID(ctx context.Context, id string) (*domain.Principal, error) {
	u, err := f.GetByID(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}
	return u.Principal(), nil
}

// brokenStore fails every call the way an unreachable Redis would.
type brokenStore struct{}

func (brokenStore) Increment(context.Context, string) (int64, error) {
	return 0, domain.NewStoreError("incr", errBoom)
}

func (brokenStore) IncrementWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, domain.NewStoreError("incr", errBoom)
}

func (brokenStore) Decrement(context.Context, string) (int64, error) {
	return 0, domain.NewStoreError("decr", errBoom)
}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, domain.NewStoreError("get", errBoom)
}

func (brokenStore) SetWithExpiry(context.Context, string, string, time.Duration) error {
	return domain.NewStoreError("set", errBoom)
}

func (brokenStore) Exists(context.Context, string) (bool, error) {
	return false, domain.NewStoreError("exists", errBoom)
}

func (brokenStore) Expire(context.Context, string, time.Duration) error {
	return domain.NewStoreError("expire", errBoom)
}

func (brokenStore) Delete(context.Context, string) error {
	return domain.NewStoreError("del", errBoom)
}

func (brokenStore) Scan(context.Context, string) ([]string, error) {
	return nil, domain.NewStoreError("scan", errBoom)
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
}

func (s *recordingSink) Publish(_ context.Context, ev domain.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type env struct {
	clock    *clock.Fake
	store    *repository.MemoryCounterStore
	sessions *repository.MemorySessionRepo
	users    *fakeUsers
	ips      *IPTracker
	lockout  *LockoutTracker
	tokens   *TokenIssuer
	monitor  *SecurityMonitor
	auth     *AuthUsecase
}

type envOption func(*envConfig)

type envConfig struct {
	ip      IPTrackerConfig
	lockout LockoutConfig
	token   TokenConfig
	auth    AuthConfig
	guards  domain.CounterStore // overrides the store used by the trackers
	verify  domain.CredentialVerifier
}

func withGuardStore(s domain.CounterStore) envOption {
	return func(c *envConfig) { c.guards = s }
}

func withVerifier(v domain.CredentialVerifier) envOption {
	return func(c *envConfig) { c.verify = v }
}

func withFailOpen() envOption {
	return func(c *envConfig) { c.auth.FailOpenGuards = true }
}

func withMaxSessions(n int) envOption {
	return func(c *envConfig) { c.token.MaxSessionsPerUser = n }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{
		ip: IPTrackerConfig{
			MaxFailedRequests: 5,
			FailureWindow:     5 * time.Minute,
			BlockDuration:     15 * time.Minute,
		},
		lockout: LockoutConfig{
			MaxAttempts:   5,
			Duration:      30 * time.Minute,
			FailureWindow: 15 * time.Minute,
		},
		token: TokenConfig{
			Secret:     testSecret,
			Issuer:     "sentinel-test",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := nullLogger()
	fc := clock.NewFake(t0)
	store := repository.NewMemoryCounterStore(fc)
	guards := domain.CounterStore(store)
	if cfg.guards != nil {
		guards = cfg.guards
	}
	sessions := repository.NewMemorySessionRepo()
	users := newFakeUsers()

	ips := NewIPTracker(guards, fc, cfg.ip, log, nil)
	lockout := NewLockoutTracker(guards, fc, cfg.lockout, log, nil)
	tokens := NewTokenIssuer(sessions, store, users, fc, cfg.token, log, nil)
	monitor := NewSecurityMonitor(MonitorConfig{BufferSize: 100}, ips, fc, log, nil)
	var verifier domain.CredentialVerifier = cfg.verify
	if verifier == nil {
		pv, err := NewPasswordVerifier(users, cheapArgon, log)
		require.NoError(t, err)
		verifier = pv
	}

	auth := NewAuthUsecase(AuthDeps{
		Verifier: verifier,
		Users:    users,
		IPs:      ips,
		Lockout:  lockout,
		Tokens:   tokens,
		Monitor:  monitor,
		Store:    store,
		Clock:    fc,
		Log:      log,
	}, cfg.auth)

	return &env{
		clock:    fc,
		store:    store,
		sessions: sessions,
		users:    users,
		ips:      ips,
		lockout:  lockout,
		tokens:   tokens,
		monitor:  monitor,
		auth:     auth,
	}
}

func (e *env) eventCount(eventType domain.EventType) int {
	return e.monitor.GetEventStatistics(time.Time{})[eventType]
}
