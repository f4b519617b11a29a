package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/pkg/security"
)

func TestSweeper_SweepOnceRemovesExpiredState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.users.add(t, "u-1", "ana@example.com", "pw")

	resp, err := e.tokens.Issue(ctx, u.Principal(), "192.0.2.1", "")
	require.NoError(t, err)
	_, err = e.ips.RecordFailedRequest(ctx, "192.0.2.9")
	require.NoError(t, err)

	e.clock.Advance(48 * time.Hour)
	NewSweeper(e.tokens, e.store, time.Minute, nullLogger()).SweepOnce(ctx)

	s, err := e.sessions.GetByTokenHash(ctx, security.HashToken(resp.RefreshToken))
	require.NoError(t, err)
	assert.Nil(t, s)

	keys, err := e.store.Scan(ctx, ipFailPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewSweeper(e.tokens, nil, time.Millisecond, nullLogger()).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestPasswordVerifier(t *testing.T) {
	ctx := context.Background()
	users := newFakeUsers()
	users.add(t, "u-1", "ana@example.com", "pw")
	v, err := NewPasswordVerifier(users, cheapArgon, nullLogger())
	require.NoError(t, err)

	p, err := v.Verify(ctx, "ANA@example.com", "pw")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "u-1", p.ID)

	p, err = v.Verify(ctx, "ana@example.com", "nope")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = v.Verify(ctx, "nobody@example.com", "pw")
	require.NoError(t, err)
	assert.Nil(t, p)

	users.byEmail["broken@example.com"] = &domain.User{ID: "u-2", Email: "broken@example.com", PasswordHash: "plaintext", Active: true}
	p, err = v.Verify(ctx, "broken@example.com", "plaintext")
	require.NoError(t, err)
	assert.Nil(t, p)
}
