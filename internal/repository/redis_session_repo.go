package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

// RedisSessionRepo implements domain.SessionRepository using Redis.
//
// Key layout:
//
//	auth:session:<hash>          JSON session, TTL until expiry
//	auth:session_id:<id>         token hash, TTL until expiry
//	auth:session:revoked:<id>    revocation marker (SETNX), TTL until expiry
//	auth:user_sessions:<userID>  set of session ids
type RedisSessionRepo struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisSessionRepo creates a new repository instance.
func NewRedisSessionRepo(client redis.UniversalClient, timeout time.Duration) *RedisSessionRepo {
	return &RedisSessionRepo{client: client, timeout: timeout}
}

func sessionKey(hash string) string      { return fmt.Sprintf("auth:session:%s", hash) }
func sessionIDKey(id string) string      { return fmt.Sprintf("auth:session_id:%s", id) }
func sessionRevokedKey(id string) string { return fmt.Sprintf("auth:session:revoked:%s", id) }
func userSessionsKey(uid string) string  { return fmt.Sprintf("auth:user_sessions:%s", uid) }

func (r *RedisSessionRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Create saves the session with a TTL matching its lifetime.
func (r *RedisSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := s.ExpiresAt.Sub(s.IssuedAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(s.TokenHash), payload, ttl)
	pipe.Set(ctx, sessionIDKey(s.ID), s.TokenHash, ttl)
	pipe.SAdd(ctx, userSessionsKey(s.UserID), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewStoreError("create session", err)
	}
	return nil
}

func (r *RedisSessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.load(ctx, tokenHash)
}

// load reads and decodes a session, overlaying the revocation marker.
func (r *RedisSessionRepo) load(ctx context.Context, tokenHash string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, domain.NewStoreError("get session", err)
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.RevokedAt == nil {
		marker, err := r.client.Get(ctx, sessionRevokedKey(s.ID)).Int64()
		switch {
		case err == nil:
			at := time.UnixMilli(marker).UTC()
			s.RevokedAt = &at
		case !errors.Is(err, redis.Nil):
			return nil, domain.NewStoreError("get session", err)
		}
	}
	return &s, nil
}

func (r *RedisSessionRepo) loadByID(ctx context.Context, id string) (*domain.Session, error) {
	hash, err := r.client.Get(ctx, sessionIDKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, domain.NewStoreError("get session id", err)
	}
	return r.load(ctx, hash)
}

// Revoke claims the revocation marker with SETNX so that only one caller wins.
func (r *RedisSessionRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.revoke(ctx, id, at)
}

func (r *RedisSessionRepo) revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	s, err := r.loadByID(ctx, id)
	if err != nil || s == nil || s.Revoked() {
		return false, err
	}

	ttl := s.ExpiresAt.Sub(at)
	if ttl <= 0 {
		ttl = time.Second
	}
	won, err := r.client.SetNX(ctx, sessionRevokedKey(id), at.UnixMilli(), ttl).Result()
	if err != nil {
		return false, domain.NewStoreError("revoke session", err)
	}
	if !won {
		return false, nil
	}

	s.RevokedAt = &at
	payload, err := json.Marshal(s)
	if err != nil {
		return true, fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.SetArgs(ctx, sessionKey(s.TokenHash), payload, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return true, domain.NewStoreError("revoke session", err)
	}
	return true, nil
}

func (r *RedisSessionRepo) RevokeAllByUser(ctx context.Context, userID string, at time.Time) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ids, err := r.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return 0, domain.NewStoreError("list user sessions", err)
	}
	n := 0
	for _, id := range ids {
		ok, err := r.revoke(ctx, id, at)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (r *RedisSessionRepo) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ids, err := r.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, domain.NewStoreError("list user sessions", err)
	}
	var out []*domain.Session
	for _, id := range ids {
		s, err := r.loadByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil && s.Usable(now) {
			out = append(out, s)
		}
	}
	sortByIssuedAt(out)
	return out, nil
}

// DeleteExpiredByUser drops expired sessions and set members whose keys already expired.
func (r *RedisSessionRepo) DeleteExpiredByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.deleteExpiredByUser(ctx, userID, now)
}

func (r *RedisSessionRepo) deleteExpiredByUser(ctx context.Context, userID string, now time.Time) (int, error) {
	setKey := userSessionsKey(userID)
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, domain.NewStoreError("list user sessions", err)
	}
	n := 0
	for _, id := range ids {
		s, err := r.loadByID(ctx, id)
		if err != nil {
			return n, err
		}
		if s != nil && !s.Expired(now) {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, setKey, id)
		pipe.Del(ctx, sessionIDKey(id), sessionRevokedKey(id))
		if s != nil {
			pipe.Del(ctx, sessionKey(s.TokenHash))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return n, domain.NewStoreError("delete session", err)
		}
		n++
	}
	return n, nil
}

// DeleteExpired walks every user set; session keys themselves expire by TTL.
func (r *RedisSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	const prefix = "auth:user_sessions:"
	total := 0
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.deleteExpiredByUser(ctx, iter.Val()[len(prefix):], now)
		total += n
		if err != nil {
			return total, err
		}
	}
	if err := iter.Err(); err != nil {
		return total, domain.NewStoreError("scan sessions", err)
	}
	return total, nil
}
