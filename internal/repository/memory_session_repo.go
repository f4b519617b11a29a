package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

// MemorySessionRepo implements domain.SessionRepository in process memory.
// Intended for tests and single-instance deployments.
type MemorySessionRepo struct {
	mu     sync.Mutex
	byID   map[string]*domain.Session
	byHash map[string]string // token hash -> session id
}

// NewMemorySessionRepo creates an empty repository.
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		byID:   make(map[string]*domain.Session),
		byHash: make(map[string]string),
	}
}

func (r *MemorySessionRepo) Create(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[s.ID] = &cp
	r.byHash[s.TokenHash] = s.ID
	return nil
}

func (r *MemorySessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[tokenHash]
	if !ok {
		return nil, nil
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *MemorySessionRepo) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.Revoked() {
		return false, nil
	}
	revokedAt := at
	s.RevokedAt = &revokedAt
	return true, nil
}

func (r *MemorySessionRepo) RevokeAllByUser(_ context.Context, userID string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.byID {
		if s.UserID != userID || s.Revoked() {
			continue
		}
		revokedAt := at
		s.RevokedAt = &revokedAt
		n++
	}
	return n, nil
}

func (r *MemorySessionRepo) ListActiveByUser(_ context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.byID {
		if s.UserID == userID && s.Usable(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortByIssuedAt(out)
	return out, nil
}

func (r *MemorySessionRepo) DeleteExpiredByUser(_ context.Context, userID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteExpired(now, func(s *domain.Session) bool { return s.UserID == userID }), nil
}

func (r *MemorySessionRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteExpired(now, func(*domain.Session) bool { return true }), nil
}

// deleteExpired removes expired sessions accepted by match. Caller holds mu.
func (r *MemorySessionRepo) deleteExpired(now time.Time, match func(*domain.Session) bool) int {
	n := 0
	for id, s := range r.byID {
		if match(s) && s.Expired(now) {
			delete(r.byID, id)
			delete(r.byHash, s.TokenHash)
			n++
		}
	}
	return n
}

func sortByIssuedAt(sessions []*domain.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].IssuedAt.Before(sessions[j].IssuedAt)
	})
}
