package repository

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCounterStore implements domain.CounterStore in process memory.
// Expiry follows the injected clock, so tests can drive it with clock.Fake.
type MemoryCounterStore struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]memoryEntry
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore(c clock.Clock) *MemoryCounterStore {
	return &MemoryCounterStore{clock: c, items: make(map[string]memoryEntry)}
}

// lookup returns the live entry for key, dropping it if expired. Caller holds mu.
func (s *MemoryCounterStore) lookup(key string, now time.Time) (memoryEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(now) {
		delete(s.items, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryCounterStore) incr(key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	e, ok := s.lookup(key, now)
	var n int64
	if ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, domain.NewStoreError("incr", err)
		}
		n = v
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	if !ok && window > 0 {
		e.expiresAt = now.Add(window)
	}
	s.items[key] = e
	return n, nil
}

func (s *MemoryCounterStore) Increment(_ context.Context, key string) (int64, error) {
	return s.incr(key, 0)
}

func (s *MemoryCounterStore) IncrementWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	return s.incr(key, window)
}

func (s *MemoryCounterStore) Decrement(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.clock.Now())
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, domain.NewStoreError("decr", err)
	}
	n--
	e.value = strconv.FormatInt(n, 10)
	s.items[key] = e
	return n, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key, s.clock.Now())
	return e.value, ok, nil
}

func (s *MemoryCounterStore) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = e
	return nil
}

func (s *MemoryCounterStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key, s.clock.Now())
	return ok, nil
}

func (s *MemoryCounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	e, ok := s.lookup(key, now)
	if !ok {
		return nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	s.items[key] = e
	return nil
}

func (s *MemoryCounterStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryCounterStore) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var keys []string
	for k, e := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.expired(now) {
			delete(s.items, k)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Sweep drops every expired key and returns how many were removed.
func (s *MemoryCounterStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}
