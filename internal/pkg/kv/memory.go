package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt *time.Time
}

// MemoryStore is a process-local Store. It is the degraded-mode cache behind
// FallbackStore and the backend for single-instance development; it is never
// the source of truth when several instances share a deployment.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	sets    map[string]map[string]struct{}
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string) (string, bool) {
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if e.expiresAt != nil && !s.now().Before(*e.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: value, expiresAt: expiry(s.now(), ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
		delete(s.sets, k)
	}
	return nil
}

func (s *MemoryStore) IncrBelow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookup(key)
	n := int64(0)
	if ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("memory incr %s: value is not an integer", key)
		}
		n = parsed
	}
	if limit > 0 && n >= limit {
		return n, false, nil
	}

	e := memEntry{value: strconv.FormatInt(n+1, 10)}
	if ok {
		e.expiresAt = s.entries[key].expiresAt
	} else {
		e.expiresAt = expiry(s.now(), ttl)
	}
	s.entries[key] = e
	return n + 1, true, nil
}

// Update runs fn while holding the store lock; fn must not call back into the store.
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookup(key)
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	s.entries[key] = memEntry{value: next, expiresAt: expiry(s.now(), ttl)}
	return nil
}

func (s *MemoryStore) SAdd(_ context.Context, set, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sets[set]
	if !ok {
		m = make(map[string]struct{})
		s.sets[set] = m
	}
	m[member] = struct{}{}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, set, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sets[set]; ok {
		delete(m, member)
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, set string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[set]))
	for m := range s.sets[set] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
