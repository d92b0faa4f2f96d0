package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
)

// defaultMaxEntries bounds the in-process store. Rendered responses are a few
// KB each, so the default keeps worst-case memory in the tens of MB.
const defaultMaxEntries = 4096

// MemoryStore is the in-process Store. It is bounded: when full, the entry
// closest to expiry is evicted to make room at insert time, and expired
// entries are dropped lazily on read — there is no background goroutine to
// manage, so the store needs no lifecycle of its own.
//
// Use it for single-instance deployments; replicas sharing traffic want
// RedisStore so a hit on one replica is a hit on all.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memEntry
	maxEntries int
}

type memEntry struct {
	env       envelope
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries responses.
// maxEntries ≤ 0 selects the default bound.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]memEntry),
		maxEntries: maxEntries,
	}
}

// Fetch implements Store.
func (s *MemoryStore) Fetch(_ context.Context, key Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key.String())
		return nil, false
	}
	if !e.env.matches(key) {
		// The digest collided across bindings or the table changed under a
		// stale entry; either way this body is not an answer for this key.
		delete(s.entries, key.String())
		return nil, false
	}
	return e.env.Body, true
}

// Save implements Store. Uncacheable responses are dropped silently.
func (s *MemoryStore) Save(_ context.Context, key Key, resp *anthropic.Response, body []byte, ttl time.Duration) error {
	if !Cacheable(resp) || len(body) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key.String()]; !exists && len(s.entries) >= s.maxEntries {
		s.evictOneLocked(now)
	}

	s.entries[key.String()] = memEntry{
		env: envelope{
			Provider: key.Provider,
			Model:    key.Model,
			StoredAt: now,
			Body:     body,
		},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// evictOneLocked removes the entry nearest to expiry (expired ones first).
func (s *MemoryStore) evictOneLocked(now time.Time) {
	victim := ""
	var victimExpiry time.Time
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			return
		}
		if victim == "" || e.expiresAt.Before(victimExpiry) {
			victim = k
			victimExpiry = e.expiresAt
		}
	}
	if victim != "" {
		delete(s.entries, victim)
	}
}

// Len returns the number of live entries (including not-yet-collected
// expired ones).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
