package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/convoroute/core"
)

// InMemoryStore is a volatile core.KVStore implementation storing values in
// a process local map with per-key deadlines. It is safe for concurrent
// access and best suited for tests or single-process deployments. Expired
// keys are dropped lazily on read and opportunistically on write.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	value    []byte
	deadline time.Time // zero means no expiry
}

// NewInMemoryStore constructs an empty in-memory key-value store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]memEntry)}
}

var _ core.KVStore = (*InMemoryStore)(nil)

// Get implements core.KVStore.
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true, nil
}

// SetWithTTL implements core.KVStore. A ttl <= 0 stores without expiry.
func (s *InMemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := memEntry{value: stored}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	s.purgeExpiredLocked(time.Now())
	return nil
}

// Delete implements core.KVStore.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Keys implements core.KVStore.
func (s *InMemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of live entries.
func (s *InMemoryStore) Len() int {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (e memEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// purgeExpiredLocked removes expired entries; caller must hold the write lock.
func (s *InMemoryStore) purgeExpiredLocked(now time.Time) {
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}
