package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryTTLStore keeps entries in a bounded expirable LRU. The LRU's own TTL
// is an upper bound; per-entry expiry is checked against the injected clock.
type MemoryTTLStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, memoryEntry]
	now   func() time.Time
}

func NewMemoryTTLStore(size int, maxTTL time.Duration) *MemoryTTLStore {
	return NewMemoryTTLStoreWithClock(size, maxTTL, time.Now)
}

func NewMemoryTTLStoreWithClock(size int, maxTTL time.Duration, now func() time.Time) *MemoryTTLStore {
	return &MemoryTTLStore{
		cache: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now:   now,
	}
}

func (s *MemoryTTLStore) IsReady(context.Context) error { return nil }

func (s *MemoryTTLStore) Name() string { return "TTLStore[memory]" }

func (s *MemoryTTLStore) lookup(key string) (memoryEntry, bool) {
	e, ok := s.cache.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		s.cache.Remove(key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryTTLStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryTTLStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Add(key, memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	})
	return nil
}

func (s *MemoryTTLStore) Update(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return ErrKeyNotFound
	}
	next, err := fn(append([]byte(nil), e.value...))
	if err != nil {
		return err
	}
	s.cache.Add(key, memoryEntry{value: next, expiresAt: e.expiresAt})
	return nil
}

func (s *MemoryTTLStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Remove(key)
	return nil
}

func (s *MemoryTTLStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, k := range s.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
