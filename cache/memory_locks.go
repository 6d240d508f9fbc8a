package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pulseline/fitsync/domain"
)

// MemoryLocker is an in-process domain.Locker for single-node
// deployments and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, ok := l.held[key]; ok && time.Now().Before(expiry) {
		return func() {}, false, nil
	}
	l.held[key] = time.Now().Add(ttl)

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}
	return release, true, nil
}

// MemoryIdempotencyStore is an in-process domain.IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]time.Time)}
}

func (s *MemoryIdempotencyStore) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.seen[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	s.seen[key] = time.Now().Add(ttl)
	return true, nil
}

var (
	_ domain.Locker           = (*MemoryLocker)(nil)
	_ domain.IdempotencyStore = (*MemoryIdempotencyStore)(nil)
)
