package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pulseline/fitsync/domain"
)

// MemoryStateStore implements domain.StateStore using ttlcache. Used in
// single-node deployments and tests; production uses the Redis store so
// the exchange callback can land on any process.
type MemoryStateStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *domain.OAuthState]
}

// NewMemoryStateStore creates an in-memory state store with automatic
// cleanup of expired entries.
func NewMemoryStateStore() *MemoryStateStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *domain.OAuthState](),
	)
	go cache.Start()

	return &MemoryStateStore{cache: cache}
}

func (s *MemoryStateStore) Save(_ context.Context, state *domain.OAuthState) error {
	s.cache.Set(state.Token, state, time.Until(state.ExpiresAt))
	return nil
}

// Consume removes and returns the state under a lock so a token can be
// redeemed at most once even with racing callbacks.
func (s *MemoryStateStore) Consume(_ context.Context, token string) (*domain.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(token)
	if item == nil {
		return nil, domain.ErrStateNotFound
	}
	s.cache.Delete(token)

	state := item.Value()
	if time.Now().After(state.ExpiresAt) {
		return nil, domain.ErrStateNotFound
	}
	return state, nil
}

var _ domain.StateStore = (*MemoryStateStore)(nil)
