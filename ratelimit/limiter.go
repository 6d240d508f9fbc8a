package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CounterStore backs the sliding-window counters. The store, not the
// limiter, supplies atomicity: Increment must record the timestamp and
// return the in-window count in one atomic operation.
type CounterStore interface {
	// Increment records now for key and returns the number of entries
	// within the trailing window, including this one.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
	// SetOverride stores an authoritative remaining-quota value that
	// expires with the provider's window reset.
	SetOverride(ctx context.Context, key string, remaining int64, reset time.Duration) error
	// GetOverride returns the authoritative value if one is live.
	GetOverride(ctx context.Context, key string) (remaining int64, ok bool, err error)
}

// Limiter enforces provider-declared quotas with sliding windows.
// When the provider published an authoritative remaining-quota header
// for a scope, that value is preferred over the local count. If the
// backing store is unreachable the call is allowed and a warning is
// logged: the provider still enforces its own limit server-side.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Allow reports whether one more call may be made for scopeKey under
// limit/window. Fail-open on store errors.
func (l *Limiter) Allow(ctx context.Context, scopeKey string, limit int, window time.Duration) bool {
	remaining, ok, err := l.store.GetOverride(ctx, scopeKey)
	if err != nil {
		log.Warn().Err(err).Str("scope", scopeKey).
			Msg("rate limit store unreachable, failing open")
		return true
	}
	if ok {
		return remaining > 0
	}

	count, err := l.store.Increment(ctx, scopeKey, l.now(), window)
	if err != nil {
		log.Warn().Err(err).Str("scope", scopeKey).
			Msg("rate limit store unreachable, failing open")
		return true
	}
	return count <= int64(limit)
}

// ObserveAuthoritative records a provider-reported remaining quota for
// a scope. Store failures only warn; the local window keeps working.
func (l *Limiter) ObserveAuthoritative(ctx context.Context, scopeKey string, remaining int64, reset time.Duration) {
	if reset <= 0 {
		return
	}
	if err := l.store.SetOverride(ctx, scopeKey, remaining, reset); err != nil {
		log.Warn().Err(err).Str("scope", scopeKey).
			Msg("failed to record authoritative quota")
	}
}

// MemoryCounterStore is an in-process CounterStore for single-node
// deployments and tests.
type MemoryCounterStore struct {
	mu        sync.Mutex
	entries   map[string][]time.Time
	overrides map[string]memoryOverride
}

type memoryOverride struct {
	remaining int64
	expires   time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries:   make(map[string][]time.Time),
		overrides: make(map[string]memoryOverride),
	}
}

func (m *MemoryCounterStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.entries[key][:0]
	for _, t := range m.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.entries[key] = kept
	return int64(len(kept)), nil
}

func (m *MemoryCounterStore) SetOverride(_ context.Context, key string, remaining int64, reset time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[key] = memoryOverride{remaining: remaining, expires: time.Now().Add(reset)}
	return nil
}

func (m *MemoryCounterStore) GetOverride(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ov, ok := m.overrides[key]
	if !ok || time.Now().After(ov.expires) {
		delete(m.overrides, key)
		return 0, false, nil
	}
	return ov.remaining, true, nil
}
