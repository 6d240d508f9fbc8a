package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTokenVersionConflict is returned by UpdateTokens when the
	// stored token version no longer matches the expected one.
	ErrTokenVersionConflict = errors.New("token version conflict")
	// ErrStateNotFound is returned when an OAuth state token is
	// unknown, expired, or already consumed.
	ErrStateNotFound = errors.New("oauth state not found")
)

// IntegrationRepository defines persistence for Integration rows.
type IntegrationRepository interface {
	Create(ctx context.Context, integration *Integration) error
	GetByID(ctx context.Context, id string) (*Integration, error)
	GetByUserProvider(ctx context.Context, userID, provider string) (*Integration, error)
	GetByProviderUserID(ctx context.Context, provider, providerUserID string) (*Integration, error)
	ListConnected(ctx context.Context) ([]*Integration, error)
	ListExpiringBefore(ctx context.Context, t time.Time) ([]*Integration, error)
	UpdateStatus(ctx context.Context, id string, status IntegrationStatus) error
	SetLastSyncedAt(ctx context.Context, id string, t time.Time) error
	// UpdateTokens replaces the token fields iff the stored
	// token_version equals expectedVersion, incrementing it. Returns
	// ErrTokenVersionConflict on a lost race.
	UpdateTokens(ctx context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiry time.Time) error
	// ClearTokens blanks the token fields and marks the integration
	// disconnected in a single write.
	ClearTokens(ctx context.Context, id string) error
}

// RecordRepository defines persistence for UnifiedRecord rows.
type RecordRepository interface {
	// UpsertPage writes all records of one page in a single batch and
	// reports how many of them already existed. Upserting an identical
	// record twice leaves exactly one stored row.
	UpsertPage(ctx context.Context, records []*UnifiedRecord) (existing int, err error)
	Get(ctx context.Context, key RecordKey) (*UnifiedRecord, error)
	Exists(ctx context.Context, key RecordKey) (bool, error)
	Delete(ctx context.Context, key RecordKey) error
	// FindNear returns records for the user and type whose start time
	// falls within the window around t, across all sources.
	FindNear(ctx context.Context, userID, recordType string, t time.Time, window time.Duration) ([]*UnifiedRecord, error)
	SetCanonical(ctx context.Context, key RecordKey, canonical bool) error
}

// CursorRepository defines persistence for sync cursors.
type CursorRepository interface {
	Get(ctx context.Context, integrationID, dataType string) (*SyncCursor, error)
	// Advance moves the high-water mark forward. A timestamp at or
	// before the stored mark is ignored.
	Advance(ctx context.Context, integrationID, dataType string, to time.Time) error
}

// SubscriptionRepository defines persistence for webhook subscriptions.
type SubscriptionRepository interface {
	Save(ctx context.Context, sub *WebhookSubscription) error
	GetByIntegration(ctx context.Context, integrationID string) (*WebhookSubscription, error)
	// GetByProvider returns the application-scoped subscription for a
	// provider, if any.
	GetByProvider(ctx context.Context, provider string) (*WebhookSubscription, error)
	ListExpiringBefore(ctx context.Context, t time.Time) ([]*WebhookSubscription, error)
	IncrementFailedRenewals(ctx context.Context, id string) (int, error)
	ResetFailedRenewals(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// StateStore holds ephemeral OAuth state tokens with a short TTL.
type StateStore interface {
	Save(ctx context.Context, state *OAuthState) error
	// Consume returns the state and removes it atomically, so a state
	// token can be redeemed at most once.
	Consume(ctx context.Context, token string) (*OAuthState, error)
}

// Locker provides cross-process mutual exclusion with a safety TTL.
type Locker interface {
	// Acquire returns ok=false without error when the lock is held
	// elsewhere. The returned release func is a no-op when ok is false.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// IdempotencyStore records first-time observations of delivery keys.
type IdempotencyStore interface {
	// FirstSeen returns true exactly once per key within ttl.
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
