package domain

import (
	"time"
)

// IntegrationStatus is the lifecycle state of a provider connection.
type IntegrationStatus string

const (
	IntegrationStatusConnected    IntegrationStatus = "connected"
	IntegrationStatusSyncing      IntegrationStatus = "syncing"
	IntegrationStatusError        IntegrationStatus = "error"
	IntegrationStatusDisconnected IntegrationStatus = "disconnected"
)

// Integration is one row per (user, provider). Token fields are owned by
// the token lifecycle manager; Status and LastSyncedAt are owned by the
// sync scheduler. TokenVersion is a compare-and-swap guard: every token
// update must carry the version it read, so two racing refreshes can
// never both consume the same single-use refresh token.
type Integration struct {
	ID               string            `bson:"_id" json:"id"`
	UserID           string            `bson:"user_id" json:"user_id"`
	Provider         string            `bson:"provider" json:"provider"`
	Status           IntegrationStatus `bson:"status" json:"status"`
	AccessToken      string            `bson:"access_token" json:"-"`
	RefreshToken     string            `bson:"refresh_token" json:"-"`
	TokenExpiry      time.Time         `bson:"token_expiry" json:"token_expiry"`
	TokenVersion     int64             `bson:"token_version" json:"-"`
	ProviderUserID   string            `bson:"provider_user_id" json:"provider_user_id"`
	ProviderMetadata map[string]string `bson:"provider_metadata,omitempty" json:"provider_metadata,omitempty"`
	LastSyncedAt     *time.Time        `bson:"last_synced_at,omitempty" json:"last_synced_at,omitempty"`
	CreatedAt        time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `bson:"updated_at" json:"updated_at"`
}

// TokenFresh reports whether the access token is still usable without a
// refresh, given the provider's refresh buffer.
func (i *Integration) TokenFresh(now time.Time, buffer time.Duration) bool {
	if i.AccessToken == "" {
		return false
	}
	return now.Before(i.TokenExpiry.Add(-buffer))
}
