package domain

import "time"

// WebhookSubscription tracks a provider-side webhook registration.
// UserID is empty for providers with app-scoped subscriptions.
type WebhookSubscription struct {
	ID             string    `bson:"_id" json:"id"`
	Provider       string    `bson:"provider" json:"provider"`
	UserID         string    `bson:"user_id,omitempty" json:"user_id,omitempty"`
	IntegrationID  string    `bson:"integration_id,omitempty" json:"integration_id,omitempty"`
	ProviderSubID  string    `bson:"provider_sub_id" json:"provider_sub_id"`
	ExpiresAt      time.Time `bson:"expires_at" json:"expires_at"`
	FailedRenewals int       `bson:"failed_renewals" json:"failed_renewals"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}
