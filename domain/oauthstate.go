package domain

import "time"

// OAuthState is the ephemeral state_token -> user mapping created when
// an auth URL is issued. Consumed exactly once by the exchange step;
// a state token is never reusable.
type OAuthState struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}
