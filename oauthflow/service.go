package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
	"github.com/pulseline/fitsync/providers"
	"github.com/pulseline/fitsync/scheduler"
	"github.com/pulseline/fitsync/tokens"
)

// stateTTL bounds how long an issued auth URL stays redeemable.
const stateTTL = 10 * time.Minute

// Service drives the user-facing connect and disconnect flows. Token
// maintenance after connect belongs to the token manager; this service
// only runs the one-time authorization dance.
type Service struct {
	registry      *providers.Registry
	tokens        *tokens.Manager
	integrations  domain.IntegrationRepository
	subscriptions domain.SubscriptionRepository
	states        domain.StateStore
	enqueuer      scheduler.TaskEnqueuer

	// redirectURL is this deployment's OAuth callback endpoint,
	// registered with every provider.
	redirectURL string
	// webhookBaseURL prefixes per-provider webhook callback paths.
	webhookBaseURL string
	backfillDays   int
	now            func() time.Time
}

func NewService(
	registry *providers.Registry,
	tokenManager *tokens.Manager,
	integrations domain.IntegrationRepository,
	subscriptions domain.SubscriptionRepository,
	states domain.StateStore,
	enqueuer scheduler.TaskEnqueuer,
	redirectURL, webhookBaseURL string,
	backfillDays int,
) *Service {
	if backfillDays <= 0 {
		backfillDays = 30
	}
	return &Service{
		registry:       registry,
		tokens:         tokenManager,
		integrations:   integrations,
		subscriptions:  subscriptions,
		states:         states,
		enqueuer:       enqueuer,
		redirectURL:    redirectURL,
		webhookBaseURL: webhookBaseURL,
		backfillDays:   backfillDays,
		now:            time.Now,
	}
}

// AuthorizeURL issues the provider authorization URL for a user,
// binding a one-shot state token and, for PKCE providers, a code
// verifier to the pending flow.
func (s *Service) AuthorizeURL(ctx context.Context, userID, provider string) (string, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", err
	}

	state := &domain.OAuthState{
		Token:     uuid.NewString(),
		UserID:    userID,
		Provider:  provider,
		ExpiresAt: s.now().Add(stateTTL),
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if adapter.UsesPKCE() {
		verifier, challenge, err := generatePKCE()
		if err != nil {
			return "", err
		}
		state.CodeVerifier = verifier
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}

	if err := s.states.Save(ctx, state); err != nil {
		return "", syncerrors.NewStorageUnavailable(provider, err)
	}

	conf := adapter.OAuthConfig(s.redirectURL)
	return conf.AuthCodeURL(state.Token, opts...), nil
}

// Exchange redeems the authorization code returned by the provider and
// establishes (or re-establishes) the integration. The state token is
// consumed atomically; a replayed callback fails with ErrStateNotFound.
func (s *Service) Exchange(ctx context.Context, userID, provider, stateToken, code string) (*domain.Integration, error) {
	state, err := s.states.Consume(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	if state.Provider != provider || state.UserID != userID {
		log.Warn().Str("provider", provider).Str("user", userID).
			Msg("oauth state bound to a different flow")
		return nil, domain.ErrStateNotFound
	}
	if s.now().After(state.ExpiresAt) {
		return nil, domain.ErrStateNotFound
	}

	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	conf := adapter.OAuthConfig(s.redirectURL)

	var opts []oauth2.AuthCodeOption
	if state.CodeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", state.CodeVerifier))
	}
	tok, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, syncerrors.ClassifyTransport(provider, err)
	}

	providerUserID, err := adapter.Identity(ctx, tok)
	if err != nil {
		return nil, err
	}

	in, err := s.upsertIntegration(ctx, userID, provider, providerUserID, tok)
	if err != nil {
		return nil, err
	}

	if err := s.ensureSubscription(ctx, adapter, in, tok.AccessToken); err != nil {
		// Connect still succeeds; the periodic sweep covers the gap
		// until the renewal job retries.
		log.Error().Err(err).Str("integration", in.ID).
			Msg("webhook subscription setup failed")
	}

	if err := s.enqueuer.EnqueueBackfill(ctx, &scheduler.BackfillSyncPayload{
		IntegrationID: in.ID,
		LookbackDays:  s.backfillDays,
	}); err != nil {
		log.Error().Err(err).Str("integration", in.ID).Msg("failed to enqueue backfill")
	}

	log.Info().Str("integration", in.ID).Str("provider", provider).
		Str("user", userID).Msg("integration connected")
	return in, nil
}

func (s *Service) upsertIntegration(ctx context.Context, userID, provider, providerUserID string, tok *oauth2.Token) (*domain.Integration, error) {
	existing, err := s.integrations.GetByUserProvider(ctx, userID, provider)
	switch {
	case err == nil:
		// Reconnect: rotate credentials onto the existing row so the
		// cursors and record history carry over.
		err = s.integrations.UpdateTokens(ctx, existing.ID, existing.TokenVersion,
			tok.AccessToken, tok.RefreshToken, tok.Expiry)
		if err != nil {
			return nil, syncerrors.NewStorageUnavailable(provider, err)
		}
		if err := s.integrations.UpdateStatus(ctx, existing.ID, domain.IntegrationStatusConnected); err != nil {
			return nil, syncerrors.NewStorageUnavailable(provider, err)
		}
		existing.AccessToken = tok.AccessToken
		existing.RefreshToken = tok.RefreshToken
		existing.TokenExpiry = tok.Expiry
		existing.TokenVersion++
		existing.Status = domain.IntegrationStatusConnected
		existing.ProviderUserID = providerUserID
		return existing, nil
	case errors.Is(err, domain.ErrNotFound):
		now := s.now()
		in := &domain.Integration{
			ID:             uuid.NewString(),
			UserID:         userID,
			Provider:       provider,
			Status:         domain.IntegrationStatusConnected,
			AccessToken:    tok.AccessToken,
			RefreshToken:   tok.RefreshToken,
			TokenExpiry:    tok.Expiry,
			ProviderUserID: providerUserID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.integrations.Create(ctx, in); err != nil {
			return nil, syncerrors.NewStorageUnavailable(provider, err)
		}
		return in, nil
	default:
		return nil, syncerrors.NewStorageUnavailable(provider, err)
	}
}

// ensureSubscription registers the webhook subscription appropriate to
// the provider's scope: one per connected user, or one shared
// application-level subscription created on first connect.
func (s *Service) ensureSubscription(ctx context.Context, adapter providers.Adapter, in *domain.Integration, accessToken string) error {
	callbackURL := s.webhookBaseURL + "/webhooks/" + adapter.Name()

	if adapter.SubscriptionScope() == providers.SubscriptionScopeApp {
		if _, err := s.subscriptions.GetByProvider(ctx, adapter.Name()); err == nil {
			return nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		subID, expiry, err := adapter.Subscribe(ctx, accessToken, callbackURL)
		if err != nil {
			return err
		}
		return s.subscriptions.Save(ctx, &domain.WebhookSubscription{
			ID:            uuid.NewString(),
			Provider:      adapter.Name(),
			ProviderSubID: subID,
			ExpiresAt:     expiry,
			CreatedAt:     s.now(),
		})
	}

	subID, expiry, err := adapter.Subscribe(ctx, accessToken, callbackURL)
	if err != nil {
		return err
	}
	return s.subscriptions.Save(ctx, &domain.WebhookSubscription{
		ID:            uuid.NewString(),
		Provider:      adapter.Name(),
		UserID:        in.UserID,
		IntegrationID: in.ID,
		ProviderSubID: subID,
		ExpiresAt:     expiry,
		CreatedAt:     s.now(),
	})
}

// Status returns the integration row for a user and provider.
func (s *Service) Status(ctx context.Context, userID, provider string) (*domain.Integration, error) {
	return s.integrations.GetByUserProvider(ctx, userID, provider)
}

// Disconnect tears down a user's integration: the provider-side
// subscription is removed best-effort, credentials are cleared, and
// already synced records are retained.
func (s *Service) Disconnect(ctx context.Context, userID, provider string) error {
	in, err := s.integrations.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return err
	}

	if adapter.SubscriptionScope() == providers.SubscriptionScopeUser {
		if sub, err := s.subscriptions.GetByIntegration(ctx, in.ID); err == nil {
			accessToken, terr := s.tokens.GetValidToken(ctx, in)
			if terr == nil {
				if uerr := adapter.Unsubscribe(ctx, accessToken, sub.ProviderSubID); uerr != nil {
					log.Warn().Err(uerr).Str("integration", in.ID).
						Msg("provider-side unsubscribe failed")
				}
			}
			if derr := s.subscriptions.Delete(ctx, sub.ID); derr != nil {
				log.Warn().Err(derr).Str("integration", in.ID).
					Msg("failed to delete subscription record")
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}

	return s.tokens.Disconnect(ctx, in)
}

// generatePKCE returns a fresh code verifier and its S256 challenge.
func generatePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
