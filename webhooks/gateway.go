package webhooks

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
	"github.com/pulseline/fitsync/providers"
	"github.com/pulseline/fitsync/scheduler"
	"github.com/pulseline/fitsync/tokens"
)

var (
	// ErrChallengeUnconfigured means the provider has no verify token
	// configured; the handshake must not be guessed.
	ErrChallengeUnconfigured = errors.New("webhook verification not configured for provider")
	// ErrChallengeMismatch means the handshake's verify token did not
	// match the configured one.
	ErrChallengeMismatch = errors.New("webhook verify token mismatch")
)

// idempotencyTTL bounds duplicate-delivery suppression. Providers
// redeliver within minutes; a day of memory is plenty.
const idempotencyTTL = 24 * time.Hour

// Gateway is the single ingress point for provider webhook traffic.
// It verifies, deduplicates and converts deliveries into queued sync
// tasks; it never fetches provider data inline. That keeps the
// response well inside provider delivery deadlines.
type Gateway struct {
	registry      *providers.Registry
	tokens        *tokens.Manager
	integrations  domain.IntegrationRepository
	subscriptions domain.SubscriptionRepository
	idempotency   domain.IdempotencyStore
	enqueuer      scheduler.TaskEnqueuer

	// verifyTokens maps provider name to the challenge verify token
	// agreed at subscription time.
	verifyTokens map[string]string
}

func NewGateway(
	registry *providers.Registry,
	tokenManager *tokens.Manager,
	integrations domain.IntegrationRepository,
	subscriptions domain.SubscriptionRepository,
	idempotency domain.IdempotencyStore,
	enqueuer scheduler.TaskEnqueuer,
	verifyTokens map[string]string,
) *Gateway {
	return &Gateway{
		registry:      registry,
		tokens:        tokenManager,
		integrations:  integrations,
		subscriptions: subscriptions,
		idempotency:   idempotency,
		enqueuer:      enqueuer,
		verifyTokens:  verifyTokens,
	}
}

// VerifyChallenge handles the subscription handshake. The challenge is
// echoed back only when the presented verify token matches the
// configured one exactly.
func (g *Gateway) VerifyChallenge(provider, verifyToken string) error {
	configured, ok := g.verifyTokens[provider]
	if !ok || configured == "" {
		log.Warn().Str("provider", provider).Msg("challenge received for unconfigured provider")
		return ErrChallengeUnconfigured
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(verifyToken)) != 1 {
		log.Warn().Str("provider", provider).Msg("challenge verify token mismatch")
		return ErrChallengeMismatch
	}
	return nil
}

// HandleDelivery processes one webhook POST. It returns the HTTP status
// to respond with; a non-nil error always pairs with a 4xx/5xx status.
func (g *Gateway) HandleDelivery(ctx context.Context, provider string, header http.Header, body []byte) (int, error) {
	adapter, err := g.registry.Get(provider)
	if err != nil {
		return http.StatusNotFound, err
	}

	if err := adapter.VerifyEvent(header, body); err != nil {
		// Security event: an unverifiable delivery is dropped before
		// any parsing.
		log.Warn().Str("provider", provider).Err(err).
			Msg("webhook delivery failed verification")
		return http.StatusForbidden, syncerrors.NewWebhookVerification(provider, err)
	}

	events, err := adapter.ParseEvents(header.Get("Content-Type"), body)
	if err != nil {
		log.Warn().Str("provider", provider).Err(err).Msg("webhook payload unparseable")
		return http.StatusBadRequest, err
	}

	for _, event := range events {
		if err := g.processEvent(ctx, provider, event); err != nil {
			// Processing failures after verification still ack: the
			// periodic sweep is the safety net, and a 5xx would only
			// trigger a redelivery of the same payload.
			log.Error().Str("provider", provider).Err(err).
				Str("delivery", event.DeliveryID).Msg("webhook event processing failed")
		}
	}
	return adapter.AckStatus(), nil
}

func (g *Gateway) processEvent(ctx context.Context, provider string, event providers.WebhookEvent) error {
	if event.DeliveryID != "" {
		first, err := g.idempotency.FirstSeen(ctx, provider+":"+event.DeliveryID, idempotencyTTL)
		if err != nil {
			// Degrade to at-least-once: the targeted sync is
			// idempotent anyway.
			log.Warn().Err(err).Str("provider", provider).Msg("idempotency store unavailable")
		} else if !first {
			log.Debug().Str("provider", provider).Str("delivery", event.DeliveryID).
				Msg("duplicate webhook delivery suppressed")
			return nil
		}
	}

	in, err := g.integrations.GetByProviderUserID(ctx, provider, event.ProviderUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug().Str("provider", provider).Str("provider_user", event.ProviderUserID).
				Msg("webhook for unknown integration ignored")
			return nil
		}
		return err
	}

	if event.Deauthorized {
		return g.deauthorize(ctx, in)
	}

	return g.enqueuer.EnqueueTargetedSync(ctx, &scheduler.TargetedSyncPayload{
		IntegrationID: in.ID,
		DataType:      event.DataType,
		ObjectID:      event.ObjectID,
		Date:          event.Date,
		Deleted:       event.Deleted,
	})
}

// deauthorize handles a provider-initiated revocation. Credentials are
// cleared and the webhook subscription dropped; synced records stay.
func (g *Gateway) deauthorize(ctx context.Context, in *domain.Integration) error {
	log.Info().Str("integration", in.ID).Str("provider", in.Provider).
		Msg("provider revoked access, disconnecting integration")
	if err := g.tokens.Disconnect(ctx, in); err != nil {
		return err
	}
	sub, err := g.subscriptions.GetByIntegration(ctx, in.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load subscription for revoked integration: %w", err)
	}
	return g.subscriptions.Delete(ctx, sub.ID)
}
