package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
	"github.com/pulseline/fitsync/providers"
)

// Manager owns the OAuth credential state of every integration. Reads
// go through GetValidToken; refreshes are serialized three ways:
// singleflight collapses concurrent callers within a process, a
// cross-process lock serializes workers, and a token-version CAS on the
// repository is the last line against two refreshes both consuming a
// single-use refresh token.
type Manager struct {
	integrations domain.IntegrationRepository
	registry     *providers.Registry
	locker       domain.Locker
	group        singleflight.Group

	maxAttempts int
	backoffBase time.Duration
	lockTTL     time.Duration
	now         func() time.Time
}

func NewManager(integrations domain.IntegrationRepository, registry *providers.Registry, locker domain.Locker) *Manager {
	return &Manager{
		integrations: integrations,
		registry:     registry,
		locker:       locker,
		maxAttempts:  3,
		backoffBase:  500 * time.Millisecond,
		lockTTL:      30 * time.Second,
		now:          time.Now,
	}
}

// GetValidToken returns a usable access token for the integration,
// refreshing when inside the provider's refresh buffer. The passed
// integration is updated in place with any rotated tokens.
func (m *Manager) GetValidToken(ctx context.Context, in *domain.Integration) (string, error) {
	if in.Status == domain.IntegrationStatusDisconnected {
		return "", syncerrors.NewAuthExpired(in.Provider, fmt.Errorf("integration disconnected"))
	}
	adapter, err := m.registry.Get(in.Provider)
	if err != nil {
		return "", err
	}
	if in.TokenFresh(m.now(), adapter.RefreshBuffer()) {
		return in.AccessToken, nil
	}
	return m.refresh(ctx, in, "")
}

// RefreshAfterReject forces a refresh after the provider rejected
// rejectedToken with a 401. If another worker already rotated the
// credentials, the stored token is returned without a second refresh.
func (m *Manager) RefreshAfterReject(ctx context.Context, in *domain.Integration, rejectedToken string) (string, error) {
	return m.refresh(ctx, in, rejectedToken)
}

func (m *Manager) refresh(ctx context.Context, in *domain.Integration, rejectedToken string) (string, error) {
	token, err, _ := m.group.Do("refresh:"+in.ID, func() (any, error) {
		return m.refreshSerialized(ctx, in, rejectedToken)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *Manager) refreshSerialized(ctx context.Context, in *domain.Integration, rejectedToken string) (string, error) {
	adapter, err := m.registry.Get(in.Provider)
	if err != nil {
		return "", err
	}

	release, ok, err := m.locker.Acquire(ctx, "token-refresh:"+in.ID, m.lockTTL)
	if err != nil {
		// Token state must never be guessed; an unreachable lock store
		// fails closed.
		return "", syncerrors.NewStorageUnavailable(in.Provider, err)
	}
	if !ok {
		return m.waitForPeerRefresh(ctx, in, adapter, rejectedToken)
	}
	defer release()

	// Re-read under the lock: a peer may have finished a rotation
	// between our staleness check and lock acquisition. Fail closed on
	// storage errors, a token of unknown freshness is never reused.
	current, err := m.integrations.GetByID(ctx, in.ID)
	if err != nil {
		return "", syncerrors.NewStorageUnavailable(in.Provider, err)
	}
	if m.usable(current, adapter, rejectedToken) {
		*in = *current
		return current.AccessToken, nil
	}
	if current.RefreshToken == "" {
		return "", syncerrors.NewAuthExpired(in.Provider, fmt.Errorf("no refresh token on record"))
	}

	tok, err := m.exchangeWithBackoff(ctx, adapter, current.RefreshToken)
	if err != nil {
		if syncerrors.IsAuthExpired(err) {
			// Dead refresh token: the user has to reconnect.
			if uerr := m.integrations.UpdateStatus(ctx, in.ID, domain.IntegrationStatusError); uerr != nil {
				log.Error().Err(uerr).Str("integration", in.ID).
					Msg("failed to mark integration as errored")
			}
			in.Status = domain.IntegrationStatusError
		}
		return "", err
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		// Provider did not rotate; keep the old one.
		newRefresh = current.RefreshToken
	}

	// The new refresh token is durably persisted before the old one is
	// considered consumed. A crash after the provider rotated but
	// before this write leaves the old token valid for the provider's
	// grace window, so the next refresh attempt still succeeds.
	err = m.integrations.UpdateTokens(ctx, in.ID, current.TokenVersion, tok.AccessToken, newRefresh, tok.Expiry)
	if errors.Is(err, domain.ErrTokenVersionConflict) {
		// A racing writer won despite the lock (TTL expiry). Their
		// tokens are the live ones.
		stored, gerr := m.integrations.GetByID(ctx, in.ID)
		if gerr != nil {
			return "", syncerrors.NewStorageUnavailable(in.Provider, gerr)
		}
		*in = *stored
		return stored.AccessToken, nil
	}
	if err != nil {
		return "", syncerrors.NewStorageUnavailable(in.Provider, err)
	}

	in.AccessToken = tok.AccessToken
	in.RefreshToken = newRefresh
	in.TokenExpiry = tok.Expiry
	in.TokenVersion = current.TokenVersion + 1
	log.Debug().Str("integration", in.ID).Str("provider", in.Provider).
		Time("expiry", tok.Expiry).Msg("access token refreshed")
	return tok.AccessToken, nil
}

// usable reports whether the stored credentials can be returned without
// contacting the provider.
func (m *Manager) usable(in *domain.Integration, adapter providers.Adapter, rejectedToken string) bool {
	if !in.TokenFresh(m.now(), adapter.RefreshBuffer()) {
		return false
	}
	// After a 401 the same token is not usable even inside its buffer,
	// but a different stored token means a peer already rotated.
	return rejectedToken == "" || in.AccessToken != rejectedToken
}

// waitForPeerRefresh polls the store while another process holds the
// refresh lock.
func (m *Manager) waitForPeerRefresh(ctx context.Context, in *domain.Integration, adapter providers.Adapter, rejectedToken string) (string, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(m.lockTTL)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", syncerrors.NewTransient(in.Provider, fmt.Errorf("timed out waiting for concurrent refresh"))
		case <-ticker.C:
			current, err := m.integrations.GetByID(ctx, in.ID)
			if err != nil {
				return "", syncerrors.NewStorageUnavailable(in.Provider, err)
			}
			if current.Status == domain.IntegrationStatusError {
				return "", syncerrors.NewAuthExpired(in.Provider, fmt.Errorf("refresh failed in peer process"))
			}
			if m.usable(current, adapter, rejectedToken) {
				*in = *current
				return current.AccessToken, nil
			}
		}
	}
}

func (m *Manager) exchangeWithBackoff(ctx context.Context, adapter providers.Adapter, refreshToken string) (*oauth2.Token, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.backoffBase << uint(attempt-1)):
			}
		}
		tok, err := adapter.RefreshToken(ctx, refreshToken)
		if err == nil {
			return tok, nil
		}
		if syncerrors.IsAuthExpired(err) {
			return nil, err
		}
		// Transient failure: retry with backoff, never surfaced as an
		// integration error.
		lastErr = err
		log.Warn().Err(err).Str("provider", adapter.Name()).
			Int("attempt", attempt+1).Msg("token refresh attempt failed")
	}
	return nil, lastErr
}

// Disconnect clears the credential state and marks the integration
// disconnected. Tokens are blanked, never retained.
func (m *Manager) Disconnect(ctx context.Context, in *domain.Integration) error {
	if err := m.integrations.ClearTokens(ctx, in.ID); err != nil {
		return syncerrors.NewStorageUnavailable(in.Provider, err)
	}
	in.AccessToken = ""
	in.RefreshToken = ""
	in.Status = domain.IntegrationStatusDisconnected
	log.Info().Str("integration", in.ID).Str("provider", in.Provider).
		Msg("integration disconnected")
	return nil
}
