package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pulseline/fitsync/cache"
	"github.com/pulseline/fitsync/domain"
	"github.com/pulseline/fitsync/providers"
	"github.com/pulseline/fitsync/scheduler"
	"github.com/pulseline/fitsync/tokens"
)

// eventAdapter is a minimal providers.Adapter for gateway tests: the
// signature check and parsed events are injected per test.
type eventAdapter struct {
	name      string
	verifyErr error
	events    []providers.WebhookEvent
	parseErr  error
	ack       int
}

func (a *eventAdapter) Name() string                            { return a.name }
func (a *eventAdapter) DataTypes() []string                     { return []string{"activity"} }
func (a *eventAdapter) UsesPKCE() bool                          { return false }
func (a *eventAdapter) SingleUseRefreshTokens() bool            { return false }
func (a *eventAdapter) RefreshBuffer() time.Duration            { return time.Minute }
func (a *eventAdapter) RateLimits() []providers.RateLimitPolicy { return nil }

func (a *eventAdapter) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{RedirectURL: redirectURL}
}

func (a *eventAdapter) RefreshToken(context.Context, string) (*oauth2.Token, error) {
	return nil, errors.New("not used")
}

func (a *eventAdapter) Identity(context.Context, *oauth2.Token) (string, error) { return "", nil }
func (a *eventAdapter) SubscriptionScope() providers.SubscriptionScope {
	return providers.SubscriptionScopeApp
}

func (a *eventAdapter) Subscribe(context.Context, string, string) (string, time.Time, error) {
	return "", time.Time{}, nil
}

func (a *eventAdapter) RenewSubscription(context.Context, string, string) (time.Time, error) {
	return time.Time{}, nil
}

func (a *eventAdapter) Unsubscribe(context.Context, string, string) error { return nil }
func (a *eventAdapter) AckStatus() int                                    { return a.ack }
func (a *eventAdapter) VerifyEvent(http.Header, []byte) error             { return a.verifyErr }
func (a *eventAdapter) ParseEvents(string, []byte) ([]providers.WebhookEvent, error) {
	return a.events, a.parseErr
}

func (a *eventAdapter) FetchPage(context.Context, string, providers.PageRequest) (*providers.Page, error) {
	return &providers.Page{}, nil
}

// recordingEnqueuer captures enqueued tasks instead of talking to Redis.
type recordingEnqueuer struct {
	mu       sync.Mutex
	targeted []*scheduler.TargetedSyncPayload
}

func (r *recordingEnqueuer) EnqueueTargetedSync(_ context.Context, p *scheduler.TargetedSyncPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targeted = append(r.targeted, p)
	return nil
}

func (r *recordingEnqueuer) EnqueueIncrementalSync(context.Context, *scheduler.IncrementalSyncPayload, ...asynq.Option) error {
	return nil
}

func (r *recordingEnqueuer) EnqueueBackfill(context.Context, *scheduler.BackfillSyncPayload) error {
	return nil
}

func (r *recordingEnqueuer) RescheduleIn(context.Context, *asynq.Task, time.Duration) error {
	return nil
}

type stubIntegrations struct {
	mu   sync.Mutex
	rows map[string]*domain.Integration
}

func (f *stubIntegrations) Create(_ context.Context, in *domain.Integration) error {
	f.rows[in.ID] = in
	return nil
}

func (f *stubIntegrations) GetByID(_ context.Context, id string) (*domain.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (f *stubIntegrations) GetByUserProvider(_ context.Context, userID, provider string) (*domain.Integration, error) {
	return nil, domain.ErrNotFound
}

func (f *stubIntegrations) GetByProviderUserID(_ context.Context, provider, providerUserID string) (*domain.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.rows {
		if in.Provider == provider && in.ProviderUserID == providerUserID {
			cp := *in
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *stubIntegrations) ListConnected(context.Context) ([]*domain.Integration, error) {
	return nil, nil
}

func (f *stubIntegrations) ListExpiringBefore(context.Context, time.Time) ([]*domain.Integration, error) {
	return nil, nil
}

func (f *stubIntegrations) UpdateStatus(_ context.Context, id string, status domain.IntegrationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Status = status
	return nil
}

func (f *stubIntegrations) SetLastSyncedAt(context.Context, string, time.Time) error { return nil }

func (f *stubIntegrations) UpdateTokens(_ context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiry time.Time) error {
	return nil
}

func (f *stubIntegrations) ClearTokens(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	in.AccessToken = ""
	in.RefreshToken = ""
	in.Status = domain.IntegrationStatusDisconnected
	return nil
}

type stubSubscriptions struct {
	mu   sync.Mutex
	rows map[string]*domain.WebhookSubscription
}

func (f *stubSubscriptions) Save(_ context.Context, sub *domain.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[sub.ID] = sub
	return nil
}

func (f *stubSubscriptions) GetByIntegration(_ context.Context, integrationID string) (*domain.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.rows {
		if sub.IntegrationID == integrationID {
			return sub, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *stubSubscriptions) GetByProvider(_ context.Context, provider string) (*domain.WebhookSubscription, error) {
	return nil, domain.ErrNotFound
}

func (f *stubSubscriptions) ListExpiringBefore(context.Context, time.Time) ([]*domain.WebhookSubscription, error) {
	return nil, nil
}

func (f *stubSubscriptions) IncrementFailedRenewals(context.Context, string) (int, error) {
	return 0, nil
}

func (f *stubSubscriptions) ResetFailedRenewals(context.Context, string) error { return nil }

func (f *stubSubscriptions) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

type gatewayFixture struct {
	gateway       *Gateway
	adapter       *eventAdapter
	enqueuer      *recordingEnqueuer
	integrations  *stubIntegrations
	subscriptions *stubSubscriptions
}

func newFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	adapter := &eventAdapter{name: "fitbit", ack: http.StatusNoContent}
	registry := providers.NewRegistry(adapter)

	integrations := &stubIntegrations{rows: map[string]*domain.Integration{
		"int1": {
			ID:             "int1",
			UserID:         "u1",
			Provider:       "fitbit",
			ProviderUserID: "pu1",
			Status:         domain.IntegrationStatusConnected,
			AccessToken:    "at1",
			RefreshToken:   "rt1",
			TokenExpiry:    time.Now().Add(time.Hour),
		},
	}}
	subscriptions := &stubSubscriptions{rows: map[string]*domain.WebhookSubscription{
		"sub1": {ID: "sub1", Provider: "fitbit", IntegrationID: "int1", ProviderSubID: "ps1"},
	}}
	enqueuer := &recordingEnqueuer{}
	tokenManager := tokens.NewManager(integrations, registry, cache.NewMemoryLocker())

	gateway := NewGateway(registry, tokenManager, integrations, subscriptions,
		cache.NewMemoryIdempotencyStore(), enqueuer,
		map[string]string{"fitbit": "verify-secret"})

	return &gatewayFixture{
		gateway:       gateway,
		adapter:       adapter,
		enqueuer:      enqueuer,
		integrations:  integrations,
		subscriptions: subscriptions,
	}
}

func TestVerifyChallenge(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.gateway.VerifyChallenge("fitbit", "verify-secret"))
	assert.ErrorIs(t, f.gateway.VerifyChallenge("fitbit", "wrong"), ErrChallengeMismatch)
	assert.ErrorIs(t, f.gateway.VerifyChallenge("garmin", "anything"), ErrChallengeUnconfigured)
}

func TestHandleDelivery_RejectsUnverifiedPayload(t *testing.T) {
	f := newFixture(t)
	f.adapter.verifyErr = errors.New("bad signature")

	status, err := f.gateway.HandleDelivery(context.Background(), "fitbit", http.Header{}, []byte(`[]`))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Error(t, err)
	assert.Empty(t, f.enqueuer.targeted, "nothing is enqueued for an unverified delivery")
}

func TestHandleDelivery_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	status, err := f.gateway.HandleDelivery(context.Background(), "garmin", http.Header{}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Error(t, err)
}

func TestHandleDelivery_EnqueuesTargetedSync(t *testing.T) {
	f := newFixture(t)
	f.adapter.events = []providers.WebhookEvent{{
		ProviderUserID: "pu1",
		DataType:       "activity",
		ObjectID:       "obj9",
		DeliveryID:     "d1",
	}}

	status, err := f.gateway.HandleDelivery(context.Background(), "fitbit", http.Header{}, []byte(`[]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status, "provider-declared ack status is used")

	require.Len(t, f.enqueuer.targeted, 1)
	assert.Equal(t, "int1", f.enqueuer.targeted[0].IntegrationID)
	assert.Equal(t, "obj9", f.enqueuer.targeted[0].ObjectID)
}

func TestHandleDelivery_DuplicateDeliverySuppressed(t *testing.T) {
	f := newFixture(t)
	f.adapter.events = []providers.WebhookEvent{{
		ProviderUserID: "pu1",
		DataType:       "activity",
		ObjectID:       "obj9",
		DeliveryID:     "d1",
	}}

	for i := 0; i < 2; i++ {
		_, err := f.gateway.HandleDelivery(context.Background(), "fitbit", http.Header{}, []byte(`[]`))
		require.NoError(t, err)
	}
	assert.Len(t, f.enqueuer.targeted, 1, "redelivery of the same event enqueues once")
}

func TestHandleDelivery_UnknownUserIsAcked(t *testing.T) {
	f := newFixture(t)
	f.adapter.events = []providers.WebhookEvent{{
		ProviderUserID: "nobody",
		DataType:       "activity",
		DeliveryID:     "d2",
	}}

	status, err := f.gateway.HandleDelivery(context.Background(), "fitbit", http.Header{}, []byte(`[]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, f.enqueuer.targeted)
}

func TestHandleDelivery_DeauthorizationDisconnects(t *testing.T) {
	f := newFixture(t)
	f.adapter.events = []providers.WebhookEvent{{
		ProviderUserID: "pu1",
		Deauthorized:   true,
		DeliveryID:     "d3",
	}}

	status, err := f.gateway.HandleDelivery(context.Background(), "fitbit", http.Header{}, []byte(`[]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	in, err := f.integrations.GetByID(context.Background(), "int1")
	require.NoError(t, err)
	assert.Equal(t, domain.IntegrationStatusDisconnected, in.Status)
	assert.Empty(t, in.AccessToken, "credentials are cleared on revocation")

	_, err = f.subscriptions.GetByIntegration(context.Background(), "int1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "subscription record is dropped")
	assert.Empty(t, f.enqueuer.targeted)
}

func TestHandleDelivery_UnparseablePayload(t *testing.T) {
	f := newFixture(t)
	f.adapter.parseErr = &json.SyntaxError{}

	status, err := f.gateway.HandleDelivery(context.Background(), "fitbit", http.Header{}, []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)
}
