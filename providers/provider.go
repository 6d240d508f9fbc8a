package providers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
)

var ErrProviderNotFound = errors.New("provider not found")

// RateScope declares the granularity of a rate-limit bucket.
type RateScope string

const (
	RateScopeApp  RateScope = "app"
	RateScopeUser RateScope = "user"
)

// SubscriptionScope declares whether a provider registers one webhook
// subscription per application or one per connected user.
type SubscriptionScope string

const (
	SubscriptionScopeApp  SubscriptionScope = "app"
	SubscriptionScopeUser SubscriptionScope = "user"
)

// RateLimitPolicy is a provider-declared quota.
type RateLimitPolicy struct {
	Name   string
	Scope  RateScope
	Limit  int
	Window time.Duration
}

// PageRequest describes one page fetch against a provider data endpoint.
type PageRequest struct {
	DataType string
	// Since is the lower bound of the fetch window: the sync cursor for
	// incremental runs, or the backfill start.
	Since time.Time
	// PageToken is provider-opaque; empty requests the first page.
	PageToken string
	PageSize  int
}

// QuotaSnapshot carries an authoritative remaining-quota value parsed
// from provider response headers, when the provider publishes one.
type QuotaSnapshot struct {
	PolicyName string
	Remaining  int64
	Reset      time.Duration
}

// Page is one provider response page, already mapped to unified records
// ordered newest first.
type Page struct {
	Records       []*domain.UnifiedRecord
	NextPageToken string
	Quota         *QuotaSnapshot
}

// WebhookEvent is one change notification extracted from a delivery.
type WebhookEvent struct {
	ProviderUserID string
	DataType       string
	ObjectID       string
	// Date is set for providers that notify per calendar day instead
	// of per object.
	Date         string
	Deleted      bool
	Deauthorized bool
	// DeliveryID keys duplicate-delivery suppression. Adapters derive
	// it from provider event identifiers.
	DeliveryID string
}

// Adapter is the per-provider strategy implementation: auth flow,
// request signing, page fetch, webhook contract and payload mapping.
// Adding a provider means implementing this interface and registering
// it; no shared base class is required.
type Adapter interface {
	Name() string
	DataTypes() []string

	OAuthConfig(redirectURL string) *oauth2.Config
	UsesPKCE() bool
	SingleUseRefreshTokens() bool
	RefreshBuffer() time.Duration
	// RefreshToken exchanges a refresh token at the provider token
	// endpoint. Errors are already classified into the engine taxonomy.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	// Identity resolves the provider-side user id for a fresh token.
	Identity(ctx context.Context, token *oauth2.Token) (string, error)

	RateLimits() []RateLimitPolicy

	SubscriptionScope() SubscriptionScope
	Subscribe(ctx context.Context, accessToken, callbackURL string) (providerSubID string, expiresAt time.Time, err error)
	RenewSubscription(ctx context.Context, accessToken, providerSubID string) (time.Time, error)
	Unsubscribe(ctx context.Context, accessToken, providerSubID string) error

	// AckStatus is the HTTP status the provider expects for an
	// accepted event delivery (200 or 204).
	AckStatus() int
	// VerifyEvent authenticates a delivery from its headers and raw
	// body before anything is parsed or enqueued.
	VerifyEvent(header http.Header, body []byte) error
	ParseEvents(contentType string, body []byte) ([]WebhookEvent, error)

	FetchPage(ctx context.Context, accessToken string, req PageRequest) (*Page, error)
}

// Registry maps provider name to adapter implementation.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Credentials is the static per-provider configuration loaded at boot.
type Credentials struct {
	ClientID      string
	ClientSecret  string
	Scopes        []string
	VerifyToken   string
	WebhookSecret string
	// CallbackURL is this deployment's webhook endpoint for the
	// provider, needed again at subscription renewal time.
	CallbackURL string
}

// normalizeActivityType folds provider activity labels onto the small
// shared vocabulary the deduplicator matches on.
func normalizeActivityType(name string) string {
	switch {
	case name == "":
		return "unknown"
	default:
		lowered := make([]rune, 0, len(name))
		for _, r := range name {
			if r == ' ' || r == '-' {
				r = '_'
			}
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			lowered = append(lowered, r)
		}
		return string(lowered)
	}
}

// refreshViaConfig is the standard-OAuth2 refresh shared by adapters
// without a signed token endpoint.
func refreshViaConfig(ctx context.Context, provider string, conf *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, syncerrors.ClassifyTransport(provider, err)
	}
	return tok, nil
}
