package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
)

// StravaAdapter implements Adapter for Strava. Strava uses a single
// app-scoped webhook subscription, 15-minute plus daily app-level rate
// limits with authoritative usage headers, and does not sign event
// deliveries (the shared verify token is checked at subscription time).
type StravaAdapter struct {
	creds    Credentials
	apiBase  string
	authURL  string
	tokenURL string
	http     *http.Client
}

func NewStravaAdapter(creds Credentials) *StravaAdapter {
	if len(creds.Scopes) == 0 {
		creds.Scopes = []string{"read", "activity:read_all"}
	}
	return &StravaAdapter{
		creds:    creds,
		apiBase:  "https://www.strava.com/api/v3",
		authURL:  "https://www.strava.com/oauth/authorize",
		tokenURL: "https://www.strava.com/oauth/token",
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *StravaAdapter) Name() string        { return "strava" }
func (s *StravaAdapter) DataTypes() []string { return []string{"activity"} }

func (s *StravaAdapter) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       s.creds.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.authURL,
			TokenURL: s.tokenURL,
		},
	}
}

func (s *StravaAdapter) UsesPKCE() bool               { return false }
func (s *StravaAdapter) SingleUseRefreshTokens() bool { return false }

// Strava access tokens live six hours.
func (s *StravaAdapter) RefreshBuffer() time.Duration { return 30 * time.Minute }

func (s *StravaAdapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return refreshViaConfig(ctx, s.Name(), s.OAuthConfig(""), refreshToken)
}

func (s *StravaAdapter) RateLimits() []RateLimitPolicy {
	return []RateLimitPolicy{
		{Name: "15min", Scope: RateScopeApp, Limit: 100, Window: 15 * time.Minute},
		{Name: "daily", Scope: RateScopeApp, Limit: 1000, Window: 24 * time.Hour},
	}
}

func (s *StravaAdapter) SubscriptionScope() SubscriptionScope { return SubscriptionScopeApp }

func (s *StravaAdapter) AckStatus() int { return http.StatusOK }

// VerifyEvent: Strava does not sign deliveries. Authenticity rests on
// the verify-token handshake performed when the subscription was
// created, so any delivery reaching a registered callback is accepted.
func (s *StravaAdapter) VerifyEvent(http.Header, []byte) error { return nil }

type stravaEvent struct {
	ObjectType     string            `json:"object_type"`
	ObjectID       int64             `json:"object_id"`
	AspectType     string            `json:"aspect_type"`
	OwnerID        int64             `json:"owner_id"`
	SubscriptionID int64             `json:"subscription_id"`
	EventTime      int64             `json:"event_time"`
	Updates        map[string]string `json:"updates"`
}

func (s *StravaAdapter) ParseEvents(_ string, body []byte) ([]WebhookEvent, error) {
	var ev stravaEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("strava: failed to unmarshal event: %w", err)
	}
	out := WebhookEvent{
		ProviderUserID: strconv.FormatInt(ev.OwnerID, 10),
		DataType:       "activity",
		ObjectID:       strconv.FormatInt(ev.ObjectID, 10),
		Deleted:        ev.AspectType == "delete",
		DeliveryID: fmt.Sprintf("strava:%d:%d:%s:%d",
			ev.ObjectID, ev.OwnerID, ev.AspectType, ev.EventTime),
	}
	// An athlete revoking access arrives as an athlete update with
	// authorized=false.
	if ev.ObjectType == "athlete" && ev.Updates["authorized"] == "false" {
		out.Deauthorized = true
	}
	return []WebhookEvent{out}, nil
}

type stravaActivity struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	StartDate   string  `json:"start_date"`
	ElapsedTime int64   `json:"elapsed_time"`
	MovingTime  int64   `json:"moving_time"`
	Distance    float64 `json:"distance"`
	Name        string  `json:"name"`
}

func (s *StravaAdapter) FetchPage(ctx context.Context, accessToken string, req PageRequest) (*Page, error) {
	page := 1
	if req.PageToken != "" {
		p, err := strconv.Atoi(req.PageToken)
		if err != nil {
			return nil, fmt.Errorf("strava: bad page token %q: %w", req.PageToken, err)
		}
		page = p
	}
	perPage := req.PageSize
	if perPage <= 0 {
		perPage = 50
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if !req.Since.IsZero() {
		// after flips Strava's ordering to oldest-first. The window
		// starts strictly past the caller's cursor, so it holds no
		// already-stored records and the ordering cannot trip early
		// exit; without after Strava pages newest-first.
		q.Set("after", strconv.FormatInt(req.Since.Unix(), 10))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.apiBase+"/athlete/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, syncerrors.ClassifyTransport(s.Name(), err)
	}
	defer resp.Body.Close()

	if serr := syncerrors.ClassifyHTTP(s.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		if serr.Kind == syncerrors.KindRateLimited {
			serr.RetryAfter = 15 * time.Minute
		}
		return nil, serr
	}

	var activities []stravaActivity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, fmt.Errorf("strava: failed to decode activities: %w", err)
	}

	records := make([]*domain.UnifiedRecord, 0, len(activities))
	for _, a := range activities {
		start, err := time.Parse(time.RFC3339, a.StartDate)
		if err != nil {
			continue
		}
		records = append(records, &domain.UnifiedRecord{
			Source:     s.Name(),
			OriginalID: strconv.FormatInt(a.ID, 10),
			Type:       strings.ToLower(a.Type),
			StartTime:  start,
			Duration:   time.Duration(a.ElapsedTime) * time.Second,
			Value: map[string]any{
				"name":        a.Name,
				"distance_m":  a.Distance,
				"moving_time": a.MovingTime,
			},
		})
	}

	out := &Page{Records: records}
	if len(activities) == perPage {
		out.NextPageToken = strconv.Itoa(page + 1)
	}
	out.Quota = parseStravaQuota(resp.Header)
	return out, nil
}

// parseStravaQuota reads the authoritative X-RateLimit-Usage /
// X-RateLimit-Limit headers ("15min,daily" comma pairs).
func parseStravaQuota(h http.Header) *QuotaSnapshot {
	usage := strings.Split(h.Get("X-RateLimit-Usage"), ",")
	limit := strings.Split(h.Get("X-RateLimit-Limit"), ",")
	if len(usage) < 1 || len(limit) < 1 || usage[0] == "" || limit[0] == "" {
		return nil
	}
	used, err1 := strconv.ParseInt(strings.TrimSpace(usage[0]), 10, 64)
	max, err2 := strconv.ParseInt(strings.TrimSpace(limit[0]), 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &QuotaSnapshot{
		PolicyName: "15min",
		Remaining:  max - used,
		Reset:      15 * time.Minute,
	}
}

func (s *StravaAdapter) Identity(ctx context.Context, token *oauth2.Token) (string, error) {
	// Strava embeds the athlete in the token response; fall back to
	// the athlete endpoint when the extra is absent.
	if athlete, ok := token.Extra("athlete").(map[string]any); ok {
		if id, ok := athlete["id"].(float64); ok {
			return strconv.FormatInt(int64(id), 10), nil
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/athlete", nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", syncerrors.ClassifyTransport(s.Name(), err)
	}
	defer resp.Body.Close()
	if serr := syncerrors.ClassifyHTTP(s.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		return "", serr
	}
	var athlete struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&athlete); err != nil {
		return "", fmt.Errorf("strava: failed to decode athlete: %w", err)
	}
	return strconv.FormatInt(athlete.ID, 10), nil
}

func (s *StravaAdapter) Subscribe(ctx context.Context, _ string, callbackURL string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", s.creds.ClientID)
	form.Set("client_secret", s.creds.ClientSecret)
	form.Set("callback_url", callbackURL)
	form.Set("verify_token", s.creds.VerifyToken)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiBase+"/push_subscriptions", strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", time.Time{}, syncerrors.ClassifyTransport(s.Name(), err)
	}
	defer resp.Body.Close()
	if serr := syncerrors.ClassifyHTTP(s.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		return "", time.Time{}, serr
	}

	var sub struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", time.Time{}, fmt.Errorf("strava: failed to decode subscription: %w", err)
	}
	// Strava subscriptions do not expire; keep them far out so the
	// renewal sweep never touches them.
	return strconv.FormatInt(sub.ID, 10), time.Now().AddDate(1, 0, 0), nil
}

func (s *StravaAdapter) RenewSubscription(_ context.Context, _ string, _ string) (time.Time, error) {
	return time.Now().AddDate(1, 0, 0), nil
}

func (s *StravaAdapter) Unsubscribe(ctx context.Context, _ string, providerSubID string) error {
	q := url.Values{}
	q.Set("client_id", s.creds.ClientID)
	q.Set("client_secret", s.creds.ClientSecret)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.apiBase+"/push_subscriptions/"+providerSubID+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return syncerrors.ClassifyTransport(s.Name(), err)
	}
	defer resp.Body.Close()
	if serr := syncerrors.ClassifyHTTP(s.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		return serr
	}
	return nil
}

// readBodyErr snapshots a truncated response body for error context.
func readBodyErr(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
}

var _ Adapter = (*StravaAdapter)(nil)
