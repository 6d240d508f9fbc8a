package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
)

// FitbitAdapter implements Adapter for Fitbit. Fitbit requires PKCE,
// rotates refresh tokens on every use (single-use, with a server-side
// grace window), enforces a per-user hourly quota, signs webhook
// deliveries with an HMAC over the raw body, and expects 204 acks.
type FitbitAdapter struct {
	creds    Credentials
	apiBase  string
	authURL  string
	tokenURL string
	http     *http.Client
}

func NewFitbitAdapter(creds Credentials) *FitbitAdapter {
	if len(creds.Scopes) == 0 {
		creds.Scopes = []string{"activity", "sleep", "profile"}
	}
	return &FitbitAdapter{
		creds:    creds,
		apiBase:  "https://api.fitbit.com",
		authURL:  "https://www.fitbit.com/oauth2/authorize",
		tokenURL: "https://api.fitbit.com/oauth2/token",
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *FitbitAdapter) Name() string        { return "fitbit" }
func (f *FitbitAdapter) DataTypes() []string { return []string{"activity", "sleep"} }

func (f *FitbitAdapter) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.creds.ClientID,
		ClientSecret: f.creds.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       f.creds.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.authURL,
			TokenURL:  f.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (f *FitbitAdapter) UsesPKCE() bool               { return true }
func (f *FitbitAdapter) SingleUseRefreshTokens() bool { return true }

// Fitbit access tokens live eight hours.
func (f *FitbitAdapter) RefreshBuffer() time.Duration { return 15 * time.Minute }

func (f *FitbitAdapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return refreshViaConfig(ctx, f.Name(), f.OAuthConfig(""), refreshToken)
}

func (f *FitbitAdapter) RateLimits() []RateLimitPolicy {
	return []RateLimitPolicy{
		{Name: "hourly", Scope: RateScopeUser, Limit: 150, Window: time.Hour},
	}
}

func (f *FitbitAdapter) SubscriptionScope() SubscriptionScope { return SubscriptionScopeUser }

func (f *FitbitAdapter) AckStatus() int { return http.StatusNoContent }

// VerifyEvent checks the X-Fitbit-Signature header: base64 of an
// HMAC-SHA256 over the raw body, keyed with the client secret plus a
// trailing ampersand.
func (f *FitbitAdapter) VerifyEvent(header http.Header, body []byte) error {
	sig := header.Get("X-Fitbit-Signature")
	if sig == "" {
		return syncerrors.NewWebhookVerification(f.Name(), fmt.Errorf("missing signature header"))
	}
	mac := hmac.New(sha256.New, []byte(f.creds.ClientSecret+"&"))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return syncerrors.NewWebhookVerification(f.Name(), fmt.Errorf("signature mismatch"))
	}
	return nil
}

type fitbitNotification struct {
	CollectionType string `json:"collectionType"`
	Date           string `json:"date"`
	OwnerID        string `json:"ownerId"`
	SubscriptionID string `json:"subscriptionId"`
}

func (f *FitbitAdapter) ParseEvents(_ string, body []byte) ([]WebhookEvent, error) {
	var notifications []fitbitNotification
	if err := json.Unmarshal(body, &notifications); err != nil {
		return nil, fmt.Errorf("fitbit: failed to unmarshal notifications: %w", err)
	}
	events := make([]WebhookEvent, 0, len(notifications))
	for _, n := range notifications {
		dataType := n.CollectionType
		if dataType == "activities" {
			dataType = "activity"
		}
		events = append(events, WebhookEvent{
			ProviderUserID: n.OwnerID,
			DataType:       dataType,
			Date:           n.Date,
			DeliveryID:     fmt.Sprintf("fitbit:%s:%s:%s", n.OwnerID, n.CollectionType, n.Date),
		})
	}
	// Deauthorization arrives as a deleted-user notification with the
	// userRevokedAccess collection type.
	for i, n := range notifications {
		if n.CollectionType == "userRevokedAccess" || n.CollectionType == "deleteUser" {
			events[i].Deauthorized = true
		}
	}
	return events, nil
}

type fitbitActivity struct {
	LogID        int64  `json:"logId"`
	ActivityName string `json:"activityName"`
	StartTime    string `json:"startTime"`
	Duration     int64  `json:"duration"` // milliseconds
	Calories     int64  `json:"calories"`
}

func (f *FitbitAdapter) FetchPage(ctx context.Context, accessToken string, req PageRequest) (*Page, error) {
	var endpoint string
	if req.PageToken != "" {
		// Fitbit hands back a fully-qualified next URL.
		endpoint = req.PageToken
	} else {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSizeOr(req.PageSize, 50)))
		q.Set("offset", "0")
		if req.Since.IsZero() {
			q.Set("sort", "desc")
			q.Set("beforeDate", time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02"))
		} else {
			// Fitbit requires sort=asc with afterDate. The window starts
			// at the caller's cursor, so it holds no already-stored
			// records and the ascending order cannot trip early exit.
			q.Set("sort", "asc")
			q.Set("afterDate", req.Since.UTC().Format("2006-01-02"))
		}
		endpoint = f.apiBase + "/1/user/-/activities/list.json?" + q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.http.Do(httpReq)
	if err != nil {
		return nil, syncerrors.ClassifyTransport(f.Name(), err)
	}
	defer resp.Body.Close()

	if serr := syncerrors.ClassifyHTTP(f.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		if serr.Kind == syncerrors.KindRateLimited {
			serr.RetryAfter = retryAfterHeader(resp.Header, time.Hour)
		}
		return nil, serr
	}

	var payload struct {
		Activities []fitbitActivity `json:"activities"`
		Pagination struct {
			Next string `json:"next"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("fitbit: failed to decode activity list: %w", err)
	}

	records := make([]*domain.UnifiedRecord, 0, len(payload.Activities))
	for _, a := range payload.Activities {
		start, err := time.Parse("2006-01-02T15:04:05.000-07:00", a.StartTime)
		if err != nil {
			if start, err = time.Parse(time.RFC3339, a.StartTime); err != nil {
				continue
			}
		}
		records = append(records, &domain.UnifiedRecord{
			Source:     f.Name(),
			OriginalID: strconv.FormatInt(a.LogID, 10),
			Type:       normalizeActivityType(a.ActivityName),
			StartTime:  start,
			Duration:   time.Duration(a.Duration) * time.Millisecond,
			Value: map[string]any{
				"name":     a.ActivityName,
				"calories": a.Calories,
			},
		})
	}

	out := &Page{Records: records, NextPageToken: payload.Pagination.Next}
	out.Quota = parseFitbitQuota(resp.Header)
	return out, nil
}

// parseFitbitQuota reads Fitbit-Rate-Limit-Remaining / -Reset headers.
func parseFitbitQuota(h http.Header) *QuotaSnapshot {
	rem := h.Get("Fitbit-Rate-Limit-Remaining")
	if rem == "" {
		return nil
	}
	remaining, err := strconv.ParseInt(rem, 10, 64)
	if err != nil {
		return nil
	}
	reset := time.Hour
	if secs, err := strconv.ParseInt(h.Get("Fitbit-Rate-Limit-Reset"), 10, 64); err == nil && secs > 0 {
		reset = time.Duration(secs) * time.Second
	}
	return &QuotaSnapshot{PolicyName: "hourly", Remaining: remaining, Reset: reset}
}

func (f *FitbitAdapter) Identity(ctx context.Context, token *oauth2.Token) (string, error) {
	if userID, ok := token.Extra("user_id").(string); ok && userID != "" {
		return userID, nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.apiBase+"/1/user/-/profile.json", nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp, err := f.http.Do(httpReq)
	if err != nil {
		return "", syncerrors.ClassifyTransport(f.Name(), err)
	}
	defer resp.Body.Close()
	if serr := syncerrors.ClassifyHTTP(f.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		return "", serr
	}
	var profile struct {
		User struct {
			EncodedID string `json:"encodedId"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", fmt.Errorf("fitbit: failed to decode profile: %w", err)
	}
	return profile.User.EncodedID, nil
}

func (f *FitbitAdapter) Subscribe(ctx context.Context, accessToken, _ string) (string, time.Time, error) {
	subID := uuid.NewString()
	endpoint := fmt.Sprintf("%s/1/user/-/activities/apiSubscriptions/%s.json", f.apiBase, subID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.http.Do(httpReq)
	if err != nil {
		return "", time.Time{}, syncerrors.ClassifyTransport(f.Name(), err)
	}
	defer resp.Body.Close()
	if serr := syncerrors.ClassifyHTTP(f.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		return "", time.Time{}, serr
	}
	// Fitbit subscriptions persist until deleted.
	return subID, time.Now().AddDate(1, 0, 0), nil
}

func (f *FitbitAdapter) RenewSubscription(_ context.Context, _ string, _ string) (time.Time, error) {
	return time.Now().AddDate(1, 0, 0), nil
}

func (f *FitbitAdapter) Unsubscribe(ctx context.Context, accessToken, providerSubID string) error {
	endpoint := fmt.Sprintf("%s/1/user/-/activities/apiSubscriptions/%s.json", f.apiBase, providerSubID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := f.http.Do(httpReq)
	if err != nil {
		return syncerrors.ClassifyTransport(f.Name(), err)
	}
	defer resp.Body.Close()
	if serr := syncerrors.ClassifyHTTP(f.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		return serr
	}
	return nil
}

func pageSizeOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

func retryAfterHeader(h http.Header, fallback time.Duration) time.Duration {
	if secs, err := strconv.ParseInt(h.Get("Retry-After"), 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

var _ Adapter = (*FitbitAdapter)(nil)
