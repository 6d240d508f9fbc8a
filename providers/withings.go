package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
)

// WithingsAdapter implements Adapter for Withings. Withings wraps every
// response in a status envelope, rotates refresh tokens on use, and
// requires HMAC-signed requests: a nonce is fetched from the signature
// endpoint and the call is signed with the client secret before each
// token or notify operation.
type WithingsAdapter struct {
	creds   Credentials
	apiBase string
	authURL string
	http    *http.Client
}

func NewWithingsAdapter(creds Credentials) *WithingsAdapter {
	if len(creds.Scopes) == 0 {
		creds.Scopes = []string{"user.metrics", "user.activity"}
	}
	return &WithingsAdapter{
		creds:   creds,
		apiBase: "https://wbsapi.withings.net",
		authURL: "https://account.withings.com/oauth2_user/authorize2",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WithingsAdapter) Name() string        { return "withings" }
func (w *WithingsAdapter) DataTypes() []string { return []string{"measure"} }

func (w *WithingsAdapter) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     w.creds.ClientID,
		ClientSecret: w.creds.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       w.creds.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  w.authURL,
			TokenURL: w.apiBase + "/v2/oauth2",
		},
	}
}

func (w *WithingsAdapter) UsesPKCE() bool               { return false }
func (w *WithingsAdapter) SingleUseRefreshTokens() bool { return true }

func (w *WithingsAdapter) RefreshBuffer() time.Duration { return 5 * time.Minute }

func (w *WithingsAdapter) RateLimits() []RateLimitPolicy {
	return []RateLimitPolicy{
		{Name: "minute", Scope: RateScopeUser, Limit: 120, Window: time.Minute},
	}
}

func (w *WithingsAdapter) SubscriptionScope() SubscriptionScope { return SubscriptionScopeUser }

func (w *WithingsAdapter) AckStatus() int { return http.StatusOK }

// sign computes the request signature: HMAC-SHA256 over the
// alphabetically-sorted parameter values, keyed with the client secret.
func (w *WithingsAdapter) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, params.Get(k))
	}
	mac := hmac.New(sha256.New, []byte(w.creds.ClientSecret))
	mac.Write([]byte(strings.Join(values, ",")))
	return hex.EncodeToString(mac.Sum(nil))
}

// getNonce consumes the signature endpoint before a signed call.
func (w *WithingsAdapter) getNonce(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("action", "getnonce")
	params.Set("client_id", w.creds.ClientID)
	params.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	params.Set("signature", w.sign(url.Values{
		"action":    {"getnonce"},
		"client_id": {w.creds.ClientID},
		"timestamp": {params.Get("timestamp")},
	}))

	var body struct {
		Nonce string `json:"nonce"`
	}
	if err := w.call(ctx, "/v2/signature", "", params, &body); err != nil {
		return "", err
	}
	return body.Nonce, nil
}

// call posts a form to a Withings endpoint and unwraps the status
// envelope, translating non-zero statuses into the engine taxonomy.
func (w *WithingsAdapter) call(ctx context.Context, path, accessToken string, params url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.apiBase+path, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := w.http.Do(httpReq)
	if err != nil {
		return syncerrors.ClassifyTransport(w.Name(), err)
	}
	defer resp.Body.Close()
	if serr := syncerrors.ClassifyHTTP(w.Name(), resp.StatusCode, nil); serr != nil {
		serr.Err = readBodyErr(resp)
		return serr
	}

	var envelope struct {
		Status int             `json:"status"`
		Error  string          `json:"error"`
		Body   json.RawMessage `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("withings: failed to decode envelope: %w", err)
	}
	switch envelope.Status {
	case 0:
	case 401, 100, 101, 102:
		return syncerrors.NewAuthExpired(w.Name(), fmt.Errorf("status %d: %s", envelope.Status, envelope.Error))
	case 601:
		return syncerrors.NewRateLimited(w.Name(), time.Minute, fmt.Errorf("status %d: %s", envelope.Status, envelope.Error))
	default:
		return syncerrors.NewTransient(w.Name(), fmt.Errorf("status %d: %s", envelope.Status, envelope.Error))
	}
	if out != nil && len(envelope.Body) > 0 {
		if err := json.Unmarshal(envelope.Body, out); err != nil {
			return fmt.Errorf("withings: failed to decode body: %w", err)
		}
	}
	return nil
}

func (w *WithingsAdapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	nonce, err := w.getNonce(ctx)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("action", "requesttoken")
	params.Set("grant_type", "refresh_token")
	params.Set("client_id", w.creds.ClientID)
	params.Set("refresh_token", refreshToken)
	params.Set("nonce", nonce)
	params.Set("signature", w.sign(url.Values{
		"action":    {"requesttoken"},
		"client_id": {w.creds.ClientID},
		"nonce":     {nonce},
	}))

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		UserID       any    `json:"userid"`
	}
	if err := w.call(ctx, "/v2/oauth2", "", params, &body); err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

func (w *WithingsAdapter) Identity(ctx context.Context, token *oauth2.Token) (string, error) {
	if id, ok := token.Extra("userid").(string); ok && id != "" {
		return id, nil
	}
	if id, ok := token.Extra("userid").(float64); ok {
		return strconv.FormatInt(int64(id), 10), nil
	}
	return "", syncerrors.NewTransient(w.Name(), fmt.Errorf("token response missing userid"))
}

// VerifyEvent checks the shared-secret HMAC over the raw body.
func (w *WithingsAdapter) VerifyEvent(header http.Header, body []byte) error {
	if w.creds.WebhookSecret == "" {
		return syncerrors.NewWebhookVerification(w.Name(), fmt.Errorf("no webhook secret configured"))
	}
	sig := header.Get("X-Signature")
	if sig == "" {
		return syncerrors.NewWebhookVerification(w.Name(), fmt.Errorf("missing signature header"))
	}
	mac := hmac.New(sha256.New, []byte(w.creds.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(sig)), []byte(want)) != 1 {
		return syncerrors.NewWebhookVerification(w.Name(), fmt.Errorf("signature mismatch"))
	}
	return nil
}

// ParseEvents decodes the form-encoded notification body.
func (w *WithingsAdapter) ParseEvents(_ string, body []byte) ([]WebhookEvent, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("withings: failed to parse notification form: %w", err)
	}
	userID := form.Get("userid")
	if userID == "" {
		return nil, fmt.Errorf("withings: notification missing userid")
	}
	ev := WebhookEvent{
		ProviderUserID: userID,
		DataType:       "measure",
		Date:           form.Get("startdate"),
		DeliveryID: fmt.Sprintf("withings:%s:%s:%s:%s",
			userID, form.Get("appli"), form.Get("startdate"), form.Get("enddate")),
	}
	if form.Get("appli") == "46" { // user deauthorization notification
		ev.Deauthorized = true
	}
	return []WebhookEvent{ev}, nil
}

type withingsMeasureGroup struct {
	GrpID    int64 `json:"grpid"`
	Date     int64 `json:"date"`
	Category int   `json:"category"`
	Measures []struct {
		Value int64 `json:"value"`
		Type  int   `json:"type"`
		Unit  int   `json:"unit"`
	} `json:"measures"`
}

func (w *WithingsAdapter) FetchPage(ctx context.Context, accessToken string, req PageRequest) (*Page, error) {
	params := url.Values{}
	params.Set("action", "getmeas")
	if !req.Since.IsZero() {
		params.Set("lastupdate", strconv.FormatInt(req.Since.Unix(), 10))
	}
	if req.PageToken != "" {
		params.Set("offset", req.PageToken)
	}

	var body struct {
		MeasureGroups []withingsMeasureGroup `json:"measuregrps"`
		More          int                    `json:"more"`
		Offset        int64                  `json:"offset"`
	}
	if err := w.call(ctx, "/measure", accessToken, params, &body); err != nil {
		return nil, err
	}

	records := make([]*domain.UnifiedRecord, 0, len(body.MeasureGroups))
	for _, grp := range body.MeasureGroups {
		values := map[string]any{}
		for _, m := range grp.Measures {
			values[strconv.Itoa(m.Type)] = float64(m.Value) * pow10(m.Unit)
		}
		records = append(records, &domain.UnifiedRecord{
			Source:     w.Name(),
			OriginalID: strconv.FormatInt(grp.GrpID, 10),
			Type:       "measure",
			StartTime:  time.Unix(grp.Date, 0).UTC(),
			Value:      values,
		})
	}

	out := &Page{Records: records}
	if body.More != 0 {
		out.NextPageToken = strconv.FormatInt(body.Offset, 10)
	}
	return out, nil
}

func pow10(exp int) float64 {
	out := 1.0
	for ; exp > 0; exp-- {
		out *= 10
	}
	for ; exp < 0; exp++ {
		out /= 10
	}
	return out
}

func (w *WithingsAdapter) Subscribe(ctx context.Context, accessToken, callbackURL string) (string, time.Time, error) {
	nonce, err := w.getNonce(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	params := url.Values{}
	params.Set("action", "subscribe")
	params.Set("callbackurl", callbackURL)
	params.Set("appli", "1")
	params.Set("client_id", w.creds.ClientID)
	params.Set("nonce", nonce)
	params.Set("signature", w.sign(url.Values{
		"action":    {"subscribe"},
		"client_id": {w.creds.ClientID},
		"nonce":     {nonce},
	}))
	if err := w.call(ctx, "/notify", accessToken, params, nil); err != nil {
		return "", time.Time{}, err
	}
	// Withings keys subscriptions on (user, appli, callback); renew on
	// a rolling window so silent provider-side expiry is covered.
	return "appli:1", time.Now().Add(7 * 24 * time.Hour), nil
}

func (w *WithingsAdapter) RenewSubscription(ctx context.Context, accessToken, _ string) (time.Time, error) {
	_, expiry, err := w.Subscribe(ctx, accessToken, w.creds.CallbackURL)
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

func (w *WithingsAdapter) Unsubscribe(ctx context.Context, accessToken, _ string) error {
	params := url.Values{}
	params.Set("action", "revoke")
	params.Set("appli", "1")
	return w.call(ctx, "/notify", accessToken, params, nil)
}

var _ Adapter = (*WithingsAdapter)(nil)
