package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseline/fitsync/providers"
	"github.com/pulseline/fitsync/webhooks"
)

func newTestAPI(healthCheck func(ctx context.Context) error) (*SyncAPI, *echo.Echo) {
	gateway := webhooks.NewGateway(
		providers.NewRegistry(), nil, nil, nil, nil, nil,
		map[string]string{"fitbit": "verify-secret"},
	)
	api := NewSyncAPI(nil, gateway, time.Second, healthCheck)
	e := echo.New()
	api.RegisterRoutes(e)
	return api, e
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		_, e := newTestAPI(func(context.Context) error { return nil })
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"ok"`)
	})

	t.Run("degraded", func(t *testing.T) {
		_, e := newTestAPI(func(context.Context) error { return errors.New("mongo unreachable") })
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "mongo unreachable")
	})
}

func TestWebhookChallengeHandler(t *testing.T) {
	_, e := newTestAPI(nil)

	t.Run("matching token echoes the challenge", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/webhooks/fitbit?hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=abc123", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "abc123")
	})

	t.Run("without hub.mode the token still decides", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/webhooks/fitbit?hub.verify_token=verify-secret&hub.challenge=abc123", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("non-subscribe mode is forbidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/webhooks/fitbit?hub.mode=unsubscribe&hub.verify_token=verify-secret&hub.challenge=abc123", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NotContains(t, rec.Body.String(), "abc123")
	})

	t.Run("wrong token is forbidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/webhooks/fitbit?hub.verify_token=wrong&hub.challenge=abc123", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NotContains(t, rec.Body.String(), "abc123")
	})

	t.Run("unconfigured provider is unavailable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/webhooks/strava?hub.verify_token=verify-secret&hub.challenge=abc123", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestWebhookDeliveryHandler_UnknownProvider(t *testing.T) {
	_, e := newTestAPI(nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/nosuch",
		strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntegrationHandlers_RequireUserIdentity(t *testing.T) {
	_, e := newTestAPI(nil)

	requests := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/integrations/strava/authorize", nil),
		httptest.NewRequest(http.MethodPost, "/integrations/strava/exchange", strings.NewReader(`{}`)),
		httptest.NewRequest(http.MethodGet, "/integrations/strava/status", nil),
		httptest.NewRequest(http.MethodDelete, "/integrations/strava/disconnect", nil),
		httptest.NewRequest(http.MethodDelete, "/integrations/strava", nil),
	}
	for _, req := range requests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equalf(t, http.StatusUnauthorized, rec.Code, "%s %s", req.Method, req.URL.Path)
	}
}

func TestExchangeHandler_RequiresStateAndCode(t *testing.T) {
	_, e := newTestAPI(nil)

	req := httptest.NewRequest(http.MethodPost, "/integrations/strava/exchange",
		strings.NewReader(`{"state":"s1"}`))
	req.Header.Set(userIDHeader, "u1")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
