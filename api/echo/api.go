package echo

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/fitsync/domain"
	"github.com/pulseline/fitsync/oauthflow"
	"github.com/pulseline/fitsync/providers"
	"github.com/pulseline/fitsync/webhooks"
)

// maxWebhookBody caps how much of a delivery is read before parsing.
const maxWebhookBody = 1 << 20

// userIDHeader carries the caller identity set by the fronting gateway.
// Authentication of end users happens upstream of this service.
const userIDHeader = "X-User-ID"

// SyncAPI exposes the connect flow and webhook ingress over HTTP.
type SyncAPI struct {
	flow    *oauthflow.Service
	gateway *webhooks.Gateway

	// webhookTimeout bounds delivery processing so the response always
	// beats provider delivery deadlines.
	webhookTimeout time.Duration
	healthCheck    func(ctx context.Context) error
}

func NewSyncAPI(flow *oauthflow.Service, gateway *webhooks.Gateway, webhookTimeout time.Duration, healthCheck func(ctx context.Context) error) *SyncAPI {
	if webhookTimeout <= 0 {
		webhookTimeout = 5 * time.Second
	}
	return &SyncAPI{
		flow:           flow,
		gateway:        gateway,
		webhookTimeout: webhookTimeout,
		healthCheck:    healthCheck,
	}
}

// RegisterRoutes registers the sync engine routes.
func (a *SyncAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.HealthHandler)

	e.GET("/webhooks/:provider", a.WebhookChallengeHandler)
	e.POST("/webhooks/:provider", a.WebhookDeliveryHandler)

	e.GET("/integrations/:provider/authorize", a.AuthorizeHandler)
	e.POST("/integrations/:provider/exchange", a.ExchangeHandler)
	e.GET("/integrations/:provider/status", a.StatusHandler)
	e.DELETE("/integrations/:provider/disconnect", a.DisconnectHandler)
	e.DELETE("/integrations/:provider", a.DisconnectHandler)
}

func (a *SyncAPI) HealthHandler(c echo.Context) error {
	if a.healthCheck != nil {
		if err := a.healthCheck(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// WebhookChallengeHandler answers the provider subscription handshake.
// The challenge is echoed only on an exact verify-token match; an
// unconfigured provider is a hard 503 so a misdeployment can never
// validate a subscription.
func (a *SyncAPI) WebhookChallengeHandler(c echo.Context) error {
	provider := c.Param("provider")
	verifyToken := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	// Not every provider sends hub.mode, but when present it must be a
	// subscribe handshake.
	if mode := c.QueryParam("hub.mode"); mode != "" && mode != "subscribe" {
		return c.NoContent(http.StatusForbidden)
	}

	switch err := a.gateway.VerifyChallenge(provider, verifyToken); {
	case errors.Is(err, webhooks.ErrChallengeUnconfigured):
		return c.NoContent(http.StatusServiceUnavailable)
	case err != nil:
		return c.NoContent(http.StatusForbidden)
	}
	return c.JSON(http.StatusOK, echo.Map{"hub.challenge": challenge})
}

func (a *SyncAPI) WebhookDeliveryHandler(c echo.Context) error {
	provider := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), a.webhookTimeout)
	defer cancel()

	status, err := a.gateway.HandleDelivery(ctx, provider, c.Request().Header, body)
	if err != nil {
		if errors.Is(err, providers.ErrProviderNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(status)
	}
	return c.NoContent(status)
}

func (a *SyncAPI) AuthorizeHandler(c echo.Context) error {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing user identity"})
	}
	provider := c.Param("provider")

	url, err := a.flow.AuthorizeURL(c.Request().Context(), userID, provider)
	if err != nil {
		if errors.Is(err, providers.ErrProviderNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown provider"})
		}
		log.Error().Err(err).Str("provider", provider).Msg("failed to issue authorize URL")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to start authorization"})
	}
	return c.JSON(http.StatusOK, echo.Map{"authorize_url": url})
}

type exchangeRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

func (a *SyncAPI) ExchangeHandler(c echo.Context) error {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing user identity"})
	}
	provider := c.Param("provider")

	var req exchangeRequest
	if err := c.Bind(&req); err != nil || req.State == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "state and code are required"})
	}

	in, err := a.flow.Exchange(c.Request().Context(), userID, provider, req.State, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrStateNotFound):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid or expired state"})
		case errors.Is(err, providers.ErrProviderNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown provider"})
		}
		log.Error().Err(err).Str("provider", provider).Msg("authorization exchange failed")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "authorization exchange failed"})
	}
	return c.JSON(http.StatusOK, in)
}

func (a *SyncAPI) StatusHandler(c echo.Context) error {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing user identity"})
	}

	in, err := a.flow.Status(c.Request().Context(), userID, c.Param("provider"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "integration not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load integration"})
	}
	return c.JSON(http.StatusOK, in)
}

func (a *SyncAPI) DisconnectHandler(c echo.Context) error {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing user identity"})
	}

	err := a.flow.Disconnect(c.Request().Context(), userID, c.Param("provider"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "integration not found"})
		}
		log.Error().Err(err).Msg("disconnect failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "disconnect failed"})
	}
	return c.NoContent(http.StatusNoContent)
}
