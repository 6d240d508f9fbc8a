package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	syncapi "github.com/pulseline/fitsync/api/echo"
)

// HTTPServer wraps the echo instance serving the public API surface.
type HTTPServer struct {
	echo *echo.Echo
	addr string
}

func NewHTTPServer(addr string, api *syncapi.SyncAPI) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	api.RegisterRoutes(e)
	return &HTTPServer{echo: e, addr: addr}
}

// Start blocks until the listener stops.
func (s *HTTPServer) Start() error {
	log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	return s.echo.Start(s.addr)
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
