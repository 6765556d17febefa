// Package server assembles the HTTP surface: the webhook ingest routes, a
// health probe, and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/repliesengine/internal/profile"
	"github.com/hrygo/repliesengine/internal/version"
	"github.com/hrygo/repliesengine/metrics"
	"github.com/hrygo/repliesengine/server/webhook"
)

// Server is the ingest HTTP server.
type Server struct {
	e       *echo.Echo
	profile *profile.Profile
	logger  *slog.Logger
}

// NewServer builds the echo server and mounts the routes.
func NewServer(p *profile.Profile, h *webhook.Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = p.IsDev()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status)
			return nil
		},
	}))

	e.POST("/webhooks/:channel", h.Handle)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.String(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return &Server{e: e, profile: p, logger: logger}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.profile.Addr)
		errCh <- s.e.Start(s.profile.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
