// Package httpserver exposes the sync surface over HTTP: the /ws state
// socket, the frame poll endpoint, metrics and health probes.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ezplayer/statesync/internal/broadcast"
	"github.com/ezplayer/statesync/internal/bufpool"
	"github.com/ezplayer/statesync/internal/frames"
	"github.com/ezplayer/statesync/internal/platform/config"
)

type Server struct {
	echo   *echo.Echo
	config *config.Config

	broadcaster *broadcast.Broadcaster
	slot        *frames.Slot
	pool        *bufpool.Pool
	limiter     *connLimiter

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, broadcaster *broadcast.Broadcaster, slot *frames.Slot, pool *bufpool.Pool, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		broadcaster:  broadcaster,
		slot:         slot,
		pool:         pool,
		limiter:      newConnLimiter(cfg.MaxConnections),
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the route tree, for tests driving the server through
// httptest.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}
