// Package status serves the worker's read-only status endpoints: database
// health, migration progress and Prometheus metrics.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/migrator/internal/domain/migration"
	"github.com/ehr/migrator/internal/platform/db"
	"github.com/ehr/migrator/internal/platform/middleware"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// HealthFunc probes the database.
type HealthFunc func(ctx context.Context) *db.HealthReport

// StatsReader reads migration progress.
type StatsReader interface {
	Stats(ctx context.Context) (migration.Stats, error)
}

// StatsResponse is the /stats body.
type StatsResponse struct {
	migration.Stats
	Migrated int64 `json:"migrated"`
	Pending  int64 `json:"pending"`
	Total    int64 `json:"total"`
}

// Server is the status HTTP server.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger
}

// NewServer wires the status routes.
func NewServer(health HealthFunc, stats StatsReader, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "status").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger, "/health", "/metrics"))
	e.Use(middleware.RequestTimeout(requestTimeout))

	e.GET("/health", func(c echo.Context) error {
		report := health(c.Request().Context())
		code := http.StatusOK
		if !report.Healthy() {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, report)
	})

	e.GET("/stats", func(c echo.Context) error {
		st, err := stats.Stats(c.Request().Context())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, StatsResponse{
			Stats:    st,
			Migrated: st.Migrated(),
			Pending:  st.Pending(),
			Total:    st.Migrated() + st.Pending(),
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return &Server{echo: e, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting status server")
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
