package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/middleware"
	"github.com/medledger/medledger/internal/service"
)

const (
	defaultBodyLimit   = 1 << 20
	defaultUploadLimit = 64 << 20
)

// newServer assembles the HTTP surface: public health and metrics routes and
// the authenticated /api/v1 group.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.PrivateKeyHeader},
	}))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.BodyLimit(
		middleware.ParseSize(cfg.BodyLimit, defaultBodyLimit),
		middleware.ParseSize(cfg.UploadLimit, defaultUploadLimit),
	))

	e.GET("/health", db.HealthHandler(version, a.checks...))
	if a.pool != nil {
		e.GET("/health/db", db.PoolStatsHandler(a.pool))
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "jwt" {
		apiV1.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}
	apiV1.Use(auth.SessionMiddleware(auth.SessionConfig{
		Admin:    cfg.AdminAddress,
		Resolver: service.RoleResolver(a.book),
		Skipper:  auth.AuthSkipper,
	}))

	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rl))

	service.NewHandler(a.svc).RegisterRoutes(apiV1)
	blobstore.NewHandler(a.content).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient)))

	return e
}

func runServer(a *app) error {
	e := newServer(a)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("ledger", a.cfg.LedgerBackend).Str("content", a.cfg.ContentStore).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	a.logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
