package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ALKYH/HospitalManage/internal/config"
	"github.com/ALKYH/HospitalManage/internal/domain/registration"
	"github.com/ALKYH/HospitalManage/internal/platform/auth"
	"github.com/ALKYH/HospitalManage/internal/platform/db"
	"github.com/ALKYH/HospitalManage/internal/platform/events"
	"github.com/ALKYH/HospitalManage/internal/platform/middleware"
	"github.com/ALKYH/HospitalManage/internal/platform/telemetry"
)

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if !cfg.UsesJWT() {
		logger.Warn().Msg("JWT_SECRET not set: requester identity is read from the X-Requester-ID header")
	}

	ctx := context.Background()

	// Tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, version, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Database
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		Schema:      cfg.DBSchema,
		LockTimeout: cfg.DBLockTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	// Events
	pub, err := events.Open(ctx, cfg.EventOptions(), logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.EventBackend).Msg("failed to open event publisher")
	}
	defer pub.Close()
	logger.Info().Str("backend", cfg.EventBackend).Msg("event publisher ready")

	svc := registration.NewService(
		db.NewTxManager(pool),
		registration.NewLedgerRepoPG(pool),
		registration.NewOrderRepoPG(pool),
		registration.NewFeeRepoPG(pool),
		pub,
		logger,
	)

	e := newServer(cfg, logger, svc, pool, func() *db.PoolStats { return db.GetPoolStats(pool) })

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer assembles the echo instance: global middleware, identity,
// health endpoints and the registration routes.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *registration.Service, pinger db.Pinger, stats func() *db.PoolStats) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.RequesterHeader, auth.RolesHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, auth.IsPublicPath))

	// Auth middleware
	if cfg.UsesJWT() {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		e.Use(auth.HeaderMiddleware(auth.AuthSkipper))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger, stats))

	apiV1 := e.Group("/api/v1")
	registration.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}
