// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fov provides the FOV context service.
//
// The service owns every live tutoring session and serves the HTTP
// contract over them. It wires:
//
//   - the session registry and its background sweeper
//   - the optional BadgerDB archive of removed sessions
//   - OpenTelemetry tracing and Prometheus metrics
//   - the gin router with tracing, recovery, request logging and rate
//     limiting
//
// # Usage
//
//	cfg, err := config.Load("fov.yaml")
//	if err != nil {
//	    return err
//	}
//	svc, err := fov.New(ctx, cfg, nil)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx) // returns after ctx is cancelled and shutdown completes
package fov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFOV/services/fov/archive"
	"github.com/AleutianAI/AleutianFOV/services/fov/config"
	"github.com/AleutianAI/AleutianFOV/services/fov/handlers"
	"github.com/AleutianAI/AleutianFOV/services/fov/middleware"
	"github.com/AleutianAI/AleutianFOV/services/fov/observability"
	"github.com/AleutianAI/AleutianFOV/services/fov/registry"
	"github.com/AleutianAI/AleutianFOV/services/fov/routes"
	"github.com/AleutianAI/AleutianFOV/services/fov/session"
	"github.com/AleutianAI/AleutianFOV/services/fov/telemetry"
	"github.com/AleutianAI/AleutianFOV/services/fov/tokens"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the FOV service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and must be
// called at most once.
type Service interface {
	// Run serves HTTP and runs the sweeper until ctx is cancelled or the
	// listener fails, then shuts everything down.
	//
	// # Outputs
	//
	//   - error: nil after a clean shutdown, otherwise the first failure.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Registry returns the live session registry.
	Registry() *registry.Registry

	// Close releases everything New acquired without serving. Run calls
	// it on return; calling it again is a no-op.
	Close(ctx context.Context) error
}

// Options are the process-level dependencies of New. All fields are
// optional.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer receives the session metrics and, with the Prometheus
	// metric exporter, the OTel operation metrics. Nil uses the default
	// Prometheus registerer.
	Registerer prometheus.Registerer

	// Gatherer serves /metrics. Nil falls back to Registerer when it is
	// also a Gatherer, then to the default gatherer.
	Gatherer prometheus.Gatherer
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - config: Effective configuration
//   - router: gin engine with all routes registered
//   - registry: Live sessions
//   - sweeper: Idle/expired removal and the periodic self-check
//   - archive: Removed-session store, nil when disabled
//   - telemetryShutdown: Flushes the OTel providers
type service struct {
	config            config.Config
	logger            *slog.Logger
	router            *gin.Engine
	registry          *registry.Registry
	sweeper           *registry.Sweeper
	archive           *archive.Store
	metrics           *observability.SessionMetrics
	limiter           *middleware.RateLimiter
	metricsHandler    http.Handler
	telemetryShutdown func(context.Context) error
	closed            bool
}

// New creates the FOV service.
//
// # Description
//
// New initializes, in order:
//  1. OpenTelemetry tracing and metrics
//  2. Prometheus session metrics
//  3. The token estimator shared by all sessions
//  4. The session archive, when enabled
//  5. The registry and sweeper
//  6. The HTTP router
//
// Anything acquired before a failing step is released.
//
// # Inputs
//
//   - ctx: Used for exporter connections only.
//   - cfg: A configuration that passes Validate.
//   - opts: May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid configuration or a failed component.
func New(ctx context.Context, cfg config.Config, opts *Options) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	s := &service{config: cfg, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	gatherer := opts.Gatherer
	if g, ok := opts.Registerer.(prometheus.Gatherer); ok && gatherer == nil {
		gatherer = g
	}
	tcfg := cfg.Telemetry
	tcfg.Registerer = opts.Registerer
	tcfg.Gatherer = gatherer
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	s.metrics = observability.NewSessionMetrics(opts.Registerer)
	s.metricsHandler = telemetry.MetricsHandler()
	if s.metricsHandler == nil {
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		s.metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	estimator, err := tokens.New(cfg.Tokens.Estimator, cfg.Tokens.Model)
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("failed to create token estimator: %w", err)
	}

	regOpts := []registry.Option{
		registry.WithLogger(s.logger),
		registry.WithMetrics(s.metrics),
		registry.WithSessionOptions(session.WithEstimator(estimator), session.WithLogger(s.logger)),
	}
	if cfg.Archive.Enabled {
		store, err := archive.Open(cfg.Archive.Config, s.logger)
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("failed to open session archive: %w", err)
		}
		s.archive = store
		regOpts = append(regOpts, registry.WithArchiver(store))
	}

	s.registry = registry.New(cfg.ForRegistry(), regOpts...)
	s.sweeper = registry.NewSweeper(s.registry, registry.SweeperConfig{Interval: cfg.Registry.SweepInterval}, s.logger)
	s.initRouter()

	s.logger.Info("FOV service initialized",
		slog.Int("port", cfg.Server.Port),
		slog.String("estimator", estimator.Name()),
		slog.Bool("archive", s.archive != nil),
		slog.Int("max_sessions", cfg.Registry.MaxSessions),
	)
	return s, nil
}

// initRouter builds the gin engine.
func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	router := gin.New()
	router.Use(
		otelgin.Middleware(s.config.Telemetry.ServiceName),
		gin.Recovery(),
		middleware.RequestLogger(s.logger),
	)

	s.limiter = middleware.NewRateLimiter(s.config.RateLimit).OnReject(func(c *gin.Context) {
		s.metrics.RecordError(c.FullPath(), observability.ErrorCodeRateLimited)
	})

	h := handlers.NewHandlers(s.registry, s.logger).
		WithMetrics(s.metrics).
		WithStream(s.config.Stream)
	if s.archive != nil {
		h = h.WithArchive(s.archive)
	}

	routes.SetupRoutes(router, h, routes.Options{
		Limit:   s.limiter.Middleware(),
		Metrics: s.metricsHandler,
	})
	s.router = router
}

// Run serves until ctx is done.
//
// # Description
//
// Runs the HTTP server and the sweeper under one errgroup. When ctx is
// cancelled, or the listener fails, the server drains for at most
// ShutdownTimeout, the sweeper stops, live sessions are ended and
// archived, and Close releases the archive and telemetry.
func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting FOV server", slog.Int("port", s.config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.sweeper.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down FOV server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		_ = s.sweeper.Stop()
		return err
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	return errors.Join(err, s.Close(closeCtx))
}

func (s *service) shutdownTimeout() time.Duration {
	if s.config.Server.ShutdownTimeout > 0 {
		return s.config.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close ends and archives live sessions, then releases the archive and
// telemetry providers.
func (s *service) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.registry != nil {
		if n := s.registry.Shutdown(ctx); n > 0 {
			s.logger.Info("sessions ended on shutdown", slog.Int("count", n))
		}
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Router returns the gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Registry returns the live session registry.
func (s *service) Registry() *registry.Registry {
	return s.registry
}
