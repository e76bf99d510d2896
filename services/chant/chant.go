// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chant assembles the chantd service.
//
// The service wires together every component of a chant node: the store,
// the consensus engine, the deadline sweeper, the outbox dispatcher, the
// HTTP API and the observability stack.
//
//	             ┌────────────┐
//	HTTP ───────►│   routes   │──┐
//	             └────────────┘  │   ┌────────┐     ┌───────┐
//	             ┌────────────┐  ├──►│ engine │────►│ store │
//	sweeper ────►│  schedule  │──┘   └────────┘     └───┬───┘
//	             └────────────┘                         │ outbox
//	                                 ┌────────────┐     │
//	                                 │ dispatcher │◄────┘
//	                                 └─────┬──────┘
//	                                       ▼
//	                                   notifiers
//
// # Extension Points
//
// extensions.ServiceOptions lets an embedding program add its own
// Notifier. Dispatched events always go to the log notifier and, when a
// webhook URL is configured, to the webhook as well.
//
// # Usage
//
//	cfg, err := config.Load("chantd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := chant.New(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package chant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/unitychant/chant/pkg/config"
	"github.com/unitychant/chant/pkg/extensions"
	"github.com/unitychant/chant/pkg/logging"
	"github.com/unitychant/chant/services/chant/engine"
	"github.com/unitychant/chant/services/chant/middleware"
	"github.com/unitychant/chant/services/chant/observability"
	"github.com/unitychant/chant/services/chant/outbox"
	"github.com/unitychant/chant/services/chant/routes"
	"github.com/unitychant/chant/services/chant/store"
	"github.com/unitychant/chant/services/chant/store/badger"
	"github.com/unitychant/chant/services/chant/store/postgres"
	"github.com/unitychant/chant/services/chant/sweeper"
	"github.com/unitychant/chant/services/chant/telemetry"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is a running chant node.
//
// # Description
//
// Run serves HTTP and drives the background loops until ctx is cancelled.
// SweepOnce and DispatchOnce run a single pass of the background work and
// back the `chantd sweep` and `chantd dispatch` commands.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Run should be called at most
// once.
type Service interface {
	// Run serves until ctx is cancelled or the listener fails, then shuts
	// down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine. Used by tests.
	Router() *gin.Engine

	// SweepOnce runs one deadline sweep now.
	SweepOnce(ctx context.Context) (sweeper.Result, error)

	// DispatchOnce delivers one batch of outbox events now.
	DispatchOnce(ctx context.Context) (outbox.Result, error)

	// Close releases every resource. Safe to call more than once; Run
	// calls it on return.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
type service struct {
	cfg  config.Config
	opts extensions.ServiceOptions

	logger *logging.Logger
	log    *slog.Logger

	registry          *prometheus.Registry
	metrics           *observability.Metrics
	metricsHandler    http.Handler
	telemetryShutdown func(context.Context) error

	store      store.Store
	engine     *engine.Engine
	sweeper    *sweeper.Sweeper
	scheduler  *sweeper.Scheduler
	dispatcher *outbox.Dispatcher
	router     *gin.Engine

	closeOnce sync.Once
	closeErr  error
}

// New builds a service from cfg.
//
// # Description
//
// Initializes, in order: logging, metrics, telemetry, the store, the
// engine, the sweeper, the outbox dispatcher and the router. Nothing runs
// in the background until Run is called. On failure every component that
// was already initialized is released.
//
// # Inputs
//
//   - ctx: Bounds store connection setup.
//   - cfg: Validated configuration.
//   - opts: Extension points. Nil uses extensions.DefaultOptions().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid configuration or a component failed to initialize.
func New(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &service{cfg: cfg}
	if opts != nil {
		s.opts = opts.Normalize()
	} else {
		s.opts = extensions.DefaultOptions()
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	s.logger = logger
	s.log = logger.Slog()

	if err := s.initTelemetry(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s.store, err = OpenStore(ctx, cfg.Store, s.log)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := s.initWorkers(); err != nil {
		s.Close()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and the background loops.
//
// # Description
//
// The sweep scheduler and outbox dispatcher start unless disabled in the
// server config. When the configuration came from a file, the file is
// watched and a changed log level is applied live. Cancelling ctx drains
// in-flight requests for up to Server.ShutdownTimeout.
//
// # Outputs
//
//   - error: Listener failure or background loop failure. Nil after a
//     clean shutdown.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr, err)
	}
	return s.serve(ctx, ln)
}

// serve runs everything on an already-bound listener.
func (s *service) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	if !s.cfg.Server.DisableSweeper {
		if err := s.scheduler.Start(gctx); err != nil {
			_ = ln.Close()
			return err
		}
	}
	if !s.cfg.Server.DisableDispatcher {
		g.Go(func() error {
			return s.dispatcher.Run(gctx)
		})
	}
	if s.cfg.Path != "" {
		if err := s.watchConfig(gctx); err != nil {
			s.log.Warn("config watcher disabled", slog.String("error", err.Error()))
		}
	}

	g.Go(func() error {
		s.log.Info("starting chant server",
			slog.String("addr", ln.Addr().String()),
			slog.String("store", s.cfg.Store.Driver),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.log.Info("shutting down chant server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Router returns the configured Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// SweepOnce runs one sweep at the scheduler's clock.
func (s *service) SweepOnce(ctx context.Context) (sweeper.Result, error) {
	return s.scheduler.RunNow(ctx)
}

// DispatchOnce delivers one outbox batch.
func (s *service) DispatchOnce(ctx context.Context) (outbox.Result, error) {
	return s.dispatcher.DispatchOnce(ctx)
}

// Close stops the scheduler, flushes telemetry and closes the store and the
// log file.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.scheduler != nil {
			// Not running is the normal case for one-shot commands.
			_ = s.scheduler.Stop()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if s.telemetryShutdown != nil {
			if err := s.telemetryShutdown(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
		}
		if s.logger != nil {
			if err := s.logger.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTelemetry creates the Prometheus registry and starts OpenTelemetry.
func (s *service) initTelemetry(ctx context.Context) error {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	tcfg := s.cfg.Telemetry
	tcfg.Registry = s.registry
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	s.telemetryShutdown = shutdown

	s.metricsHandler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	if tcfg.MetricExporter == "prometheus" {
		if h := telemetry.MetricsHandler(); h != nil {
			s.metricsHandler = h
		}
	}
	s.log.Info("initialized telemetry",
		slog.String("traces", tcfg.TraceExporter),
		slog.String("metrics", tcfg.MetricExporter),
	)
	return nil
}

// initWorkers creates the engine, the sweeper and the outbox dispatcher.
func (s *service) initWorkers() error {
	var err error
	s.engine, err = engine.New(s.store, s.cfg.Engine,
		engine.WithLogger(s.log),
		engine.WithMetrics(s.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	s.sweeper, err = sweeper.New(s.store, s.engine, s.cfg.Sweeper,
		sweeper.WithLogger(s.log),
		sweeper.WithMetrics(s.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize sweeper: %w", err)
	}
	s.scheduler = sweeper.NewScheduler(s.sweeper, nil)

	notifier, err := s.buildNotifier()
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	s.dispatcher, err = outbox.New(s.store, notifier, s.cfg.Outbox,
		outbox.WithLogger(s.log),
		outbox.WithMetrics(s.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize outbox dispatcher: %w", err)
	}
	return nil
}

// buildNotifier combines the log notifier, the configured webhook and the
// caller's notifier.
func (s *service) buildNotifier() (extensions.Notifier, error) {
	notifiers := extensions.MultiNotifier{extensions.NewLogNotifier(s.log)}
	if s.cfg.Webhook.URL != "" {
		hook, err := extensions.NewWebhookNotifier(s.cfg.Webhook, nil)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, hook)
		s.log.Info("webhook notifications enabled", slog.String("url", s.cfg.Webhook.URL))
	}
	if _, nop := s.opts.Notifier.(extensions.NopNotifier); !nop {
		notifiers = append(notifiers, s.opts.Notifier)
	}
	if len(notifiers) == 1 {
		return notifiers[0], nil
	}
	return notifiers, nil
}

// initRouter creates the Gin engine with tracing and the API routes.
func (s *service) initRouter() {
	if gin.Mode() == gin.DebugMode && s.logger.Level() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		otelgin.Middleware(s.cfg.Telemetry.ServiceName),
		middleware.RequestID(),
		middleware.RequestLogger(s.log),
	)

	routes.SetupRoutes(s.router, routes.Deps{
		Engine:  s.engine,
		Logger:  s.log,
		Metrics: s.metricsHandler,
		Ping:    s.ping,
	})
}

// ping opens and closes a read transaction.
func (s *service) ping(ctx context.Context) error {
	return s.store.View(ctx, func(store.Reader) error { return nil })
}

// watchConfig applies log level changes from the config file.
func (s *service) watchConfig(ctx context.Context) error {
	w, err := config.NewWatcher(s.cfg.Path, func(next config.Config) {
		if err := s.logger.SetLevel(next.Logging.Level); err != nil {
			s.log.Warn("ignoring log level from reloaded config", slog.String("error", err.Error()))
		}
	}, s.log)
	if err != nil {
		return err
	}
	return w.Start(ctx)
}

// =============================================================================
// Store Selection
// =============================================================================

// OpenStore opens the backend named by cfg.Driver.
//
// # Inputs
//
//   - ctx: Bounds the Postgres connection and migration.
//   - cfg: Store configuration.
//   - logger: Passed to the backend. Nil uses slog.Default().
//
// # Outputs
//
//   - store.Store: Open store. Call Close() when done.
//   - error: Unknown driver or the backend failed to open.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case config.DriverBadger, "":
		bcfg := badger.DefaultConfig()
		bcfg.Path = cfg.BadgerPath
		bcfg.GCInterval = cfg.BadgerGCInterval
		bcfg.Logger = logger
		st, err := badger.Open(bcfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverMemory:
		bcfg := badger.InMemoryConfig()
		bcfg.Logger = logger
		st, err := badger.Open(bcfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN,
			MaxConns: cfg.PostgresMaxConns,
			Migrate:  cfg.Migrate,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
