// Package main is the entry point of the ClassPulse analytics service.
//
// The service maintains the pipeline from raw learning events to cached
// teacher dashboards: ingestion folds events into per-student snapshots,
// the aggregator derives per-class snapshots, the dashboard manager serves
// cached payloads, and a nightly sweeper reconciles snapshots against the
// event log.
//
// The layout follows Clean Architecture and DDD:
//   - Domain: snapshot math and invariants, no external dependencies
//   - Application: ingest, aggregate, dashboard, reconcile services
//   - Infrastructure: postgres, redis, messaging, scheduler
//   - Interface: HTTP endpoints
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/classpulse/classpulse-analytics/config"
	"github.com/classpulse/classpulse-analytics/internal/application/aggregate"
	"github.com/classpulse/classpulse-analytics/internal/application/dashboard"
	"github.com/classpulse/classpulse-analytics/internal/application/ingest"
	"github.com/classpulse/classpulse-analytics/internal/application/reconcile"
	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/internal/infrastructure/messaging"
	"github.com/classpulse/classpulse-analytics/internal/infrastructure/persistence/memory"
	"github.com/classpulse/classpulse-analytics/internal/infrastructure/persistence/postgres"
	redisstore "github.com/classpulse/classpulse-analytics/internal/infrastructure/persistence/redis"
	"github.com/classpulse/classpulse-analytics/internal/infrastructure/scheduler"
	"github.com/classpulse/classpulse-analytics/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/classpulse/classpulse-analytics/internal/interface/http"
	"github.com/classpulse/classpulse-analytics/internal/interface/http/handlers"
	"github.com/classpulse/classpulse-analytics/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log, slogger := setupLoggers(cfg)
	log.Info("starting ClassPulse analytics",
		logger.String("env", string(cfg.App.Environment)),
		logger.Bool("debug", cfg.App.Debug),
		logger.String("app_version", cfg.App.Version),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. PERSISTENCE
	// ─────────────────────────────────────────────────────────────────────────
	var (
		events     analytics.EventLog
		students   analytics.StudentSnapshotRepository
		classes    analytics.ClassSnapshotRepository
		cacheStore analytics.DashboardCacheStore
		dbConn     *postgres.Connection
	)

	if cfg.Database.Disabled {
		log.Warn("running on in-memory stores, state is lost on restart")
		memStudents := memory.NewStudentSnapshotStore()
		events = memory.NewEventLog()
		students = memStudents
		classes = memory.NewClassSnapshotStore(memStudents)
		cacheStore = memory.NewCacheStore()
	} else {
		log.Info("connecting to database")
		dbConn, err = postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer dbConn.Close()

		if err := dbConn.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}

		if cfg.Database.AutoMigrate {
			log.Info("running database migrations")
			migrator := postgres.NewMigrator(dbConn)
			if err := migrator.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		events = postgres.NewEventRepository(dbConn)
		students = postgres.NewStudentSnapshotRepository(dbConn)
		classes = postgres.NewClassSnapshotRepository(dbConn)
		cacheStore = postgres.NewDashboardCacheRepository(dbConn)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (hot cache tier + distributed bus transport)
	// ─────────────────────────────────────────────────────────────────────────
	var redisCache *redisstore.Cache
	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis")
		redisCache, err = redisstore.NewCache(redisstore.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			log.Warn("failed to connect to Redis, falling back to primary stores", logger.Err(err))
			redisCache = nil
		} else {
			defer redisCache.Close()
			cacheStore = redisstore.NewDashboardCacheStore(redisCache)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS & DISPATCHER
	// ─────────────────────────────────────────────────────────────────────────
	var bus shared.EventBus
	if redisCache != nil && cfg.Features.IsEnabled(config.FeatureDistributedBus) {
		localCfg := messaging.DefaultInMemoryEventBusConfig()
		localCfg.Logger = slogger
		redisBus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:         messaging.NewGoRedisClient(redisCache.Client()),
			LocalBusConfig: localCfg,
			Logger:         slogger,
		})
		if err != nil {
			return fmt.Errorf("failed to start redis event bus: %w", err)
		}
		bus = redisBus
	} else {
		busCfg := messaging.DefaultInMemoryEventBusConfig()
		busCfg.Logger = slogger
		bus = messaging.NewInMemoryEventBus(busCfg)
	}
	defer bus.Close()

	dispatcherCfg := messaging.DefaultDispatcherConfig(bus)
	dispatcherCfg.Logger = slogger
	dispatcher := messaging.NewDispatcher(dispatcherCfg)
	dispatcher.Use(messaging.RecoveryMiddleware(slogger))
	if cfg.App.Debug {
		dispatcher.Use(messaging.LoggingMiddleware(slogger))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. APPLICATION SERVICES
	// ─────────────────────────────────────────────────────────────────────────
	ingestSvc := ingest.NewService(events, students, bus, log)

	aggregator := aggregate.NewAggregator(students, classes, bus, aggregate.Config{
		DebounceWindow:   cfg.Aggregator.DebounceWindow,
		RecomputeTimeout: cfg.Aggregator.RecomputeTimeout,
		Recompute:        analytics.DefaultRecomputeOptions(),
	}, log)
	defer aggregator.Close()

	manager := dashboard.NewManager(cacheStore, classes, events, bus, dashboard.Config{
		TTL:                  cfg.Dashboard.TTL,
		RebuildWait:          cfg.Dashboard.RebuildWait,
		PollWindow:           cfg.Dashboard.PollWindow,
		DisableLivePolls:     !cfg.Features.IsEnabled(config.FeatureDashboardLivePolls),
		DisableStaleFallback: !cfg.Features.IsEnabled(config.FeatureDashboardStaleFallback),
	}, log)

	sweeper := reconcile.NewSweeper(events, students, aggregator, bus, reconcile.Config{
		Lookback:  cfg.Sweeper.Lookback,
		Tolerance: cfg.Sweeper.Tolerance,
		Throttle:  cfg.Sweeper.Throttle,
	}, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. EVENT SUBSCRIPTIONS
	// ─────────────────────────────────────────────────────────────────────────
	// The aggregator runs inline at dispatch instead of on the worker pool,
	// so snapshot-change events arm its debounce timer in delivery order.
	// Bus delivery itself is asynchronous; ingest never waits on it.
	if err := dispatcher.RegisterSync(shared.EventStudentSnapshotChanged, "class-aggregator", aggregator.HandleSnapshotChanged); err != nil {
		return fmt.Errorf("failed to register aggregator handler: %w", err)
	}
	if err := dispatcher.Register(shared.EventClassSnapshotRecomputed, "dashboard-invalidation", manager.HandleClassRecomputed); err != nil {
		return fmt.Errorf("failed to register dashboard handler: %w", err)
	}
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer func() { _ = dispatcher.Stop() }()

	// ─────────────────────────────────────────────────────────────────────────
	// 8. BACKGROUND JOBS
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.NewScheduler(scheduler.Config{
			Logger:   slogger,
			Timezone: cfg.App.Location,
		})

		if cfg.Features.IsEnabled(config.FeatureNightlySweep) {
			sweepJob := jobs.NewReconcileSnapshotsJob(sweeper, slogger, jobs.ReconcileSnapshotsConfig{
				Timeout: cfg.Scheduler.JobTimeout,
			})
			schedule := scheduler.NewDailySchedule(cfg.Sweeper.SweepHour, cfg.Sweeper.SweepMinute)
			if err := sched.Register(sweepJob, schedule); err != nil {
				return fmt.Errorf("failed to register sweep job: %w", err)
			}
		}

		if cfg.Features.IsEnabled(config.FeatureEventPruning) {
			pruneJob := jobs.NewPruneEventsJob(events, bus, slogger, jobs.PruneEventsConfig{
				Retention: cfg.Scheduler.EventRetention,
			})
			if err := sched.Register(pruneJob, scheduler.NewIntervalSchedule(cfg.Scheduler.PruneInterval)); err != nil {
				return fmt.Errorf("failed to register prune job: %w", err)
			}
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. HEALTH CHECKS
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	if dbConn != nil {
		health.AddCheck("postgres", dbConn.Ping)
	}
	if redisCache != nil {
		health.AddCheck("redis", redisCache.Ping)
	}
	health.AddCheck("rebuild_breaker", func(context.Context) error {
		if manager.BreakerOpen() {
			return errors.New("dashboard rebuild breaker is open")
		}
		return nil
	})
	if dlq := dispatcher.DeadLetterQueue(); dlq != nil {
		health.AddCheck("dead_letter_queue", func(context.Context) error {
			if size := dlq.Size(); size > 100 {
				return fmt.Errorf("dead letter queue holds %d events", size)
			}
			return nil
		})
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	adminJobs := sched
	if !cfg.Features.IsEnabled(config.FeatureJobsAdminAPI) {
		adminJobs = nil
	}

	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.EnableCORS = cfg.HTTP.EnableCORS
	httpCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	httpCfg.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute

	server := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		Ingest:        ingestSvc,
		Dashboard:     manager,
		Jobs:          adminJobs,
		HealthChecker: health,
		Logger:        log,
	})

	errCh := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 11. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("ClassPulse analytics is running", logger.String("address", server.Address()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", logger.Err(err))
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error

	log.Info("stopping HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", logger.Err(err))
		shutdownErr = err
	}

	if sched != nil {
		log.Info("stopping scheduler")
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			log.Error("failed to stop scheduler gracefully", logger.Err(err))
			shutdownErr = err
		}
	}

	// Aggregator, dispatcher, bus, and stores close via defers.

	if shutdownErr != nil {
		log.Warn("shutdown completed with errors")
	} else {
		log.Info("shutdown completed")
	}

	return nil
}

// setupLoggers builds the application logger plus the slog logger used by
// infrastructure components.
func setupLoggers(cfg *config.Config) (*logger.Logger, *slog.Logger) {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	log := logger.New(opts)

	slogOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.App.Debug {
		slogOpts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, slogOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, slogOpts)
	}

	slogger := slog.New(handler)
	slog.SetDefault(slogger)

	return log, slogger
}
