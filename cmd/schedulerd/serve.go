package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quartznet/quartznet-sub011/internal/analytics"
	"github.com/quartznet/quartznet-sub011/internal/api"
	"github.com/quartznet/quartznet-sub011/internal/circuitbreaker"
	"github.com/quartznet/quartznet-sub011/internal/cluster"
	"github.com/quartznet/quartznet-sub011/internal/config"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/jobs"
	"github.com/quartznet/quartznet-sub011/internal/jobsfile"
	"github.com/quartznet/quartznet-sub011/internal/lock"
	"github.com/quartznet/quartznet-sub011/internal/logging"
	"github.com/quartznet/quartznet-sub011/internal/metrics"
	"github.com/quartznet/quartznet-sub011/internal/scheduler"
	"github.com/quartznet/quartznet-sub011/internal/store"
	"github.com/quartznet/quartznet-sub011/internal/store/memory"
	"github.com/quartznet/quartznet-sub011/internal/store/sqldb"
)

func runServe() int {
	cfg, ok := loadConfig()
	if !ok {
		return exitInvalidConfig
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	logConfigWarnings(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("schedulerd failed")
		return exitRuntimeError
	}
	logger.Info().Msg("schedulerd stopped")
	return exitSuccess
}

// resources are the long-lived connections opened for serve.
type resources struct {
	db    *sql.DB       // nil with the memory store
	redis *redis.Client // nil without REDIS_ADDR
	store *store.Store
}

func (r *resources) close(logger zerolog.Logger) {
	switch {
	case r.store != nil:
		if err := r.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
	case r.db != nil:
		r.db.Close()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close failed")
		}
	}
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	res := &resources{}
	defer res.close(logger)

	if cfg.RedisAddr != "" {
		res.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		logger.Info().Str("redis", cfg.RedisAddr).Msg("redis configured")
	}

	instanceID := resolveInstanceID(cfg.InstanceID)
	backend, err := openBackend(ctx, cfg, res, logger)
	if err != nil {
		return err
	}
	res.store = store.New(backend, store.Options{
		SchedulerName:    cfg.SchedulerName,
		InstanceID:       instanceID,
		Clustered:        cfg.Clustered,
		MisfireThreshold: cfg.MisfireThreshold,
	}).WithLogger(logger)

	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		logger.Info().Str("path", cfg.MetricsPath).Msg("metrics enabled")
	} else {
		logger.Info().Msg("METRICS_ENABLED not set; metrics disabled")
	}

	registry := job.NewRegistry()
	var breaker *circuitbreaker.Breaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	webhook := jobs.NewWebhook(breaker).WithTimeout(cfg.WebhookTimeout).WithLogger(logger)
	if metricsSink != nil {
		webhook = webhook.WithMetrics(metricsSink)
	}
	jobs.Register(registry, webhook, logger)

	sched := scheduler.New(scheduler.Config{
		IdleWaitTime:    cfg.IdleWaitTime,
		MaxConcurrency:  cfg.MaxConcurrency,
		BatchSize:       cfg.BatchSize,
		BatchTimeWindow: cfg.BatchTimeWindow,
	}, res.store, registry).WithLogger(logger)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
	}

	if cfg.Clustered {
		coord := cluster.New(cluster.Config{
			CheckinInterval:    cfg.CheckinInterval,
			MissedThreshold:    cfg.CheckinMissedThreshold,
			MaxCheckinFailures: cfg.MaxCheckinFailures,
		}, res.store).WithListener(sched.Listeners()).WithLogger(logger)
		if metricsSink != nil {
			coord = coord.WithMetrics(metricsSink)
		}
		sched = sched.WithCoordinator(coord)
		logger.Info().Str("instance", instanceID).Dur("checkin_interval", cfg.CheckinInterval).Msg("clustering enabled")
	}

	var stats *analytics.RedisListener
	if cfg.AnalyticsEnabled {
		stats = analytics.NewRedisListener(res.redis, cfg.SchedulerName, analytics.Config{
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}).WithLogger(logger)
		sched.AddListener(stats)
		logger.Info().Dur("window", cfg.AnalyticsWindow).Msg("analytics enabled")
	}

	var loader *jobsfile.Loader
	if cfg.JobsFile != "" {
		loader = jobsfile.NewLoader(cfg.JobsFile, sched).WithLogger(logger)
		if err := loader.Reload(ctx); err != nil {
			return fmt.Errorf("jobs file: %w", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	handler := api.NewHandler(sched).WithLogger(logger)
	if res.db != nil {
		handler = handler.WithHealthChecker(res.db)
	}
	if stats != nil {
		handler = handler.WithStats(stats)
	}
	router := chi.NewRouter()
	if cfg.MetricsEnabled {
		router.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	router.Mount("/", handler)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if loader != nil && cfg.JobsFileWatch {
		g.Go(func() error { return loader.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		// Phase 1: stop taking management requests
		httpCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(httpCtx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown error")
		}

		// Phase 2: stop firing and let running jobs finish
		schedCtx, cancelSched := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelSched()
		if err := sched.Shutdown(schedCtx, cfg.WaitForJobsOnShutdown); err != nil {
			logger.Warn().Err(err).Msg("scheduler shutdown did not complete")
		}
		return nil
	})

	logger.Info().
		Str("store", cfg.Store).
		Str("instance", instanceID).
		Str("http", cfg.HTTPAddr).
		Msg("schedulerd started")
	return g.Wait()
}

// openBackend opens the configured store backend. For SQL it also applies
// migrations and picks the lock implementation.
func openBackend(ctx context.Context, cfg config.Config, res *resources, logger zerolog.Logger) (store.Backend, error) {
	if cfg.Store != "sql" {
		logger.Info().Msg("using in-memory store; state is lost on exit")
		return memory.New(), nil
	}

	d, err := sqldb.DialectFor(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	db, err := sqldb.Open(ctx, d, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		return nil, err
	}
	res.db = db
	logger.Info().
		Str("driver", d.Name).
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Msg("db pool configured")

	if cfg.AutoMigrate {
		if err := sqldb.Migrate(ctx, db, d, logger); err != nil {
			return nil, err
		}
	}

	var sem lock.Semaphore
	if cfg.LockBackend == "redis" {
		sem = lock.NewRedisLease(res.redis, cfg.SchedulerName, cfg.RedisLockTTL).WithLogger(logger)
	} else {
		sem, err = sqldb.NewSemaphore(cfg.LockBackend, d, cfg.SchedulerName)
		if err != nil {
			return nil, err
		}
	}
	logger.Info().Str("lock", cfg.LockBackend).Msg("lock backend configured")
	return sqldb.New(db, d, cfg.SchedulerName, sem).WithLogger(logger), nil
}

func poolOptions(cfg config.Config) sqldb.PoolOptions {
	return sqldb.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		BusyTimeout:     cfg.DBBusyTimeout,
	}
}

// resolveInstanceID expands AUTO to the host name plus a random suffix.
func resolveInstanceID(id string) string {
	if id != config.AutoInstanceID {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + uuid.NewString()[:8]
}
