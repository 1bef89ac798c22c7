package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/config"
	"github.com/quartznet/quartznet-sub011/internal/jobsfile"
	"github.com/quartznet/quartznet-sub011/internal/logging"
	"github.com/quartznet/quartznet-sub011/internal/store/sqldb"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		os.Exit(runMigrate())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`schedulerd - persistent, clusterable job scheduler

Usage:
  schedulerd <command>

Commands:
  serve      Start the scheduler and the HTTP management API
  migrate    Apply SQL schema migrations and exit
  validate   Validate configuration and the jobs file (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  SCHEDULER_NAME            Scheduler name; instances sharing it form a cluster (default: "scheduler")
  INSTANCE_ID               Unique instance id, or AUTO (default: AUTO when clustered)

  STORE                     Job store: memory or sql (default: "memory")
  DB_DRIVER                 SQL driver: postgres, pgx or sqlite (default: "postgres")
  DATABASE_URL              SQL connection string (required for STORE=sql)
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_BUSY_TIMEOUT           SQLite busy timeout (default: "5s")
  AUTO_MIGRATE              Apply migrations on serve (default: "true")

  CLUSTERED                 Join a cluster through the SQL store (default: "false")
  LOCK_BACKEND              row, advisory, redis or local (default: "row")
  REDIS_ADDR                Redis address for lock leases and analytics
  REDIS_LOCK_TTL            Redis lease TTL (default: "30s")
  CHECKIN_INTERVAL          Cluster check-in interval (default: "7500ms")
  CHECKIN_MISSED_THRESHOLD  Missed check-ins before recovery (default: "2")
  MAX_CHECKIN_FAILURES      Failed check-ins before acquisition pauses (default: "3")

  MISFIRE_THRESHOLD         Lateness before a trigger misfires (default: "60s")
  IDLE_WAIT_TIME            Poll interval with nothing due (default: "30s")
  BATCH_SIZE                Max triggers acquired at once (default: "1")
  BATCH_TIME_WINDOW         Look-ahead for batch acquisition (default: "0s")
  MAX_CONCURRENCY           Worker pool size (default: "10")
  SHUTDOWN_TIMEOUT          Time allowed for running jobs on shutdown (default: "30s")
  WAIT_FOR_JOBS_ON_SHUTDOWN Let running jobs finish on shutdown (default: "true")

  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  JOBS_FILE                 YAML file of jobs, triggers and calendars
  JOBS_FILE_WATCH           Re-apply JOBS_FILE when it changes (default: "false")

  ANALYTICS_ENABLED         Record per-job fire counts in Redis (default: "false")
  ANALYTICS_WINDOW          Count bucket: 1m, 5m or 1h (default: "1m")
  ANALYTICS_RETENTION       Count retention (default: "24h")

  CIRCUIT_BREAKER_THRESHOLD Webhook failures before the circuit opens, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open circuit cooldown (default: "2m")
  WEBHOOK_TIMEOUT           Default webhook attempt timeout (default: "10s")

  LOG_LEVEL                 debug, info, warn or error (default: "info")
  LOG_FORMAT                json or console (default: "json")`)
}

// loadConfig loads and validates configuration, printing errors to stderr.
func loadConfig() (config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, false
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, false
	}
	return cfg, true
}

func runMigrate() int {
	cfg, ok := loadConfig()
	if !ok {
		return exitInvalidConfig
	}
	if cfg.Store != "sql" {
		fmt.Fprintln(os.Stderr, "migrate needs STORE=sql")
		return exitInvalidConfig
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	d, err := sqldb.DialectFor(cfg.DBDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	db, err := sqldb.Open(ctx, d, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return exitRuntimeError
	}
	defer db.Close()

	if err := sqldb.Migrate(ctx, db, d, logger); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		return exitRuntimeError
	}
	v, err := sqldb.MigrationVersion(ctx, db, d)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read schema version")
		return exitRuntimeError
	}
	fmt.Printf("schema at version %d\n", v)
	return exitSuccess
}

func runValidate() int {
	cfg, ok := loadConfig()
	if !ok {
		return exitInvalidConfig
	}
	if cfg.JobsFile != "" {
		defs, err := jobsfile.Load(cfg.JobsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs file: %v\n", err)
			return exitInvalidConfig
		}
		fmt.Printf("jobs file valid (%d calendars, %d jobs)\n", len(defs.Calendars), len(defs.Jobs))
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("schedulerd version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
