package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			add(field, "must be one of %s, got %q", strings.Join(allowed, ", "), value)
		}
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, "must be positive")
		}
	}

	if cfg.SchedulerName == "" {
		add("SCHEDULER_NAME", "required")
	}

	oneOf("STORE", cfg.Store, "memory", "sql")
	if cfg.Store == "sql" {
		oneOf("DB_DRIVER", cfg.DBDriver, "postgres", "pgx", "sqlite")
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE is sql")
		}
	}

	oneOf("LOCK_BACKEND", cfg.LockBackend, "row", "advisory", "redis", "local")
	if cfg.LockBackend == "advisory" && cfg.DBDriver == "sqlite" {
		add("LOCK_BACKEND", "advisory locks need a postgres driver")
	}
	if cfg.LockBackend == "redis" && cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required when LOCK_BACKEND is redis")
	}

	if cfg.Clustered {
		if cfg.Store != "sql" {
			add("CLUSTERED", "requires STORE=sql")
		}
		if cfg.LockBackend == "local" {
			add("LOCK_BACKEND", "local locks cannot coordinate a cluster")
		}
		positive("CHECKIN_INTERVAL", cfg.CheckinInterval)
		if cfg.CheckinMissedThreshold < 1 {
			add("CHECKIN_MISSED_THRESHOLD", "must be at least 1")
		}
		if cfg.MaxCheckinFailures < 1 {
			add("MAX_CHECKIN_FAILURES", "must be at least 1")
		}
	}

	if cfg.MisfireThreshold < 0 {
		add("MISFIRE_THRESHOLD", "must not be negative")
	}
	positive("IDLE_WAIT_TIME", cfg.IdleWaitTime)
	if cfg.BatchSize < 1 {
		add("BATCH_SIZE", "must be at least 1")
	}
	if cfg.BatchTimeWindow < 0 {
		add("BATCH_TIME_WINDOW", "must not be negative")
	}
	if cfg.MaxConcurrency < 1 {
		add("MAX_CONCURRENCY", "must be at least 1")
	}
	positive("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if cfg.MetricsEnabled && !strings.HasPrefix(cfg.MetricsPath, "/") {
		add("METRICS_PATH", "must start with /")
	}
	if cfg.JobsFileWatch && cfg.JobsFile == "" {
		add("JOBS_FILE_WATCH", "requires JOBS_FILE")
	}
	if cfg.AnalyticsEnabled {
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when ANALYTICS_ENABLED is true")
		}
		switch cfg.AnalyticsWindow {
		case time.Minute, 5 * time.Minute, time.Hour:
		default:
			add("ANALYTICS_WINDOW", "must be 1m, 5m or 1h")
		}
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "%v", err)
	}
	oneOf("LOG_FORMAT", cfg.LogFormat, "json", "console")

	if len(errs) > 0 {
		return errs
	}
	return nil
}
