package main

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quartznet/quartznet-sub011/internal/config"
)

// logConfigWarnings reports settings that are valid but risky in
// production. P0 can lose fires or state, P1 hides problems.
func logConfigWarnings(cfg config.Config, logger zerolog.Logger) {
	if cfg.Store == "memory" {
		logger.Warn().Str("priority", "P0").
			Msg("STORE=memory: jobs, triggers and calendars are lost on restart and missed fires are never recovered")
	}
	if cfg.Store == "sql" && cfg.LockBackend == "local" {
		logger.Warn().Str("priority", "P0").
			Msg("LOCK_BACKEND=local with STORE=sql: only one process may use this database")
	}
	if cfg.Clustered {
		detection := cfg.CheckinInterval * time.Duration(cfg.CheckinMissedThreshold)
		if detection > cfg.MisfireThreshold {
			logger.Warn().Str("priority", "P1").
				Dur("failure_detection", detection).
				Dur("misfire_threshold", cfg.MisfireThreshold).
				Msg("CHECKIN_INTERVAL*CHECKIN_MISSED_THRESHOLD exceeds MISFIRE_THRESHOLD: triggers of a failed instance misfire before it is recovered")
		}
	}
	if !cfg.MetricsEnabled {
		logger.Warn().Str("priority", "P1").Msg("METRICS_ENABLED=false: scheduler lag and store errors are not exported")
	}
	if !cfg.WaitForJobsOnShutdown {
		logger.Info().Msg("WAIT_FOR_JOBS_ON_SHUTDOWN=false: running jobs are interrupted on shutdown")
	}
	if cfg.JobsFile != "" && !cfg.JobsFileWatch {
		logger.Info().Msg("JOBS_FILE is applied once at startup; set JOBS_FILE_WATCH=true to pick up edits")
	}
}
