// Package config loads schedulerd settings from environment variables.
package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// AutoInstanceID asks for an instance id generated from the host name.
const AutoInstanceID = "AUTO"

// Config holds all configuration for schedulerd.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	SchedulerName string `env:"SCHEDULER_NAME" envDefault:"scheduler"`
	// InstanceID must be unique per process in a cluster. AUTO derives one
	// from the host name; empty means AUTO when clustered.
	InstanceID string `env:"INSTANCE_ID"`

	// Store: "memory" (single process, lost on exit) or "sql".
	Store             string        `env:"STORE" envDefault:"memory"`
	DBDriver          string        `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBBusyTimeout     time.Duration `env:"DB_BUSY_TIMEOUT" envDefault:"5s"`
	AutoMigrate       bool          `env:"AUTO_MIGRATE" envDefault:"true"`

	Clustered bool `env:"CLUSTERED"`
	// LockBackend: "row", "advisory" (postgres only), "redis" or "local".
	LockBackend  string        `env:"LOCK_BACKEND" envDefault:"row"`
	RedisAddr    string        `env:"REDIS_ADDR"`
	RedisLockTTL time.Duration `env:"REDIS_LOCK_TTL" envDefault:"30s"`

	CheckinInterval        time.Duration `env:"CHECKIN_INTERVAL" envDefault:"7500ms"`
	CheckinMissedThreshold int           `env:"CHECKIN_MISSED_THRESHOLD" envDefault:"2"`
	MaxCheckinFailures     int           `env:"MAX_CHECKIN_FAILURES" envDefault:"3"`

	MisfireThreshold time.Duration `env:"MISFIRE_THRESHOLD" envDefault:"60s"`
	IdleWaitTime     time.Duration `env:"IDLE_WAIT_TIME" envDefault:"30s"`
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"1"`
	BatchTimeWindow  time.Duration `env:"BATCH_TIME_WINDOW" envDefault:"0s"`
	MaxConcurrency   int           `env:"MAX_CONCURRENCY" envDefault:"10"`

	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	WaitForJobsOnShutdown bool          `env:"WAIT_FOR_JOBS_ON_SHUTDOWN" envDefault:"true"`

	HTTPAddr            string        `env:"HTTP_ADDR"`
	HTTPShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	MetricsEnabled bool   `env:"METRICS_ENABLED"`
	MetricsPath    string `env:"METRICS_PATH" envDefault:"/metrics"`

	JobsFile      string `env:"JOBS_FILE"`
	JobsFileWatch bool   `env:"JOBS_FILE_WATCH"`

	// Analytics needs REDIS_ADDR.
	AnalyticsEnabled   bool          `env:"ANALYTICS_ENABLED"`
	AnalyticsWindow    time.Duration `env:"ANALYTICS_WINDOW" envDefault:"1m"`
	AnalyticsRetention time.Duration `env:"ANALYTICS_RETENTION" envDefault:"24h"`

	// CircuitBreakerThreshold: 0 disables the webhook circuit breaker.
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerCooldown  time.Duration `env:"CIRCUIT_BREAKER_COOLDOWN" envDefault:"2m"`
	WebhookTimeout          time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the process environment with defaults.
// Values that do not parse are reported as an error.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, err
	}

	// Support PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		port := lookup(opts, "PORT")
		if port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.Clustered && cfg.InstanceID == "" {
		cfg.InstanceID = AutoInstanceID
	}
	return cfg, nil
}

func lookup(opts env.Options, key string) string {
	if opts.Environment != nil {
		return opts.Environment[key]
	}
	return os.Getenv(key)
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		SchedulerName           string `json:"scheduler_name"`
		InstanceID              string `json:"instance_id,omitempty"`
		Store                   string `json:"store"`
		DBDriver                string `json:"db_driver"`
		DatabaseURL             string `json:"database_url,omitempty"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		AutoMigrate             bool   `json:"auto_migrate"`
		Clustered               bool   `json:"clustered"`
		LockBackend             string `json:"lock_backend"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		CheckinInterval         string `json:"checkin_interval"`
		CheckinMissedThreshold  int    `json:"checkin_missed_threshold"`
		MaxCheckinFailures      int    `json:"max_checkin_failures"`
		MisfireThreshold        string `json:"misfire_threshold"`
		IdleWaitTime            string `json:"idle_wait_time"`
		BatchSize               int    `json:"batch_size"`
		BatchTimeWindow         string `json:"batch_time_window"`
		MaxConcurrency          int    `json:"max_concurrency"`
		ShutdownTimeout         string `json:"shutdown_timeout"`
		WaitForJobsOnShutdown   bool   `json:"wait_for_jobs_on_shutdown"`
		HTTPAddr                string `json:"http_addr"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		JobsFile                string `json:"jobs_file,omitempty"`
		JobsFileWatch           bool   `json:"jobs_file_watch"`
		AnalyticsEnabled        bool   `json:"analytics_enabled"`
		AnalyticsRetention      string `json:"analytics_retention"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		WebhookTimeout          string `json:"webhook_timeout"`
		LogLevel                string `json:"log_level"`
		LogFormat               string `json:"log_format"`
	}{
		SchedulerName:           c.SchedulerName,
		InstanceID:              c.InstanceID,
		Store:                   c.Store,
		DBDriver:                c.DBDriver,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetime.String(),
		AutoMigrate:             c.AutoMigrate,
		Clustered:               c.Clustered,
		LockBackend:             c.LockBackend,
		RedisAddr:               maskSecret(c.RedisAddr),
		CheckinInterval:         c.CheckinInterval.String(),
		CheckinMissedThreshold:  c.CheckinMissedThreshold,
		MaxCheckinFailures:      c.MaxCheckinFailures,
		MisfireThreshold:        c.MisfireThreshold.String(),
		IdleWaitTime:            c.IdleWaitTime.String(),
		BatchSize:               c.BatchSize,
		BatchTimeWindow:         c.BatchTimeWindow.String(),
		MaxConcurrency:          c.MaxConcurrency,
		ShutdownTimeout:         c.ShutdownTimeout.String(),
		WaitForJobsOnShutdown:   c.WaitForJobsOnShutdown,
		HTTPAddr:                c.HTTPAddr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		JobsFile:                c.JobsFile,
		JobsFileWatch:           c.JobsFileWatch,
		AnalyticsEnabled:        c.AnalyticsEnabled,
		AnalyticsRetention:      c.AnalyticsRetention.String(),
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldown.String(),
		WebhookTimeout:          c.WebhookTimeout.String(),
		LogLevel:                c.LogLevel,
		LogFormat:               c.LogFormat,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
// Plain host:port addresses carry no credentials and are kept.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://", "file:"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	if !strings.ContainsAny(s, "@=/") {
		return s
	}
	return "***"
}
