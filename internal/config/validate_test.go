package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.Store = "sql"
	cfg.DatabaseURL = "postgres://localhost/sched"
	cfg.Clustered = true

	if err := Validate(cfg); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		wantErr string
	}{
		{"unknown store", func(c *Config) { c.Store = "etcd" }, "STORE", "must be one of"},
		{"sql without url", func(c *Config) { c.Store = "sql" }, "DATABASE_URL", "required"},
		{"unknown driver", func(c *Config) { c.Store, c.DatabaseURL, c.DBDriver = "sql", "x", "mysql" }, "DB_DRIVER", "must be one of"},
		{"advisory on sqlite", func(c *Config) { c.DBDriver, c.LockBackend = "sqlite", "advisory" }, "LOCK_BACKEND", "postgres"},
		{"redis lock without addr", func(c *Config) { c.LockBackend = "redis" }, "REDIS_ADDR", "required"},
		{"clustered memory", func(c *Config) { c.Clustered = true }, "CLUSTERED", "STORE=sql"},
		{"clustered local lock", func(c *Config) {
			c.Clustered, c.Store, c.DatabaseURL, c.LockBackend = true, "sql", "x", "local"
		}, "LOCK_BACKEND", "cluster"},
		{"zero idle wait", func(c *Config) { c.IdleWaitTime = 0 }, "IDLE_WAIT_TIME", "must be positive"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE", "at least 1"},
		{"zero pool", func(c *Config) { c.MaxConcurrency = 0 }, "MAX_CONCURRENCY", "at least 1"},
		{"watch without file", func(c *Config) { c.JobsFileWatch = true }, "JOBS_FILE_WATCH", "requires JOBS_FILE"},
		{"analytics without redis", func(c *Config) { c.AnalyticsEnabled = true }, "REDIS_ADDR", "ANALYTICS_ENABLED"},
		{"odd analytics window", func(c *Config) {
			c.AnalyticsEnabled, c.RedisAddr, c.AnalyticsWindow = true, "localhost:6379", 7
		}, "ANALYTICS_WINDOW", "1m, 5m or 1h"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL", ""},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT", "must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)

			err := Validate(cfg)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field && strings.Contains(e.Message, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s error containing %q, got: %v", tt.field, tt.wantErr, err)
			}
		})
	}
}

func TestValidationErrors_Format(t *testing.T) {
	single := ValidationErrors{{Field: "A", Message: "bad"}}
	if single.Error() != "A: bad" {
		t.Errorf("single error = %q", single.Error())
	}

	multi := ValidationErrors{{Field: "A", Message: "bad"}, {Field: "B", Message: "worse"}}
	msg := multi.Error()
	if !strings.HasPrefix(msg, "2 validation errors:") {
		t.Errorf("multi error should start with count: %q", msg)
	}
	if !strings.Contains(msg, "A: bad") || !strings.Contains(msg, "B: worse") {
		t.Errorf("multi error should list both: %q", msg)
	}
}
