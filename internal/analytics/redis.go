// Package analytics counts fires per job in time buckets stored in Redis.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/listener"
)

// Kind is the counted event.
type Kind string

const (
	KindFired     Kind = "fired"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindMisfired  Kind = "misfired"
)

// Kinds lists every counted event.
var Kinds = []Kind{KindFired, KindSucceeded, KindFailed, KindMisfired}

// Config controls bucketing.
type Config struct {
	// Window is the bucket width: one minute, five minutes or one hour.
	Window    time.Duration
	Retention time.Duration
}

// RedisListener is a listener.Listener recording counters as a best-effort
// side effect; Redis errors are logged and never affect firing.
type RedisListener struct {
	listener.Nop

	client    *redis.Client
	schedName string
	cfg       Config
	logger    zerolog.Logger
}

func NewRedisListener(client *redis.Client, schedName string, cfg Config) *RedisListener {
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &RedisListener{
		client:    client,
		schedName: schedName,
		cfg:       cfg,
		logger:    log.With().Str("component", "analytics").Logger(),
	}
}

func (s *RedisListener) WithLogger(l zerolog.Logger) *RedisListener {
	s.logger = l.With().Str("component", "analytics").Logger()
	return s
}

func (s *RedisListener) BeforeFire(ctx context.Context, b *domain.FiredBundle) {
	s.record(ctx, b.Job.Key, KindFired, b.ScheduledFireTime)
}

func (s *RedisListener) AfterComplete(ctx context.Context, ec *job.ExecutionContext, _ domain.CompletedInstruction, err error) {
	kind := KindSucceeded
	if err != nil {
		kind = KindFailed
	}
	s.record(ctx, ec.JobDetail.Key, kind, ec.ScheduledFireTime)
}

func (s *RedisListener) Misfired(ctx context.Context, t domain.Trigger) {
	s.record(ctx, t.JobKey, KindMisfired, t.NextFireTime)
}

func (s *RedisListener) record(ctx context.Context, key domain.JobKey, kind Kind, at time.Time) {
	if err := s.Write(ctx, key, kind, at); err != nil {
		s.logger.Warn().Err(err).Str("job", key.String()).Str("kind", string(kind)).Msg("analytics write failed")
	}
}

// Write increments the bucket counter for key and kind at instant at.
func (s *RedisListener) Write(ctx context.Context, key domain.JobKey, kind Kind, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	k := s.buildKey(key, kind, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, s.cfg.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count returns the counter of the bucket holding at.
func (s *RedisListener) Count(ctx context.Context, key domain.JobKey, kind Kind, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.buildKey(key, kind, at)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Counts returns every kind's counter for the bucket holding at.
func (s *RedisListener) Counts(ctx context.Context, key domain.JobKey, at time.Time) (map[Kind]int64, error) {
	keys := make([]string, len(Kinds))
	for i, k := range Kinds {
		keys[i] = s.buildKey(key, k, at)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[Kind]int64, len(Kinds))
	for i, v := range vals {
		str, _ := v.(string)
		n, _ := strconv.ParseInt(str, 10, 64)
		out[Kinds[i]] = n
	}
	return out, nil
}

// Window is the bucket width.
func (s *RedisListener) Window() time.Duration { return s.cfg.Window }

func (s *RedisListener) buildKey(key domain.JobKey, kind Kind, t time.Time) string {
	return fmt.Sprintf("sched:%s:j:%s:%s:%s", s.schedName, key, kind, truncateToBucket(t, s.cfg.Window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
