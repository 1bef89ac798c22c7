package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease holds a lock as a Redis key with an expiry. A holder that dies
// loses the lock after TTL. Goroutines of one process queue on a local
// semaphore first so only one of them polls Redis per lock.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	local  *Local
	logger zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisLease(client redis.UniversalClient, schedName string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client: client,
		prefix: "sched:" + schedName + ":lock:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		local:  NewLocal(),
		logger: log.With().Str("component", "lock").Logger(),
		tokens: make(map[string]string),
	}
}

// WithLogger sets the logger used for lease warnings.
func (r *RedisLease) WithLogger(l zerolog.Logger) *RedisLease {
	r.logger = l.With().Str("component", "lock").Logger()
	return r
}

// WithRetryInterval sets how often a waiting holder polls Redis.
func (r *RedisLease) WithRetryInterval(d time.Duration) *RedisLease {
	r.retry = d
	return r
}

func (r *RedisLease) Obtain(ctx context.Context, _ *sql.Tx, name string) error {
	if err := r.local.Obtain(ctx, nil, name); err != nil {
		return err
	}

	token := uuid.NewString()
	key := r.prefix + name
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			_ = r.local.Release(ctx, name)
			return fmt.Errorf("lock: redis lease %s: %w", name, err)
		}
		if ok {
			r.mu.Lock()
			r.tokens[name] = token
			r.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			_ = r.local.Release(ctx, name)
			return ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

func (r *RedisLease) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	token, ok := r.tokens[name]
	delete(r.tokens, name)
	r.mu.Unlock()
	defer r.local.Release(ctx, name)

	if !ok {
		return nil
	}
	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + name}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock: release redis lease %s: %w", name, err)
	}
	if n == 0 {
		r.logger.Warn().Str("lock", name).Dur("ttl", r.ttl).Msg("lease expired before release")
	}
	return nil
}
