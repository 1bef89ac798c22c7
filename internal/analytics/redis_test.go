package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/listener"
)

var _ listener.Listener = (*RedisListener)(nil)

var t0 = time.Date(2024, 3, 4, 9, 7, 30, 0, time.UTC)

func newTestListener(t *testing.T, window time.Duration) (*RedisListener, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisListener(client, "main", Config{Window: window, Retention: time.Hour}), mr
}

func TestTruncateToBucket(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202403040907"},
		{5 * time.Minute, "202403040905"},
		{time.Hour, "2024030409"},
		{0, "202403040907"},
	}
	for _, tt := range tests {
		if got := truncateToBucket(t0, tt.window); got != tt.want {
			t.Errorf("truncateToBucket(%s) = %s, want %s", tt.window, got, tt.want)
		}
	}
}

func TestRedisListener_CountsFiresAndOutcomes(t *testing.T) {
	l, mr := newTestListener(t, 5*time.Minute)
	ctx := context.Background()
	key := domain.NewJobKey("report", "billing")

	b := &domain.FiredBundle{Job: domain.JobDetail{Key: key}, ScheduledFireTime: t0}
	l.BeforeFire(ctx, b)
	l.BeforeFire(ctx, b)
	l.AfterComplete(ctx, &job.ExecutionContext{JobDetail: b.Job, ScheduledFireTime: t0}, domain.InstructionNoop, nil)
	l.AfterComplete(ctx, &job.ExecutionContext{JobDetail: b.Job, ScheduledFireTime: t0}, domain.InstructionNoop, errors.New("boom"))
	l.Misfired(ctx, domain.Trigger{JobKey: key, NextFireTime: t0})

	counts, err := l.Counts(ctx, key, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	want := map[Kind]int64{KindFired: 2, KindSucceeded: 1, KindFailed: 1, KindMisfired: 1}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("%s = %d, want %d", k, counts[k], v)
		}
	}

	rawKey := "sched:main:j:billing.report:fired:202403040905"
	if !mr.Exists(rawKey) {
		t.Fatalf("key %s missing; keys = %v", rawKey, mr.Keys())
	}
	if ttl := mr.TTL(rawKey); ttl != time.Hour {
		t.Errorf("ttl = %s, want 1h", ttl)
	}
}

func TestRedisListener_CountEmptyBucket(t *testing.T) {
	l, _ := newTestListener(t, time.Minute)
	n, err := l.Count(context.Background(), domain.NewJobKey("x", ""), KindFired, t0)
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v", n, err)
	}
}

func TestRedisListener_RedisDownDoesNotPanic(t *testing.T) {
	l, mr := newTestListener(t, time.Minute)
	mr.Close()

	l.BeforeFire(context.Background(), &domain.FiredBundle{ScheduledFireTime: t0})
	if err := l.Write(context.Background(), domain.NewJobKey("x", ""), KindFired, t0); err == nil {
		t.Error("expected write error with redis down")
	}
}
