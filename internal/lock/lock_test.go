package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	if err := l.Obtain(ctx, nil, TriggerAccess); err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Obtain(waitCtx, nil, TriggerAccess); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Obtain = %v, want deadline exceeded", err)
	}

	// A different lock name is independent.
	if err := l.Obtain(ctx, nil, StateAccess); err != nil {
		t.Fatalf("Obtain state lock: %v", err)
	}

	if err := l.Release(ctx, TriggerAccess); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Obtain(ctx, nil, TriggerAccess); err != nil {
		t.Fatalf("Obtain after release: %v", err)
	}
}

func TestLocal_UnknownName(t *testing.T) {
	l := NewLocal()
	if err := l.Obtain(context.Background(), nil, "CALENDAR_ACCESS"); !errors.Is(err, ErrUnknownLock) {
		t.Errorf("Obtain = %v, want ErrUnknownLock", err)
	}
}

func TestRowLocks_RequireTransaction(t *testing.T) {
	ctx := context.Background()
	id := func(q string) string { return q }

	sems := map[string]Semaphore{
		"row":      NewRowLock("s", id),
		"update":   NewUpdateRowLock("s", id),
		"advisory": NewAdvisory("s"),
	}
	for name, sem := range sems {
		if err := sem.Obtain(ctx, nil, TriggerAccess); err == nil {
			t.Errorf("%s: Obtain without transaction should fail", name)
		}
		if !TxScoped(sem) {
			t.Errorf("%s: TxScoped = false", name)
		}
	}
	if TxScoped(NewLocal()) {
		t.Error("local semaphore should not be transaction scoped")
	}
}

func TestAdvisory_KeysAreStableAndDistinct(t *testing.T) {
	a := NewAdvisory("alpha")
	b := NewAdvisory("beta")

	if a.Key(TriggerAccess) != NewAdvisory("alpha").Key(TriggerAccess) {
		t.Error("key should be deterministic")
	}
	if a.Key(TriggerAccess) == a.Key(StateAccess) {
		t.Error("lock names should map to different keys")
	}
	if a.Key(TriggerAccess) == b.Key(TriggerAccess) {
		t.Error("scheduler names should map to different keys")
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLease_ExcludesOtherInstances(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLease(client, "s", time.Minute).WithRetryInterval(5 * time.Millisecond)
	b := NewRedisLease(client, "s", time.Minute).WithRetryInterval(5 * time.Millisecond)

	if err := a.Obtain(ctx, nil, TriggerAccess); err != nil {
		t.Fatalf("a.Obtain: %v", err)
	}
	if !mr.Exists("sched:s:lock:TRIGGER_ACCESS") {
		t.Fatal("lease key not written")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := b.Obtain(waitCtx, nil, TriggerAccess); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("b.Obtain while held = %v, want deadline exceeded", err)
	}

	got := make(chan error, 1)
	go func() { got <- b.Obtain(ctx, nil, TriggerAccess) }()

	if err := a.Release(ctx, TriggerAccess); err != nil {
		t.Fatalf("a.Release: %v", err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("b.Obtain after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b never obtained the lease")
	}
	if err := b.Release(ctx, TriggerAccess); err != nil {
		t.Fatalf("b.Release: %v", err)
	}
	if mr.Exists("sched:s:lock:TRIGGER_ACCESS") {
		t.Error("lease key should be deleted after release")
	}
}

func TestRedisLease_ExpiredLeaseIsNotStolenBack(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLease(client, "s", time.Second)
	b := NewRedisLease(client, "s", time.Minute)

	if err := a.Obtain(ctx, nil, StateAccess); err != nil {
		t.Fatalf("a.Obtain: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if err := b.Obtain(ctx, nil, StateAccess); err != nil {
		t.Fatalf("b.Obtain after expiry: %v", err)
	}
	// a's release must not delete b's lease.
	if err := a.Release(ctx, StateAccess); err != nil {
		t.Fatalf("a.Release: %v", err)
	}
	if !mr.Exists("sched:s:lock:STATE_ACCESS") {
		t.Error("stale holder removed the new holder's lease")
	}
}
