package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/store"
	"github.com/quartznet/quartznet-sub011/internal/store/memory"
	"github.com/quartznet/quartznet-sub011/internal/store/storetest"
	"github.com/quartznet/quartznet-sub011/internal/testutil"
)

func TestMemoryBackend(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Backend { return memory.New() })
}

func TestRollback_RestoresWaitingIndex(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	j := testutil.Job("j")
	tr := testutil.SimpleTrigger("t", j.Key, storetest.T0, time.Minute, domain.RepeatIndefinitely)
	if err := tx.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertTrigger(ctx, tr, domain.StateWaiting); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	tx, err = b.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	keys, err := tx.SelectTriggersToAcquire(ctx, storetest.T0.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("rolled back trigger still acquirable: %v", keys)
	}
	if _, ok, _ := tx.SelectJob(ctx, j.Key); ok {
		t.Error("rolled back job still present")
	}
}

func TestBegin_WaitsForLockHolder(t *testing.T) {
	b := memory.New()
	held, err := b.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer held.Rollback()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Begin(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Begin while held = %v, want deadline exceeded", err)
	}
}

func TestClose(t *testing.T) {
	b := memory.New()
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Begin(context.Background()); !errors.Is(err, memory.ErrClosed) {
		t.Errorf("Begin after Close = %v, want ErrClosed", err)
	}
}
