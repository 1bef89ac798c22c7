package listener

import (
	"context"
	"testing"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
)

type counting struct {
	Nop
	fires     int
	misfires  int
	completes []domain.CompletedInstruction
}

func (c *counting) BeforeFire(context.Context, *domain.FiredBundle) { c.fires++ }
func (c *counting) Misfired(context.Context, domain.Trigger)        { c.misfires++ }
func (c *counting) AfterComplete(_ context.Context, _ *job.ExecutionContext, instr domain.CompletedInstruction, _ error) {
	c.completes = append(c.completes, instr)
}

type panicking struct{ Nop }

func (panicking) BeforeFire(context.Context, *domain.FiredBundle) { panic("listener bug") }

func TestMulti_FansOut(t *testing.T) {
	a, b := &counting{}, &counting{}
	m := NewMulti(a)
	m.Add(b)
	ctx := context.Background()

	m.BeforeAcquire(ctx, time.Now())
	m.BeforeFire(ctx, &domain.FiredBundle{})
	m.Misfired(ctx, domain.Trigger{})
	m.AfterComplete(ctx, &job.ExecutionContext{}, domain.InstructionDeleteTrigger, nil)
	m.Finalized(ctx, domain.Trigger{})
	m.ClusterRecovered(ctx, nil)

	for _, c := range []*counting{a, b} {
		if c.fires != 1 || c.misfires != 1 || len(c.completes) != 1 || c.completes[0] != domain.InstructionDeleteTrigger {
			t.Errorf("listener saw fires=%d misfires=%d completes=%v", c.fires, c.misfires, c.completes)
		}
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d", m.Len())
	}
}

func TestMulti_PanicIsolated(t *testing.T) {
	after := &counting{}
	m := NewMulti(panicking{}, after)

	m.BeforeFire(context.Background(), &domain.FiredBundle{})

	if after.fires != 1 {
		t.Error("listener after a panicking one was not called")
	}
}
