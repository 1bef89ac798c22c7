// Package job defines the contract between the scheduler and the code it
// runs.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/firetime"
)

// ErrInterrupted is the cancellation cause seen by a job whose fire was
// interrupted through the scheduler.
var ErrInterrupted = errors.New("job interrupted")

// Job is user code run for a fire. ctx is cancelled when the fire is
// interrupted or the scheduler shuts down without waiting.
type Job interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// Func adapts a function to Job.
type Func func(ctx context.Context, ec *ExecutionContext) error

func (f Func) Execute(ctx context.Context, ec *ExecutionContext) error { return f(ctx, ec) }

// ExecutionContext describes one fire to the job.
type ExecutionContext struct {
	JobDetail domain.JobDetail
	Trigger   domain.Trigger
	Calendar  domain.Calendar

	// MergedData is the job's data overlaid by the trigger's data. Changes
	// to JobDetail.Data are persisted after the run when the job asks for
	// it; changes to MergedData are not.
	MergedData domain.JobDataMap

	FireInstanceID    string
	FireTime          time.Time
	ScheduledFireTime time.Time
	PrevFireTime      time.Time
	NextFireTime      time.Time

	// Recovering is set when this fire re-runs an execution that was lost
	// with a failed scheduler instance.
	Recovering  bool
	RefireCount int

	// Result is free for the job to set; listeners see it after the run.
	Result any
}

// NewExecutionContext builds the context for a fired bundle.
func NewExecutionContext(b *domain.FiredBundle) *ExecutionContext {
	return &ExecutionContext{
		JobDetail:         b.Job.Clone(),
		Trigger:           b.Trigger.Clone(),
		Calendar:          b.Calendar,
		MergedData:        b.Job.Data.Merge(b.Trigger.Data),
		FireInstanceID:    b.FireInstanceID,
		FireTime:          b.FireTime,
		ScheduledFireTime: b.ScheduledFireTime,
		PrevFireTime:      b.PrevFireTime,
		NextFireTime:      b.NextFireTime,
		Recovering:        b.Recovering,
	}
}

// RecoveringTriggerKey returns the key of the trigger whose execution is
// being recovered.
func (ec *ExecutionContext) RecoveringTriggerKey() (domain.TriggerKey, bool) {
	if !ec.Recovering {
		return domain.TriggerKey{}, false
	}
	d := ec.Trigger.Data
	name := d.String(domain.DataRecoveringTriggerName)
	if name == "" {
		return domain.TriggerKey{}, false
	}
	return domain.NewTriggerKey(name, d.String(domain.DataRecoveringTriggerGroup)), true
}

// ExecutionError is returned by a job to steer what happens to its
// triggers.
type ExecutionError struct {
	Err         error
	Instruction domain.CompletedInstruction
	// RefireImmediately runs the job again in place, with RefireCount
	// incremented. InstructionReExecuteJob has the same effect.
	RefireImmediately bool
}

// Refires reports whether the job should run again within the same fire.
func (e *ExecutionError) Refires() bool {
	return e.RefireImmediately || e.Instruction == domain.InstructionReExecuteJob
}

func (e *ExecutionError) Error() string {
	msg := "job execution failed"
	if e.Instruction != "" && e.Instruction != domain.InstructionNoop {
		msg += " (" + string(e.Instruction) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError wraps err with a completion instruction.
func NewExecutionError(err error, instr domain.CompletedInstruction) *ExecutionError {
	return &ExecutionError{Err: err, Instruction: instr}
}

// Refire asks for the job to be re-run immediately.
func Refire(err error) *ExecutionError {
	return &ExecutionError{Err: err, RefireImmediately: true}
}

// PanicError is reported when a job panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

// Instruction derives the completion instruction for a finished run. An
// explicit instruction carried by an ExecutionError wins; otherwise a
// trigger that will not fire again is deleted and anything else is left
// alone.
func Instruction(t domain.Trigger, err error) domain.CompletedInstruction {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Instruction != "" && execErr.Instruction != domain.InstructionReExecuteJob {
		return execErr.Instruction
	}
	if !firetime.MayFireAgain(&t) {
		return domain.InstructionDeleteTrigger
	}
	return domain.InstructionNoop
}
