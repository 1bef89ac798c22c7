package domain

import "time"

// FiredTrigger records one fire instance between acquisition and
// completion. A record that survives its owner's death is the evidence used
// for recovery.
type FiredTrigger struct {
	FireInstanceID string
	TriggerKey     TriggerKey
	JobKey         JobKey
	InstanceID     string

	FiredAt     time.Time
	ScheduledAt time.Time
	Priority    int
	State       TriggerState // Acquired, Executing or Blocked

	DisallowConcurrent bool
	RequestsRecovery   bool
}

// Calendar excludes instants from a trigger's schedule.
type Calendar interface {
	IsTimeIncluded(t time.Time) bool
	// NextIncludedTime returns the earliest included instant >= t, or the
	// zero time if there is none.
	NextIncludedTime(t time.Time) time.Time
}

// FiredBundle carries everything needed to execute one fire.
type FiredBundle struct {
	Job      JobDetail
	Trigger  Trigger
	Calendar Calendar

	Recovering bool

	FireInstanceID    string
	FireTime          time.Time
	ScheduledFireTime time.Time
	PrevFireTime      time.Time
	NextFireTime      time.Time
}

// FireResult is the per-trigger outcome of TriggersFired. Bundle is nil
// when the trigger was no longer eligible (paused, deleted, reassigned) or
// its misfire policy moved it past now without firing.
type FireResult struct {
	Trigger  Trigger
	Bundle   *FiredBundle
	Misfired bool
	Err      error
}

// CompletedInstruction tells the store what to do with a trigger after its
// job finished.
type CompletedInstruction string

const (
	InstructionNoop                  CompletedInstruction = "noop"
	InstructionReExecuteJob          CompletedInstruction = "re_execute_job"
	InstructionDeleteTrigger         CompletedInstruction = "delete_trigger"
	InstructionSetTriggerComplete    CompletedInstruction = "set_trigger_complete"
	InstructionSetAllJobTriggersDone CompletedInstruction = "set_all_job_triggers_complete"
	InstructionSetTriggerError       CompletedInstruction = "set_trigger_error"
	InstructionSetAllJobTriggersErr  CompletedInstruction = "set_all_job_triggers_error"
)

// SchedulerInstance is the heartbeat row of one scheduler process.
type SchedulerInstance struct {
	InstanceID      string
	LastCheckin     time.Time
	CheckinInterval time.Duration
}

// RecoveryReport summarises the recovery of one failed instance.
type RecoveryReport struct {
	InstanceID string

	// Recovered lists triggers created to re-run recoverable jobs.
	Recovered []TriggerKey
	// Released lists triggers returned to Waiting.
	Released []TriggerKey
	// Completed lists triggers marked Complete because they had no next fire.
	Completed []TriggerKey
	// Dropped counts executions lost because their job did not request recovery.
	Dropped int
}
