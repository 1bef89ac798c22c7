package domain

import "time"

// DefaultPriority is assigned to triggers created without a priority.
const DefaultPriority = 5

// TriggerState is the persisted state of a trigger row.
type TriggerState string

const (
	StateNone          TriggerState = ""
	StateWaiting       TriggerState = "WAITING"
	StateAcquired      TriggerState = "ACQUIRED"
	StateExecuting     TriggerState = "EXECUTING"
	StateComplete      TriggerState = "COMPLETE"
	StateBlocked       TriggerState = "BLOCKED"
	StatePaused        TriggerState = "PAUSED"
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED"
	StateError         TriggerState = "ERROR"
)

// MisfireInstruction selects how a trigger reacts to a missed fire time.
type MisfireInstruction string

const (
	MisfireSmart                        MisfireInstruction = "smart"
	MisfireIgnore                       MisfireInstruction = "ignore"
	MisfireFireNow                      MisfireInstruction = "fire_now"
	MisfireDoNothing                    MisfireInstruction = "do_nothing"
	MisfireRescheduleNowExistingCount   MisfireInstruction = "reschedule_now_existing_count"
	MisfireRescheduleNowRemainingCount  MisfireInstruction = "reschedule_now_remaining_count"
	MisfireRescheduleNextExistingCount  MisfireInstruction = "reschedule_next_existing_count"
	MisfireRescheduleNextRemainingCount MisfireInstruction = "reschedule_next_remaining_count"
)

// Valid reports whether m is a known instruction. The empty value is
// treated as MisfireSmart.
func (m MisfireInstruction) Valid() bool {
	switch m {
	case "", MisfireSmart, MisfireIgnore, MisfireFireNow, MisfireDoNothing,
		MisfireRescheduleNowExistingCount, MisfireRescheduleNowRemainingCount,
		MisfireRescheduleNextExistingCount, MisfireRescheduleNextRemainingCount:
		return true
	}
	return false
}

// Trigger is a named schedule bound to one job. Zero time values mean
// "not set".
type Trigger struct {
	Key         TriggerKey
	JobKey      JobKey
	Description string
	Priority    int

	StartTime    time.Time
	EndTime      time.Time
	CalendarName string

	MisfireInstruction MisfireInstruction
	Schedule           Schedule

	NextFireTime      time.Time
	PreviousFireTime  time.Time
	ScheduledFireTime time.Time
	TimesTriggered    int

	Data JobDataMap

	// State is filled in by the store on reads; writes ignore it.
	State TriggerState

	// FireInstanceID is set on triggers returned by AcquireNextTriggers and
	// identifies the fired-trigger record created for this acquisition.
	FireInstanceID string
}

// Clone returns a deep copy of t.
func (t Trigger) Clone() Trigger {
	t.Data = t.Data.Clone()
	if t.Schedule != nil {
		t.Schedule = t.Schedule.clone()
	}
	return t
}
