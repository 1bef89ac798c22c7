package store

import (
	"context"
	"time"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

// Backend opens units of work against the persistent state.
type Backend interface {
	// Begin starts a unit of work holding the named locks, obtained in the
	// order given. The locks are released by Commit or Rollback.
	Begin(ctx context.Context, locks ...string) (Tx, error)
	Close() error
}

// Tx is the row-level access a backend provides inside one unit of work.
// Select methods report absence with ok=false rather than an error. State
// update methods with no old states update unconditionally; otherwise only
// rows currently in one of oldStates change. They return the number of
// rows changed.
type Tx interface {
	Commit() error
	Rollback() error

	InsertJob(ctx context.Context, job domain.JobDetail) error
	UpdateJob(ctx context.Context, job domain.JobDetail) error
	UpdateJobData(ctx context.Context, key domain.JobKey, data domain.JobDataMap) error
	SelectJob(ctx context.Context, key domain.JobKey) (domain.JobDetail, bool, error)
	DeleteJob(ctx context.Context, key domain.JobKey) (bool, error)
	// SelectJobKeys lists jobs in group, or every job when group is empty.
	SelectJobKeys(ctx context.Context, group string) ([]domain.JobKey, error)
	SelectJobGroups(ctx context.Context) ([]string, error)

	// InsertTrigger and UpdateTrigger write t with the given state; the
	// State field of t is ignored.
	InsertTrigger(ctx context.Context, t domain.Trigger, state domain.TriggerState) error
	UpdateTrigger(ctx context.Context, t domain.Trigger, state domain.TriggerState) error
	SelectTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, bool, error)
	DeleteTrigger(ctx context.Context, key domain.TriggerKey) (bool, error)
	SelectTriggerState(ctx context.Context, key domain.TriggerKey) (domain.TriggerState, error)
	UpdateTriggerState(ctx context.Context, key domain.TriggerKey, state domain.TriggerState, oldStates ...domain.TriggerState) (int, error)
	UpdateJobTriggerStates(ctx context.Context, job domain.JobKey, state domain.TriggerState, oldStates ...domain.TriggerState) (int, error)
	UpdateGroupTriggerStates(ctx context.Context, group string, state domain.TriggerState, oldStates ...domain.TriggerState) (int, error)
	UpdateAllTriggerStates(ctx context.Context, state domain.TriggerState, oldStates ...domain.TriggerState) (int, error)
	SelectTriggersForJob(ctx context.Context, job domain.JobKey) ([]domain.Trigger, error)
	SelectTriggersForCalendar(ctx context.Context, calendar string) ([]domain.Trigger, error)
	// SelectTriggerKeys lists triggers in group, or every trigger when group
	// is empty.
	SelectTriggerKeys(ctx context.Context, group string) ([]domain.TriggerKey, error)
	SelectTriggerGroups(ctx context.Context) ([]string, error)
	SelectTriggerKeysInState(ctx context.Context, state domain.TriggerState) ([]domain.TriggerKey, error)
	// SelectTriggersToAcquire returns up to limit Waiting triggers with a
	// next fire time not after noLaterThan, ordered by next fire time
	// ascending, priority descending, then key.
	SelectTriggersToAcquire(ctx context.Context, noLaterThan time.Time, limit int) ([]domain.TriggerKey, error)

	InsertFiredTrigger(ctx context.Context, f domain.FiredTrigger) error
	UpdateFiredTrigger(ctx context.Context, f domain.FiredTrigger) error
	SelectFiredTrigger(ctx context.Context, fireInstanceID string) (domain.FiredTrigger, bool, error)
	SelectFiredTriggersForJob(ctx context.Context, job domain.JobKey) ([]domain.FiredTrigger, error)
	SelectFiredTriggersForInstance(ctx context.Context, instanceID string) ([]domain.FiredTrigger, error)
	SelectFiredTriggerInstances(ctx context.Context) ([]string, error)
	DeleteFiredTrigger(ctx context.Context, fireInstanceID string) error

	UpsertCalendar(ctx context.Context, name string, cal domain.Calendar) error
	SelectCalendar(ctx context.Context, name string) (domain.Calendar, bool, error)
	DeleteCalendar(ctx context.Context, name string) (bool, error)
	SelectCalendarNames(ctx context.Context) ([]string, error)

	InsertPausedTriggerGroup(ctx context.Context, group string) error
	DeletePausedTriggerGroup(ctx context.Context, group string) error
	IsTriggerGroupPaused(ctx context.Context, group string) (bool, error)
	SelectPausedTriggerGroups(ctx context.Context) ([]string, error)

	UpsertSchedulerState(ctx context.Context, inst domain.SchedulerInstance) error
	SelectSchedulerStates(ctx context.Context) ([]domain.SchedulerInstance, error)
	DeleteSchedulerState(ctx context.Context, instanceID string) error
}
