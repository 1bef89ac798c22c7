package domain

import "strings"

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

// Reserved trigger groups.
const (
	// RecoveringJobsGroup holds one-shot triggers created to re-run jobs that
	// were executing on a failed instance.
	RecoveringJobsGroup = "RECOVERING_JOBS"

	// ManualTriggerGroup holds one-shot triggers created by TriggerJob.
	ManualTriggerGroup = "MANUAL_TRIGGER"
)

// JobKey identifies a job within a scheduler.
type JobKey struct {
	Name  string
	Group string
}

// NewJobKey builds a JobKey, defaulting the group.
func NewJobKey(name, group string) JobKey {
	if group == "" {
		group = DefaultGroup
	}
	return JobKey{Name: name, Group: group}
}

func (k JobKey) String() string { return k.Group + "." + k.Name }

// IsZero reports whether the key has no name.
func (k JobKey) IsZero() bool { return k.Name == "" }

// Compare orders keys by group then name.
func (k JobKey) Compare(o JobKey) int {
	if c := strings.Compare(k.Group, o.Group); c != 0 {
		return c
	}
	return strings.Compare(k.Name, o.Name)
}

// TriggerKey identifies a trigger within a scheduler.
type TriggerKey struct {
	Name  string
	Group string
}

// NewTriggerKey builds a TriggerKey, defaulting the group.
func NewTriggerKey(name, group string) TriggerKey {
	if group == "" {
		group = DefaultGroup
	}
	return TriggerKey{Name: name, Group: group}
}

func (k TriggerKey) String() string { return k.Group + "." + k.Name }

func (k TriggerKey) IsZero() bool { return k.Name == "" }

// Compare orders keys by group then name.
func (k TriggerKey) Compare(o TriggerKey) int {
	if c := strings.Compare(k.Group, o.Group); c != 0 {
		return c
	}
	return strings.Compare(k.Name, o.Name)
}

// Data keys set on recovery triggers. Times are RFC 3339 strings.
const (
	DataRecoveringTriggerName   = "recovering_trigger_name"
	DataRecoveringTriggerGroup  = "recovering_trigger_group"
	DataRecoveringFiredTime     = "recovering_fired_time"
	DataRecoveringScheduledTime = "recovering_scheduled_fire_time"
)
