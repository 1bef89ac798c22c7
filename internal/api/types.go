package api

import (
	"time"

	"github.com/quartznet/quartznet-sub011/internal/jobsfile"
)

// CreateJobRequest stores a job and, optionally, its triggers.
type CreateJobRequest struct {
	jobsfile.JobSpec
	// Replace overwrites an existing job definition; existing triggers
	// are kept.
	Replace bool `json:"replace,omitempty"`
}

// TriggerRequest adds a trigger to an existing job, or replaces a trigger
// when used with PUT.
type TriggerRequest struct {
	jobsfile.TriggerSpec
	JobName  string `json:"job_name"`
	JobGroup string `json:"job_group,omitempty"`
}

// TriggerJobRequest fires a job now with extra data.
type TriggerJobRequest struct {
	Data map[string]any `json:"data,omitempty"`
}

type JobResponse struct {
	Name               string            `json:"name"`
	Group              string            `json:"group"`
	Type               string            `json:"type"`
	Description        string            `json:"description,omitempty"`
	Durable            bool              `json:"durable"`
	DisallowConcurrent bool              `json:"disallow_concurrent"`
	PersistData        bool              `json:"persist_data"`
	RequestsRecovery   bool              `json:"requests_recovery"`
	Data               map[string]any    `json:"data,omitempty"`
	Triggers           []TriggerResponse `json:"triggers,omitempty"`
}

type TriggerResponse struct {
	Name             string `json:"name"`
	Group            string `json:"group"`
	JobName          string `json:"job_name"`
	JobGroup         string `json:"job_group"`
	Description      string `json:"description,omitempty"`
	State            string `json:"state,omitempty"`
	Priority         int    `json:"priority"`
	Calendar         string `json:"calendar,omitempty"`
	Misfire          string `json:"misfire"`
	Schedule         string `json:"schedule"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time,omitempty"`
	NextFireTime     string `json:"next_fire_time,omitempty"`
	PreviousFireTime string `json:"previous_fire_time,omitempty"`
	TimesTriggered   int    `json:"times_triggered"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

type ScheduledResponse struct {
	Trigger      string `json:"trigger"`
	NextFireTime string `json:"next_fire_time"`
}

type ExecutionResponse struct {
	FireInstanceID string `json:"fire_instance_id"`
	Job            string `json:"job"`
	Trigger        string `json:"trigger"`
	FireTime       string `json:"fire_time"`
	StartedAt      string `json:"started_at"`
	RefireCount    int    `json:"refire_count"`
	Recovering     bool   `json:"recovering"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

type InterruptResponse struct {
	Interrupted int `json:"interrupted"`
}

type StatusResponse struct {
	InstanceID string `json:"instance_id"`
	Clustered  bool   `json:"clustered"`
	Started    bool   `json:"started"`
	Standby    bool   `json:"standby"`
	Shutdown   bool   `json:"shutdown"`
	Healthy    bool   `json:"healthy"`
	PoolSize   int    `json:"pool_size"`
	Running    int    `json:"running"`
}

type StatsResponse struct {
	Job    string           `json:"job"`
	Window string           `json:"window"`
	Bucket string           `json:"bucket"`
	Counts map[string]int64 `json:"counts"`
}

type ListNamesResponse struct {
	Names []string `json:"names"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
