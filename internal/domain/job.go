package domain

// JobDataMap carries job or trigger parameters. Values must be JSON
// serialisable so the SQL store can persist them.
type JobDataMap map[string]any

// Clone returns a shallow copy of the map. A nil map clones to nil.
func (m JobDataMap) Clone() JobDataMap {
	if m == nil {
		return nil
	}
	out := make(JobDataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the value for key if it is a string.
func (m JobDataMap) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Merge returns a new map with the entries of m overlaid by other.
func (m JobDataMap) Merge(other JobDataMap) JobDataMap {
	out := make(JobDataMap, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// JobDetail is the stored definition of a job.
type JobDetail struct {
	Key         JobKey
	Description string

	// JobType selects the implementation from the job registry.
	JobType string

	// Durable jobs are kept when no trigger references them.
	Durable bool

	// DisallowConcurrent allows at most one executing fire of this job
	// across the whole cluster.
	DisallowConcurrent bool

	// PersistDataAfterExecution writes the data map back after each run.
	PersistDataAfterExecution bool

	// RequestsRecovery re-runs the job if the instance executing it dies.
	RequestsRecovery bool

	Data JobDataMap
}

// Clone returns a copy that shares nothing mutable with j.
func (j JobDetail) Clone() JobDetail {
	j.Data = j.Data.Clone()
	return j
}
