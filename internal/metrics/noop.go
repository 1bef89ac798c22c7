package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) AcquireCompleted(time.Duration, int, error)     {}
func (n *NoopSink) TriggersFired(int)                              {}
func (n *NoopSink) TriggerMisfired()                               {}
func (n *NoopSink) FireLatencyObserve(time.Duration)               {}
func (n *NoopSink) StoreError(string)                              {}
func (n *NoopSink) ExecutionCompleted(string, time.Duration)       {}
func (n *NoopSink) ExecutionsInFlightIncr()                        {}
func (n *NoopSink) ExecutionsInFlightDecr()                        {}
func (n *NoopSink) PoolRejected()                                  {}
func (n *NoopSink) JobRefired()                                    {}
func (n *NoopSink) DeliveryAttemptCompleted(string, time.Duration) {}
func (n *NoopSink) CheckinCompleted(time.Duration, error)          {}
func (n *NoopSink) InstancesRecovered(int, int)                    {}
func (n *NoopSink) CoordinatorHealthy(bool)                        {}
