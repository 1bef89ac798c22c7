package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink records scheduler metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Firing loop
	AcquireCompleted(duration time.Duration, acquired int, err error)
	TriggersFired(n int)
	TriggerMisfired()
	FireLatencyObserve(latency time.Duration)
	StoreError(op string)

	// Execution pool
	ExecutionCompleted(outcome string, duration time.Duration)
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
	PoolRejected()
	JobRefired()

	// Webhook job
	DeliveryAttemptCompleted(statusClass string, duration time.Duration)

	// Cluster
	CheckinCompleted(duration time.Duration, err error)
	InstancesRecovered(instances, recoveredJobs int)
	CoordinatorHealthy(healthy bool)
}

// Outcome constants for ExecutionCompleted.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomePanicked    = "panicked"
	OutcomeInterrupted = "interrupted"
	OutcomeUnknownType = "unknown_type"
)

// StatusClass constants for DeliveryAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a delivery attempt's status code and transport error
// to a status class. Errors win over the status code.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		return classifyError(err)
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return StatusClassConnectionError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return StatusClassConnectionError
	}

	// Wrapped client errors sometimes lose their type.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return StatusClassConnectionError
	}
	return StatusClassOtherError
}
