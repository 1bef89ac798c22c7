package jobs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quartznet/quartznet-sub011/internal/circuitbreaker"
	"github.com/quartznet/quartznet-sub011/internal/domain"
	"github.com/quartznet/quartznet-sub011/internal/job"
	"github.com/quartznet/quartznet-sub011/internal/metrics"
)

// Job data keys read by the webhook job.
const (
	DataURL      = "url"
	DataSecret   = "secret"
	DataTimeout  = "timeout"
	DataAttempts = "attempts"
)

const (
	defaultWebhookTimeout  = 30 * time.Second
	defaultWebhookAttempts = 3
)

var defaultBackoff = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
}

var ErrNoURL = errors.New("webhook job has no url")

// MetricsSink records webhook delivery attempts.
type MetricsSink interface {
	DeliveryAttemptCompleted(statusClass string, duration time.Duration)
}

// WebhookPayload is the JSON body posted for each fire.
type WebhookPayload struct {
	Job            string         `json:"job"`
	Trigger        string         `json:"trigger"`
	FireInstanceID string         `json:"fire_instance_id"`
	ScheduledAt    string         `json:"scheduled_at"`
	FiredAt        string         `json:"fired_at"`
	Recovering     bool           `json:"recovering,omitempty"`
	RefireCount    int            `json:"refire_count,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

type webhookResult struct {
	StatusCode int
	Err        error
	Duration   time.Duration
}

func (r webhookResult) success() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r webhookResult) retryable() bool {
	if r.Err != nil {
		return true
	}
	return r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500
}

// Webhook posts an HMAC-signed JSON payload to the URL in the job data.
// Failing URLs are short-circuited by a breaker shared across fires; a nil
// breaker never opens.
type Webhook struct {
	client  *http.Client
	breaker *circuitbreaker.Breaker
	metrics MetricsSink // optional, nil = disabled
	backoff []time.Duration
	timeout time.Duration
	logger  zerolog.Logger
}

func NewWebhook(breaker *circuitbreaker.Breaker) *Webhook {
	return &Webhook{
		client:  &http.Client{},
		breaker: breaker,
		backoff: defaultBackoff,
		timeout: defaultWebhookTimeout,
		logger:  log.With().Str("component", "webhook").Logger(),
	}
}

func (w *Webhook) WithMetrics(sink MetricsSink) *Webhook {
	w.metrics = sink
	return w
}

func (w *Webhook) WithLogger(l zerolog.Logger) *Webhook {
	w.logger = l.With().Str("component", "webhook").Logger()
	return w
}

// WithBackoff replaces the delays before each attempt.
func (w *Webhook) WithBackoff(b []time.Duration) *Webhook {
	if len(b) > 0 {
		w.backoff = b
	}
	return w
}

func (w *Webhook) record(url string, err error) {
	if w.breaker != nil {
		w.breaker.Record(url, err)
	}
}

// WithTimeout sets the per-attempt timeout used when the job data has none.
func (w *Webhook) WithTimeout(d time.Duration) *Webhook {
	if d > 0 {
		w.timeout = d
	}
	return w
}

func (w *Webhook) Execute(ctx context.Context, ec *job.ExecutionContext) error {
	data := ec.MergedData
	url := data.String(DataURL)
	if url == "" {
		return job.NewExecutionError(ErrNoURL, domain.InstructionSetTriggerError)
	}
	timeout := dataDuration(data[DataTimeout], w.timeout)
	attempts := dataInt(data[DataAttempts], defaultWebhookAttempts)

	payload := WebhookPayload{
		Job:            ec.JobDetail.Key.String(),
		Trigger:        ec.Trigger.Key.String(),
		FireInstanceID: ec.FireInstanceID,
		ScheduledAt:    ec.ScheduledFireTime.UTC().Format(time.RFC3339),
		FiredAt:        ec.FireTime.UTC().Format(time.RFC3339),
		Recovering:     ec.Recovering,
		RefireCount:    ec.RefireCount,
		Data:           withoutWebhookKeys(data),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	secret := data.String(DataSecret)

	var last webhookResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if w.breaker != nil {
			if err := w.breaker.Allow(url); err != nil {
				return fmt.Errorf("webhook %s: %w", url, err)
			}
		}
		if err := sleepCtx(ctx, w.backoffFor(attempt)); err != nil {
			return err
		}

		last = w.send(ctx, url, secret, timeout, ec.FireInstanceID, attempt, body)
		if w.metrics != nil {
			w.metrics.DeliveryAttemptCompleted(metrics.ClassifyStatus(last.StatusCode, last.Err), last.Duration)
		}

		if last.success() {
			w.record(url, nil)
			w.logger.Debug().Str("job", payload.Job).Int("attempt", attempt).Msg("webhook delivered")
			ec.Result = last.StatusCode
			return nil
		}
		w.record(url, resultErr(last))
		if !last.retryable() {
			break
		}
		w.logger.Warn().Str("job", payload.Job).Int("attempt", attempt).
			Int("status", last.StatusCode).Err(last.Err).Msg("webhook attempt failed")
	}
	return fmt.Errorf("webhook %s: %w", url, resultErr(last))
}

func (w *Webhook) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(w.backoff) {
		idx = len(w.backoff) - 1
	}
	return w.backoff[idx]
}

// send posts body with its HMAC signature.
// Headers: X-Scheduler-Fire-ID, X-Scheduler-Attempt-ID, X-Scheduler-Signature
func (w *Webhook) send(ctx context.Context, url, secret string, timeout time.Duration, fireID string, attempt int, body []byte) webhookResult {
	start := time.Now()

	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return webhookResult{Err: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scheduler-Fire-ID", fireID)
	req.Header.Set("X-Scheduler-Attempt-ID", uuid.NewString())
	req.Header.Set("X-Scheduler-Attempt", strconv.Itoa(attempt))
	req.Header.Set("X-Scheduler-Signature", computeSignature(secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return webhookResult{Err: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return webhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func resultErr(r webhookResult) error {
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("unexpected status %d", r.StatusCode)
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func withoutWebhookKeys(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case DataURL, DataSecret, DataTimeout, DataAttempts:
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
