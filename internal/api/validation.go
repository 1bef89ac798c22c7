package api

import (
	"fmt"
	"net/url"

	"github.com/quartznet/quartznet-sub011/internal/jobs"
)

func validateCreateJob(req CreateJobRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.Type == "" {
		return fmt.Errorf("type is required")
	}
	if req.Type == jobs.TypeWebhook {
		raw, _ := req.Data[jobs.DataURL].(string)
		if raw == "" {
			return fmt.Errorf("data.%s is required for webhook jobs", jobs.DataURL)
		}
		if err := validateWebhookURL(raw); err != nil {
			return fmt.Errorf("invalid data.%s: %w", jobs.DataURL, err)
		}
	}
	return nil
}

func validateTrigger(req TriggerRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.JobName == "" {
		return fmt.Errorf("job_name is required")
	}
	return nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
