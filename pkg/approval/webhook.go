package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookEnvelope is the JSON body posted to the configured approver
// endpoint. A 2xx response means received; the decision itself arrives out
// of band through the resume surface.
type WebhookEnvelope struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	StepName     string         `json:"step_name"`
	Message      string         `json:"message"`
	RequestedAt  time.Time      `json:"requested_at"`
	Context      map[string]any `json:"context,omitempty"`
}

// Notifier delivers approval requests to an external approver.
type Notifier interface {
	Notify(ctx context.Context, envelope WebhookEnvelope) error
}

// WebhookNotifier posts envelopes over HTTP with exponential backoff on
// transient transport errors. 4xx responses are not retried.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	maxRetries uint64
}

// NewWebhookNotifier creates a notifier for the given endpoint. timeout
// bounds each individual POST.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, envelope WebhookEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("approval: marshal webhook envelope: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("approval: webhook delivery to %s failed: %w", n.url, err)
	}
	return nil
}
