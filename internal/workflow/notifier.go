package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DecisionNotification is the payload posted to the workflow-automation
// webhook when an application reaches a terminal score.
type DecisionNotification struct {
	ApplicationID string          `json:"application_id"`
	RiskScore     float64         `json:"risk_score"`
	Decision      string          `json:"decision"`
	Reasoning     string          `json:"reasoning"`
	RiskFactors   json.RawMessage `json:"risk_factors,omitempty"`
}

// Notifier sends decision notifications to an external workflow-automation
// system (n8n). Delivery is at-most-once from the pipeline's perspective;
// the external system owns its own retries and calls back through the
// finalize endpoints.
type Notifier interface {
	// Configured reports whether an outbound webhook is set up at all.
	Configured() bool
	Notify(ctx context.Context, n DecisionNotification) error
}

// WebhookNotifier posts the notification to a configured n8n webhook URL
// with an optional API key header.
type WebhookNotifier struct {
	webhookURL string
	apiKey     string
	httpClient *http.Client
}

func NewWebhookNotifier(webhookURL, apiKey string) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL: webhookURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Configured() bool {
	return w.webhookURL != ""
}

func (w *WebhookNotifier) Notify(ctx context.Context, n DecisionNotification) error {
	if w.webhookURL == "" {
		return fmt.Errorf("workflow webhook URL not configured")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("workflow notification failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("workflow webhook returned status %d", resp.StatusCode)
	}
	return nil
}
