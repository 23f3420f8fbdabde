// Package notify delivers threat alerts to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel/internal/types"
	"github.com/invisible-tech/sentinel/internal/version"
)

// ErrNotConfigured is returned when no webhook URL is set.
var ErrNotConfigured = errors.New("alert webhook not configured")

// Client posts alert notifications to a webhook
type Client struct {
	webhookURL string
	token      string
	httpClient *http.Client
	log        *logrus.Logger
}

// Config for the webhook client
type Config struct {
	WebhookURL string
	Token      string
	Timeout    time.Duration
}

// NewClient creates a new webhook client
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		webhookURL: cfg.WebhookURL,
		token:      cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// Notification is the JSON body posted for each alert
type Notification struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	Source             string    `json:"source"`
	AssessmentID       string    `json:"assessment_id"`
	EventID            string    `json:"event_id"`
	Category           string    `json:"category"`
	Severity           string    `json:"severity"`
	Confidence         string    `json:"confidence"`
	ConfidenceScore    float64   `json:"confidence_score"`
	SourceIP           string    `json:"source_ip,omitempty"`
	UserID             string    `json:"user_id,omitempty"`
	Indicators         []string  `json:"indicators,omitempty"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`
}

// NewNotification builds the notification for an assessment.
func NewNotification(a *types.ThreatAssessment) *Notification {
	return &Notification{
		ID:                 uuid.NewString(),
		Timestamp:          time.Now().UTC(),
		Source:             "sentinel",
		AssessmentID:       a.ID,
		EventID:            a.EventID,
		Category:           string(a.Category),
		Severity:           a.Severity.String(),
		Confidence:         string(a.Confidence),
		ConfidenceScore:    a.ConfidenceScore,
		SourceIP:           a.Context.SourceIP,
		UserID:             a.Context.UserID,
		Indicators:         a.Indicators,
		RecommendedActions: a.RecommendedActions,
	}
}

// Notify sends an alert for the assessment
func (c *Client) Notify(ctx context.Context, a *types.ThreatAssessment) error {
	return c.Send(ctx, NewNotification(a))
}

// Send posts a prepared notification
func (c *Client) Send(ctx context.Context, n *Notification) error {
	if c.webhookURL == "" {
		return ErrNotConfigured
	}

	jsonData, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("notify"))
	req.Header.Set("Idempotency-Key", n.ID)
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"assessment_id":   n.AssessmentID,
		"status":          resp.StatusCode,
	}).Debug("Alert notification delivered")

	return nil
}

// HealthCheck checks that the webhook host answers. Any status below 500
// counts as reachable since many webhooks reject non-POST methods.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.webhookURL == "" {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.webhookURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	return nil
}
