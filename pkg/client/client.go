// Package client lets a serving layer in another process report
// observations to a sentinel server and query its block decisions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel/internal/version"
)

// ErrNotConfigured is returned when no server URL is set.
var ErrNotConfigured = errors.New("sentinel server URL not configured")

// RequestObservation is the HTTP metadata of one served request.
type RequestObservation struct {
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	SourceIP       string    `json:"source_ip"`
	UserID         string    `json:"user_id,omitempty"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	RequestSize    int64     `json:"request_size"`
	Timestamp      time.Time `json:"timestamp"`
}

// DataAccessObservation is one read or mutation of a domain resource.
type DataAccessObservation struct {
	UserID       string `json:"user_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
	SourceIP     string `json:"source_ip,omitempty"`
}

// UserBehaviorObservation is an account-affecting user action.
type UserBehaviorObservation struct {
	UserID   string                 `json:"user_id"`
	Action   string                 `json:"action"`
	Context  map[string]interface{} `json:"context,omitempty"`
	SourceIP string                 `json:"source_ip,omitempty"`
}

// RateLimit is an active rate limit reported by the server.
type RateLimit struct {
	Limit         int       `json:"limit"`
	WindowSeconds int       `json:"window_seconds"`
	Expiry        time.Time `json:"expiry"`
}

// IPStatus is the server's decision state for one address.
type IPStatus struct {
	IP             string     `json:"ip"`
	Blocked        bool       `json:"blocked"`
	RateLimited    bool       `json:"rate_limited"`
	RateLimit      *RateLimit `json:"rate_limit"`
	HoneypotTarget bool       `json:"honeypot_target"`
}

// UserStatus is the server's decision state for one user.
type UserStatus struct {
	UserID  string `json:"user_id"`
	Blocked bool   `json:"blocked"`
}

// observation is one queued report and the API path it goes to.
type observation struct {
	path    string
	payload interface{}
}

// Config for the sentinel client
type Config struct {
	ServerURL  string
	BufferSize int
	Timeout    time.Duration
}

// Client ships observations asynchronously and answers decision queries
// synchronously.
type Client struct {
	cfg     Config
	log     *logrus.Logger
	baseURL string

	queue      chan observation
	httpClient *http.Client

	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates a new Client.
func New(cfg Config, log *logrus.Logger) (*Client, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 10000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.ServerURL, "/")
	if base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid server URL %q", cfg.ServerURL)
		}
	}

	return &Client{
		cfg:     cfg,
		log:     log,
		baseURL: base,
		queue:   make(chan observation, cfg.BufferSize),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// ObserveRequest queues a request observation. It never blocks; a full
// queue drops the observation and returns false.
func (c *Client) ObserveRequest(o RequestObservation) bool {
	return c.enqueue(observation{path: "/api/v1/observe/request", payload: o})
}

// ObserveDataAccess queues a data access observation.
func (c *Client) ObserveDataAccess(o DataAccessObservation) bool {
	return c.enqueue(observation{path: "/api/v1/observe/data-access", payload: o})
}

// ObserveUserBehavior queues a user behavior observation.
func (c *Client) ObserveUserBehavior(o UserBehaviorObservation) bool {
	return c.enqueue(observation{path: "/api/v1/observe/user-behavior", payload: o})
}

func (c *Client) enqueue(o observation) bool {
	select {
	case c.queue <- o:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Start ships queued observations until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	c.log.WithField("server", c.baseURL).Info("Starting sentinel client")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case o := <-c.queue:
			if err := c.post(ctx, o.path, o.payload, http.StatusAccepted); err != nil {
				c.dropped.Add(1)
				c.log.WithError(err).Debug("Failed to send observation")
			} else {
				c.sent.Add(1)
			}
		}
	}
}

// CheckIP asks the server whether ip is blocked, rate limited or a honeypot
// target.
func (c *Client) CheckIP(ctx context.Context, ip string) (*IPStatus, error) {
	var s IPStatus
	if err := c.get(ctx, "/api/v1/check/ip/"+url.PathEscape(ip), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CheckUser asks the server whether user is blocked.
func (c *Client) CheckUser(ctx context.Context, user string) (*UserStatus, error) {
	var s UserStatus
	if err := c.get(ctx, "/api/v1/check/user/"+url.PathEscape(user), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, want int) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("client"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent("client"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetStats returns client statistics
func (c *Client) GetStats() (sent, dropped int64) {
	return c.sent.Load(), c.dropped.Load()
}
