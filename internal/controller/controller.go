// Package controller wires the observer, analyzer and responder into the
// sentinel pipeline and exposes the operations used by the API, the guard
// middleware and the log ingester.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/sentinel/internal/analyzer"
	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/observer"
	"github.com/invisible-tech/sentinel/internal/responder"
	"github.com/invisible-tech/sentinel/internal/types"
	"github.com/invisible-tech/sentinel/pkg/notify"
)

// Prometheus metrics (registered once).
var (
	eventsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_observed_total",
			Help: "Total security events emitted by the observer",
		},
		[]string{"layer", "event_type", "severity"},
	)
	assessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_assessments_total",
			Help: "Total threat assessments produced",
		},
		[]string{"category", "confidence"},
	)
	responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_responses_total",
			Help: "Total response actions executed",
		},
		[]string{"action", "status"},
	)
	blockedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_blocked_ips",
			Help: "Number of currently blocked IP addresses",
		},
	)
	blockedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_blocked_users",
			Help: "Number of currently blocked users",
		},
	)
	eventsInline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_events_processed_inline_total",
			Help: "Events processed on the caller goroutine because the buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsObserved)
	prometheus.MustRegister(assessmentsTotal)
	prometheus.MustRegister(responsesTotal)
	prometheus.MustRegister(blockedIPs)
	prometheus.MustRegister(blockedUsers)
	prometheus.MustRegister(eventsInline)
}

// TargetKind selects what a manual block applies to.
type TargetKind string

const (
	TargetIP   TargetKind = "ip"
	TargetUser TargetKind = "user"
)

var (
	// ErrInvalidTarget is returned for an unknown kind or empty target.
	ErrInvalidTarget = errors.New("invalid block target")
	// ErrInvalidEvent is returned when submitted event input is unusable.
	ErrInvalidEvent = errors.New("invalid event")
)

// PipelineResult is the outcome of running one event through the pipeline.
type PipelineResult struct {
	Event      *types.SecurityEvent    `json:"event"`
	Assessment *types.ThreatAssessment `json:"assessment"`
	Responses  []*types.ResponseRecord `json:"responses"`
}

// EventInput is an event submitted for analysis through the API.
type EventInput struct {
	Layer     types.Layer            `json:"layer"`
	EventType string                 `json:"event_type"`
	SourceIP  string                 `json:"source_ip,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Endpoint  string                 `json:"endpoint,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  types.Severity         `json:"severity"`
}

// IPStatus is the serving-layer view of one address.
type IPStatus struct {
	IP             string             `json:"ip"`
	Blocked        bool               `json:"blocked"`
	RateLimited    bool               `json:"rate_limited"`
	RateLimit      *types.RateLimit   `json:"rate_limit"`
	HoneypotTarget bool               `json:"honeypot_target"`
	Reputation     types.IPReputation `json:"reputation"`
}

// UserStatus is the serving-layer view of one user.
type UserStatus struct {
	UserID  string `json:"user_id"`
	Blocked bool   `json:"blocked"`
}

// Stats aggregates the component statistics.
type Stats struct {
	Observer  observer.Stats  `json:"observer"`
	Analyzer  analyzer.Stats  `json:"analyzer"`
	Responder responder.Stats `json:"responder"`
}

// Option customizes a Controller.
type Option func(*options)

type options struct {
	clock    clock.PassiveClock
	notifier responder.Notifier
}

// WithClock shares c with every pipeline component, mainly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) { o.clock = c }
}

// WithNotifier overrides the webhook notifier built from config.
func WithNotifier(n responder.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// Controller owns the pipeline components and the event queue between the
// observer and the analyzer.
type Controller struct {
	cfg       config.SentinelConfig
	log       *logrus.Logger
	clock     clock.PassiveClock
	observer  *observer.Observer
	analyzer  *analyzer.Analyzer
	responder *responder.Responder
	webhook   *notify.Client

	eventBuffer chan *types.SecurityEvent
}

// New creates a new Controller with the given config and logger.
func New(cfg config.SentinelConfig, log *logrus.Logger, opts ...Option) *Controller {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		cfg:   cfg,
		log:   log,
		clock: o.clock,
	}

	var respOpts []responder.Option
	respOpts = append(respOpts, responder.WithClock(o.clock))
	switch {
	case o.notifier != nil:
		respOpts = append(respOpts, responder.WithNotifier(o.notifier, cfg.Notify.Timeout))
	case cfg.Notify.Enabled:
		c.webhook = notify.NewClient(notify.Config{
			WebhookURL: cfg.Notify.WebhookURL,
			Token:      cfg.Notify.Token,
			Timeout:    cfg.Notify.Timeout,
		}, log)
		respOpts = append(respOpts, responder.WithNotifier(c.webhook, cfg.Notify.Timeout))
	}

	c.observer = observer.New(cfg.Observer, log, observer.WithClock(o.clock))
	c.analyzer = analyzer.New(cfg.Analyzer, log, analyzer.WithClock(o.clock))
	c.responder = responder.New(cfg.Responder, log, respOpts...)

	size := cfg.EventBufferSize
	if size < 0 {
		size = 0
	}
	c.eventBuffer = make(chan *types.SecurityEvent, size)
	return c
}

// Observer returns the pipeline observer.
func (c *Controller) Observer() *observer.Observer { return c.observer }

// Analyzer returns the pipeline analyzer.
func (c *Controller) Analyzer() *analyzer.Analyzer { return c.analyzer }

// Responder returns the pipeline responder.
func (c *Controller) Responder() *responder.Responder { return c.responder }

// Start begins event processing. Caller must run the HTTP server separately.
func (c *Controller) Start(ctx context.Context) {
	go c.processEvents(ctx)
	if c.webhook != nil {
		go func() {
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.webhook.HealthCheck(hctx); err != nil {
				c.log.WithError(err).Warn("Alert webhook health check failed, will retry on first alert")
			} else {
				c.log.Info("Alert webhook connection verified")
			}
		}()
	}
}

// Drain waits for in-flight observer callbacks and alert notifications.
func (c *Controller) Drain() {
	c.observer.Drain()
	c.responder.Drain()
}

// ObserveRequest observes a served request and queues any emitted event.
func (c *Controller) ObserveRequest(obs observer.RequestObservation) *types.SecurityEvent {
	return c.enqueue(c.observer.ObserveRequest(obs))
}

// ObserveDataAccess observes a data access and queues any emitted event.
func (c *Controller) ObserveDataAccess(obs observer.DataAccessObservation) *types.SecurityEvent {
	return c.enqueue(c.observer.ObserveDataAccess(obs))
}

// ObserveUserBehavior observes a user action and queues any emitted event.
func (c *Controller) ObserveUserBehavior(obs observer.UserBehaviorObservation) *types.SecurityEvent {
	return c.enqueue(c.observer.ObserveUserBehavior(obs))
}

// enqueue hands event to the processing loop. When the buffer is full the
// event is processed on the caller goroutine so that none is lost.
func (c *Controller) enqueue(event *types.SecurityEvent) *types.SecurityEvent {
	if event == nil {
		return nil
	}
	eventsObserved.WithLabelValues(string(event.Layer), event.EventType, event.Severity.String()).Inc()

	select {
	case c.eventBuffer <- event:
	default:
		eventsInline.Inc()
		c.log.WithField("event_id", event.ID).Debug("Event buffer full, processing inline")
		c.Process(event)
	}
	return event
}

func (c *Controller) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case event := <-c.eventBuffer:
			c.Process(event)
		}
	}
}

// flush processes whatever is still buffered at shutdown.
func (c *Controller) flush() {
	for {
		select {
		case event := <-c.eventBuffer:
			c.Process(event)
		default:
			return
		}
	}
}

// Process analyzes event and, when the assessment is confident enough,
// responds to it. It runs synchronously.
func (c *Controller) Process(event *types.SecurityEvent) PipelineResult {
	return c.process(event, c.cfg.AutoRespondMinConfidence)
}

func (c *Controller) process(event *types.SecurityEvent, minConfidence float64) PipelineResult {
	assessment := c.analyzer.Analyze(event)
	assessmentsTotal.WithLabelValues(string(assessment.Category), string(assessment.Confidence)).Inc()

	result := PipelineResult{Event: event, Assessment: assessment}
	if assessment.ConfidenceScore >= minConfidence {
		result.Responses = c.responder.Respond(assessment, nil, nil)
		c.recordResponses(result.Responses)
	}

	if assessment.Severity.AtLeast(types.SeverityMedium) {
		c.log.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.EventType,
			"source_ip":  event.SourceIP,
			"severity":   event.Severity.String(),
			"category":   assessment.Category,
			"confidence": assessment.Confidence,
			"responses":  len(result.Responses),
		}).Warn("Security event processed")
	}
	return result
}

func (c *Controller) recordResponses(records []*types.ResponseRecord) {
	for _, r := range records {
		responsesTotal.WithLabelValues(string(r.Action), string(r.Status)).Inc()
	}
	blockedIPs.Set(float64(len(c.responder.BlockedIPs())))
	blockedUsers.Set(float64(len(c.responder.BlockedUsers())))
}

// Analyze runs submitted event input through the whole pipeline. The input
// endpoint is first observed as a request so rate and injection checks apply;
// if that emits nothing, the input itself is recorded as the event. Submitted
// events only trigger responses at AnalyzeMinConfidence or above.
func (c *Controller) Analyze(in EventInput) (PipelineResult, error) {
	if in.EventType == "" {
		return PipelineResult{}, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if in.Layer == "" {
		in.Layer = types.LayerApplication
	}
	if !in.Layer.Valid() {
		return PipelineResult{}, fmt.Errorf("%w: unknown layer %q", ErrInvalidEvent, in.Layer)
	}

	endpoint := in.Endpoint
	if endpoint == "" {
		endpoint = "/unknown"
	}
	sourceIP := in.SourceIP
	if sourceIP == "" {
		sourceIP = "unknown"
	}
	event := c.observer.ObserveRequest(observer.RequestObservation{
		Endpoint:   endpoint,
		Method:     "POST",
		SourceIP:   sourceIP,
		UserID:     in.UserID,
		StatusCode: 200,
	})
	if event == nil {
		event = c.observer.Ingest(types.SecurityEvent{
			Layer:     in.Layer,
			EventType: in.EventType,
			SourceIP:  in.SourceIP,
			UserID:    in.UserID,
			Endpoint:  in.Endpoint,
			Details:   types.EventDetails{Extra: in.Details},
			Severity:  in.Severity,
		})
	}
	eventsObserved.WithLabelValues(string(event.Layer), event.EventType, event.Severity.String()).Inc()
	return c.process(event, c.cfg.AnalyzeMinConfidence), nil
}

// ManualBlock blocks an IP or user through the responder so the action is
// recorded like any other response. durationSeconds <= 0 uses the default.
func (c *Controller) ManualBlock(kind TargetKind, target string, durationSeconds int, reason string) ([]*types.ResponseRecord, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidTarget)
	}

	a := &types.ThreatAssessment{
		ID:              "MANUAL-" + uuid.NewString(),
		EventID:         "MANUAL",
		Timestamp:       c.clock.Now().UTC(),
		Category:        types.CategoryUnknown,
		ConfidenceScore: 100,
		Confidence:      types.ConfidenceConfirmed,
		Severity:        types.SeverityHigh,
	}
	var action types.ResponseAction
	switch kind {
	case TargetIP:
		action = types.ActionBlockIP
		a.Context.SourceIP = target
	case TargetUser:
		action = types.ActionBlockUser
		a.Context.UserID = target
	default:
		return nil, fmt.Errorf("%w: target_type must be 'ip' or 'user'", ErrInvalidTarget)
	}

	records := c.responder.Respond(a, []types.ResponseAction{action}, &types.ResponseParams{
		Target:          target,
		DurationSeconds: durationSeconds,
		Reason:          reason,
	})
	c.recordResponses(records)

	c.log.WithFields(logrus.Fields{
		"kind":     kind,
		"target":   target,
		"duration": durationSeconds,
		"reason":   reason,
	}).Info("Manual block applied")
	return records, nil
}

// CheckIP reports the protection state of ip.
func (c *Controller) CheckIP(ip string) IPStatus {
	s := IPStatus{
		IP:             ip,
		Blocked:        c.responder.IsIPBlocked(ip),
		HoneypotTarget: c.responder.IsHoneypotTarget(ip),
		Reputation:     c.analyzer.IPReputation(ip),
	}
	if rl, ok := c.responder.RateLimit(ip); ok {
		s.RateLimited = true
		s.RateLimit = &rl
	}
	return s
}

// CheckUser reports the protection state of user.
func (c *Controller) CheckUser(user string) UserStatus {
	return UserStatus{UserID: user, Blocked: c.responder.IsUserBlocked(user)}
}

// Stats returns the statistics of every component.
func (c *Controller) Stats() Stats {
	return Stats{
		Observer:  c.observer.Stats(),
		Analyzer:  c.analyzer.Stats(),
		Responder: c.responder.Stats(),
	}
}
