// Package observer turns raw request, data-access and user-behavior signals
// into SecurityEvents, keeping the sliding-window state needed to spot rate
// abuse and brute force.
package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/history"
	"github.com/invisible-tech/sentinel/internal/types"
)

// Callback receives events emitted on a layer. The context expires after the
// observer's callback timeout.
type Callback func(ctx context.Context, event *types.SecurityEvent) error

// RequestObservation is the HTTP metadata of one served request. Timestamp
// is when it was served; zero means now. Replayed access logs set it so the
// rate and brute-force windows follow the original timing.
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

// Option customizes an Observer.
type Option func(*Observer)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(o *Observer) { o.clock = c }
}

// Observer watches the application, data and user-behavior layers.
type Observer struct {
	cfg   config.ObserverConfig
	log   *logrus.Logger
	clock clock.PassiveClock
	ids   *history.Sequence

	mu           sync.Mutex
	events       *history.Ring[*types.SecurityEvent]
	requestRate  *slidingWindow
	failedLogins *slidingWindow
	suspicious   *counterTable

	callbacksMu sync.RWMutex
	callbacks   map[types.Layer][]Callback
	inflight    sync.WaitGroup
}

// New creates an Observer with the given config and logger.
func New(cfg config.ObserverConfig, log *logrus.Logger, opts ...Option) *Observer {
	o := &Observer{
		cfg:          cfg,
		log:          log,
		clock:        clock.RealClock{},
		events:       history.NewRing[*types.SecurityEvent](cfg.EventHistorySize),
		requestRate:  newSlidingWindow(cfg.MaxTrackedKeys),
		failedLogins: newSlidingWindow(cfg.MaxTrackedKeys),
		suspicious:   newCounterTable(cfg.MaxTrackedKeys),
		callbacks:    make(map[types.Layer][]Callback),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.ids = history.NewSequence("EVT", o.clock)
	return o
}

// ObserveRequest inspects one served request and returns an event unless the
// request was routine (low severity and a non-error status).
func (o *Observer) ObserveRequest(req RequestObservation) *types.SecurityEvent {
	o.mu.Lock()
	now := req.Timestamp
	if now.IsZero() {
		now = o.clock.Now()
	}
	severity := types.SeverityLow
	eventType := EventAPIRequest

	if req.SourceIP != "" && o.requestRate.hit(req.SourceIP, now, o.cfg.RequestRateWindow) > o.cfg.RequestRateLimit {
		severity = severity.Max(types.SeverityMedium)
		eventType = EventRateLimitExceeded
		o.suspicious.inc(req.SourceIP)
	}

	if req.StatusCode == 401 {
		o.failedLogins.record(req.SourceIP, now)
		if o.failedLogins.count(req.SourceIP, now, o.cfg.BruteForceWindow) >= o.cfg.BruteForceThreshold {
			severity = severity.Max(types.SeverityHigh)
			eventType = EventBruteForceAttempt
		}
	}

	if req.StatusCode == 403 {
		severity = severity.Max(types.SeverityMedium)
		eventType = EventUnauthorizedAccessAttempt
	}

	injection := containsInjection(req.Endpoint)
	if injection {
		severity = types.SeverityCritical
		eventType = EventSQLInjectionAttempt
	}

	if req.RequestSize > o.cfg.LargeRequestBytes {
		severity = severity.Max(types.SeverityMedium)
		if !injection {
			eventType = EventLargeRequest
		}
	}

	if severity == types.SeverityLow && req.StatusCode < 400 {
		o.mu.Unlock()
		return nil
	}

	event := &types.SecurityEvent{
		ID:        o.ids.Next(),
		Timestamp: now.UTC(),
		Layer:     types.LayerApplication,
		EventType: eventType,
		SourceIP:  req.SourceIP,
		UserID:    req.UserID,
		Endpoint:  req.Endpoint,
		Details: types.EventDetails{Request: &types.RequestDetails{
			Method:         req.Method,
			StatusCode:     req.StatusCode,
			ResponseTimeMs: req.ResponseTimeMs,
			RequestSize:    req.RequestSize,
		}},
		Severity: severity,
	}
	o.events.Add(event)
	o.mu.Unlock()

	o.emit(event)
	return event
}

// ObserveDataAccess reports bulk operations and access to sensitive resource
// types. Routine single-record access returns nil.
func (o *Observer) ObserveDataAccess(obs DataAccessObservation) *types.SecurityEvent {
	severity := types.SeverityLow
	eventType := EventDataAccess

	if bulkActions[obs.Action] {
		severity = types.SeverityMedium
		eventType = EventBulkDataOperation
	}
	if sensitiveResources[obs.ResourceType] {
		severity = types.SeverityMedium
		eventType = EventSensitiveDataAccess
	}
	if severity == types.SeverityLow {
		return nil
	}

	return o.record(&types.SecurityEvent{
		Layer:     types.LayerData,
		EventType: eventType,
		SourceIP:  obs.SourceIP,
		UserID:    obs.UserID,
		Details: types.EventDetails{DataAccess: &types.DataAccessDetails{
			ResourceType: obs.ResourceType,
			ResourceID:   obs.ResourceID,
			Action:       obs.Action,
		}},
		Severity: severity,
	})
}

// ObserveUserBehavior reports privilege and account-security changes. Actions
// outside 05:00-23:00 UTC are annotated with unusual_time but that alone does
// not raise severity.
func (o *Observer) ObserveUserBehavior(obs UserBehaviorObservation) *types.SecurityEvent {
	extra := make(map[string]interface{}, len(obs.Context)+1)
	for k, v := range obs.Context {
		extra[k] = v
	}
	if unusualHour(o.clock.Now().UTC().Hour()) {
		extra["unusual_time"] = true
	}

	severity := types.SeverityLow
	eventType := EventUserAction
	if privilegeActions[obs.Action] {
		severity = types.SeverityMedium
		eventType = EventPrivilegeEscalationAttempt
	}
	if accountSecurityActions[obs.Action] {
		severity = types.SeverityMedium
		eventType = EventAccountSecurityChange
	}
	if severity == types.SeverityLow {
		return nil
	}

	return o.record(&types.SecurityEvent{
		Layer:     types.LayerUserBehavior,
		EventType: eventType,
		SourceIP:  obs.SourceIP,
		UserID:    obs.UserID,
		Details:   types.EventDetails{Extra: extra},
		Severity:  severity,
	})
}

// Ingest records an event produced outside the observer, such as one
// submitted through the API. It assigns a fresh ID and timestamp, defaults an
// invalid layer to application and copies the details.
func (o *Observer) Ingest(event types.SecurityEvent) *types.SecurityEvent {
	if !event.Layer.Valid() {
		event.Layer = types.LayerApplication
	}
	event.Details = event.Details.Clone()
	return o.record(&event)
}

// record stamps and stores an event, then notifies callbacks.
func (o *Observer) record(event *types.SecurityEvent) *types.SecurityEvent {
	o.mu.Lock()
	event.ID = o.ids.Next()
	event.Timestamp = o.clock.Now().UTC()
	o.events.Add(event)
	o.mu.Unlock()

	o.emit(event)
	return event
}

// Register adds a callback for events emitted on layer.
func (o *Observer) Register(layer types.Layer, cb Callback) {
	if cb == nil {
		return
	}
	o.callbacksMu.Lock()
	defer o.callbacksMu.Unlock()
	o.callbacks[layer] = append(o.callbacks[layer], cb)
}

// Drain blocks until every in-flight callback has returned or timed out.
func (o *Observer) Drain() {
	o.inflight.Wait()
}

func (o *Observer) emit(event *types.SecurityEvent) {
	o.logEvent(event)

	o.callbacksMu.RLock()
	cbs := append([]Callback(nil), o.callbacks[event.Layer]...)
	o.callbacksMu.RUnlock()

	for _, cb := range cbs {
		o.inflight.Add(1)
		go o.runCallback(cb, event)
	}
}

// runCallback invokes cb with a bounded timeout. A callback that ignores its
// context is abandoned once the timeout passes.
func (o *Observer) runCallback(cb Callback, event *types.SecurityEvent) {
	defer o.inflight.Done()

	timeout := o.cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback panic: %v", r)
			}
		}()
		done <- cb(ctx, event)
	}()

	select {
	case err := <-done:
		if err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"event_id": event.ID,
				"layer":    event.Layer,
			}).Error("Observer callback failed")
		}
	case <-ctx.Done():
		o.log.WithFields(logrus.Fields{
			"event_id": event.ID,
			"layer":    event.Layer,
			"timeout":  timeout,
		}).Warn("Observer callback timed out")
	}
}

// logEvent logs at a level matching the event severity.
func (o *Observer) logEvent(event *types.SecurityEvent) {
	fields := logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.EventType,
		"layer":      event.Layer,
		"severity":   event.Severity.String(),
	}
	if event.SourceIP != "" {
		fields["source_ip"] = event.SourceIP
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.Endpoint != "" {
		fields["endpoint"] = event.Endpoint
	}

	switch event.Severity {
	case types.SeverityCritical:
		o.log.WithFields(fields).Error("CRITICAL: Security event observed")
	case types.SeverityHigh:
		o.log.WithFields(fields).Warn("HIGH: Security event observed")
	case types.SeverityMedium:
		o.log.WithFields(fields).Warn("MEDIUM: Security event observed")
	default:
		o.log.WithFields(fields).Info("LOW: Security event observed")
	}
}
