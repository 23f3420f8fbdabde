// Package responder executes countermeasures for threat assessments and keeps
// the time-bounded protection state (blocks, rate limits, honeypot targets)
// that the serving layer consults before handling a request.
package responder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/history"
	"github.com/invisible-tech/sentinel/internal/types"
)

// Action defaults applied when params leave a value at zero.
const (
	DefaultRateLimitSeconds  = 300
	DefaultRequestsPerMinute = 10
	RateLimitWindowSeconds   = 60
	DefaultBlockIPSeconds    = 3600
	DefaultBlockUserSeconds  = 86400
	DefaultTarpitDelayMs     = 5000
)

const defaultNotifyTimeout = 10 * time.Second

// Notifier delivers alerts outside the process.
type Notifier interface {
	Notify(ctx context.Context, assessment *types.ThreatAssessment) error
}

// handler executes one action. The returned string becomes the record result.
type handler func(a *types.ThreatAssessment, p *types.ResponseParams) (string, error)

type autoKey struct {
	category types.ThreatCategory
	severity types.Severity
}

var autoResponses = map[autoKey][]types.ResponseAction{
	{types.CategoryInjection, types.SeverityCritical}:        {types.ActionBlockIP, types.ActionAlert},
	{types.CategoryInjection, types.SeverityHigh}:            {types.ActionRateLimit, types.ActionAlert},
	{types.CategoryBruteForce, types.SeverityHigh}:           {types.ActionBlockIP, types.ActionCaptcha},
	{types.CategoryBruteForce, types.SeverityMedium}:         {types.ActionRateLimit, types.ActionCaptcha},
	{types.CategoryDenialOfService, types.SeverityCritical}:  {types.ActionBlockIP, types.ActionAlert},
	{types.CategoryDenialOfService, types.SeverityHigh}:      {types.ActionRateLimit},
	{types.CategoryPrivilegeEscalation, types.SeverityHigh}:  {types.ActionSessionRevoke, types.ActionAlert},
	{types.CategoryDataExfiltration, types.SeverityCritical}: {types.ActionBlockUser, types.ActionAlert},
	{types.CategoryInsiderThreat, types.SeverityHigh}:        {types.ActionAlert, types.ActionLog},
}

// Option customizes a Responder.
type Option func(*Responder)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Responder) { r.clock = c }
}

// WithNotifier sends ALERT actions through n in addition to logging them.
func WithNotifier(n Notifier, timeout time.Duration) Option {
	return func(r *Responder) {
		r.notifier = n
		if timeout > 0 {
			r.notifyTimeout = timeout
		}
	}
}

// Responder executes response actions. Safe for concurrent use.
type Responder struct {
	log           *logrus.Logger
	clock         clock.PassiveClock
	ids           *history.Sequence
	handlers      map[types.ResponseAction]handler
	notifier      Notifier
	notifyTimeout time.Duration
	notifying     sync.WaitGroup

	mu           sync.Mutex
	responses    *history.Ring[*types.ResponseRecord]
	blockedIPs   map[string]time.Time
	blockedUsers map[string]time.Time
	rateLimits   map[string]types.RateLimit
	honeypot     sets.Set[string]
}

// New creates a Responder.
func New(cfg config.ResponderConfig, log *logrus.Logger, opts ...Option) *Responder {
	r := &Responder{
		log:           log,
		clock:         clock.RealClock{},
		notifyTimeout: defaultNotifyTimeout,
		responses:     history.NewRing[*types.ResponseRecord](cfg.ResponseHistorySize),
		blockedIPs:    make(map[string]time.Time),
		blockedUsers:  make(map[string]time.Time),
		rateLimits:    make(map[string]types.RateLimit),
		honeypot:      sets.New[string](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ids = history.NewSequence("RSP", r.clock)
	r.handlers = map[types.ResponseAction]handler{
		types.ActionLog:           r.handleLog,
		types.ActionAlert:         r.handleAlert,
		types.ActionRateLimit:     r.handleRateLimit,
		types.ActionBlockIP:       r.handleBlockIP,
		types.ActionBlockUser:     r.handleBlockUser,
		types.ActionCaptcha:       r.handleCaptcha,
		types.ActionSessionRevoke: r.handleSessionRevoke,
		types.ActionHoneypot:      r.handleHoneypot,
		types.ActionTarpit:        r.handleTarpit,
	}
	return r
}

// AutoResponses returns the actions the auto-response table selects for a.
// High and confirmed assessments are always logged.
func AutoResponses(a *types.ThreatAssessment) []types.ResponseAction {
	actions := append([]types.ResponseAction(nil), autoResponses[autoKey{a.Category, a.Severity}]...)
	if a.Confidence == types.ConfidenceHigh || a.Confidence == types.ConfidenceConfirmed {
		for _, act := range actions {
			if act == types.ActionLog {
				return actions
			}
		}
		actions = append([]types.ResponseAction{types.ActionLog}, actions...)
	}
	return actions
}

// Respond executes actions for a in order and returns one record per action.
// A nil actions slice selects AutoResponses; an empty selection falls back to
// log. A failing action never stops the ones after it. a must not be nil.
func (r *Responder) Respond(a *types.ThreatAssessment, actions []types.ResponseAction, params *types.ResponseParams) []*types.ResponseRecord {
	if a == nil {
		panic("responder: Respond called with nil assessment")
	}
	if actions == nil {
		actions = AutoResponses(a)
	}
	if len(actions) == 0 {
		actions = []types.ResponseAction{types.ActionLog}
	}
	p := types.ResponseParams{}
	if params != nil {
		p = *params
	}

	records := make([]*types.ResponseRecord, 0, len(actions))
	for _, action := range actions {
		records = append(records, r.execute(a, action, p))
	}
	return records
}

func (r *Responder) execute(a *types.ThreatAssessment, action types.ResponseAction, p types.ResponseParams) *types.ResponseRecord {
	record := &types.ResponseRecord{
		ID:           r.ids.Next(),
		AssessmentID: a.ID,
		Action:       action,
		Status:       types.StatusExecuting,
		StartedAt:    r.clock.Now().UTC(),
		Target:       target(a, action, &p),
		Details:      p,
	}
	if d, ok := effectiveDuration(action, &p); ok {
		record.DurationSeconds = &d
	}

	if h, ok := r.handlers[action]; ok {
		result, err := r.invoke(h, a, &p)
		if err != nil {
			record.Status = types.StatusFailed
			record.Result = err.Error()
			r.log.WithError(err).WithFields(logrus.Fields{
				"action":        action,
				"assessment_id": a.ID,
			}).Error("Response action failed")
		} else {
			record.Status = types.StatusSuccess
			record.Result = result
		}
	} else {
		record.Status = types.StatusSkipped
		record.Result = fmt.Sprintf("No handler for action: %s", action)
	}

	completed := r.clock.Now().UTC()
	record.CompletedAt = &completed

	r.mu.Lock()
	r.responses.Add(record)
	r.mu.Unlock()
	return record
}

// invoke runs h, converting a panic into an error.
func (r *Responder) invoke(h handler, a *types.ThreatAssessment, p *types.ResponseParams) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	return h(a, p)
}

// target resolves who an action applies to: the explicit target, else the
// user for user-scoped actions and the source IP for everything else.
func target(a *types.ThreatAssessment, action types.ResponseAction, p *types.ResponseParams) string {
	if p.Target != "" {
		return p.Target
	}
	switch action {
	case types.ActionBlockUser, types.ActionSessionRevoke:
		return a.Context.UserID
	}
	return a.Context.SourceIP
}

func effectiveDuration(action types.ResponseAction, p *types.ResponseParams) (int, bool) {
	def := 0
	switch action {
	case types.ActionRateLimit:
		def = DefaultRateLimitSeconds
	case types.ActionBlockIP:
		def = DefaultBlockIPSeconds
	case types.ActionBlockUser:
		def = DefaultBlockUserSeconds
	default:
		return 0, false
	}
	if p.DurationSeconds > 0 {
		return p.DurationSeconds, true
	}
	return def, true
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (r *Responder) handleLog(a *types.ThreatAssessment, _ *types.ResponseParams) (string, error) {
	r.log.WithFields(logrus.Fields{
		"assessment_id": a.ID,
		"category":      a.Category,
		"severity":      a.Severity.String(),
		"confidence":    a.Confidence,
	}).Warn("Security incident")
	return "Incident logged", nil
}

func (r *Responder) handleAlert(a *types.ThreatAssessment, _ *types.ResponseParams) (string, error) {
	r.log.WithFields(logrus.Fields{
		"assessment_id": a.ID,
		"category":      a.Category,
		"severity":      a.Severity.String(),
		"indicators":    a.Indicators,
	}).Error("SECURITY ALERT: threat detected")

	if r.notifier != nil {
		r.notifying.Add(1)
		go r.dispatchAlert(a)
	}
	return "Alert sent to security team", nil
}

// dispatchAlert delivers a to the notifier. Failures are logged only.
func (r *Responder) dispatchAlert(a *types.ThreatAssessment) {
	defer r.notifying.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("Alert notifier panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
	defer cancel()
	if err := r.notifier.Notify(ctx, a); err != nil {
		r.log.WithError(err).WithField("assessment_id", a.ID).Warn("Alert notification failed")
	}
}

// Drain waits for in-flight alert notifications.
func (r *Responder) Drain() {
	r.notifying.Wait()
}

func (r *Responder) handleRateLimit(a *types.ThreatAssessment, p *types.ResponseParams) (string, error) {
	key := target(a, types.ActionRateLimit, p)
	if key == "" {
		key = "unknown"
	}
	duration := orDefault(p.DurationSeconds, DefaultRateLimitSeconds)
	limit := orDefault(p.RequestsPerMinute, DefaultRequestsPerMinute)

	r.mu.Lock()
	r.rateLimits[key] = types.RateLimit{
		Limit:         limit,
		WindowSeconds: RateLimitWindowSeconds,
		Expiry:        r.clock.Now().Add(time.Duration(duration) * time.Second),
	}
	r.mu.Unlock()
	return fmt.Sprintf("Rate limit applied to %s: %d req/min for %ds", key, limit, duration), nil
}

func (r *Responder) handleBlockIP(a *types.ThreatAssessment, p *types.ResponseParams) (string, error) {
	ip := target(a, types.ActionBlockIP, p)
	if ip == "" {
		return "No IP to block", nil
	}
	duration := orDefault(p.DurationSeconds, DefaultBlockIPSeconds)

	r.mu.Lock()
	r.blockedIPs[ip] = r.clock.Now().Add(time.Duration(duration) * time.Second)
	r.mu.Unlock()
	return fmt.Sprintf("IP %s blocked for %ds", ip, duration), nil
}

func (r *Responder) handleBlockUser(a *types.ThreatAssessment, p *types.ResponseParams) (string, error) {
	user := target(a, types.ActionBlockUser, p)
	if user == "" {
		return "No user to block", nil
	}
	duration := orDefault(p.DurationSeconds, DefaultBlockUserSeconds)

	r.mu.Lock()
	r.blockedUsers[user] = r.clock.Now().Add(time.Duration(duration) * time.Second)
	r.mu.Unlock()
	return fmt.Sprintf("User %s blocked for %ds", user, duration), nil
}

func (r *Responder) handleCaptcha(_ *types.ThreatAssessment, _ *types.ResponseParams) (string, error) {
	return "CAPTCHA requirement enabled", nil
}

func (r *Responder) handleSessionRevoke(a *types.ThreatAssessment, p *types.ResponseParams) (string, error) {
	user := target(a, types.ActionSessionRevoke, p)
	if user == "" {
		return "No user session to revoke", nil
	}
	return fmt.Sprintf("Session revoked for user %s", user), nil
}

func (r *Responder) handleHoneypot(a *types.ThreatAssessment, p *types.ResponseParams) (string, error) {
	ip := target(a, types.ActionHoneypot, p)
	if ip == "" {
		return "No target for honeypot", nil
	}
	r.mu.Lock()
	r.honeypot.Insert(ip)
	r.mu.Unlock()
	return fmt.Sprintf("IP %s redirected to honeypot", ip), nil
}

func (r *Responder) handleTarpit(_ *types.ThreatAssessment, p *types.ResponseParams) (string, error) {
	return fmt.Sprintf("Tarpit enabled with %dms delay", orDefault(p.DelayMs, DefaultTarpitDelayMs)), nil
}
