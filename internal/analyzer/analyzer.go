// Package analyzer classifies SecurityEvents into ThreatAssessments and keeps
// a per-address reputation that feeds back into later scoring.
package analyzer

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/history"
	"github.com/invisible-tech/sentinel/internal/types"
)

const (
	baseScore          = 30.0
	knownBadBonus      = 30.0
	reputationWeight   = 0.2
	richDetailsBonus   = 10.0
	richDetailsMinKeys = 3
	certainTypeBonus   = 20.0
	escalationScore    = 70.0
	promotionScore     = 90.0
	reputationDecay    = 0.7
)

var severityScore = map[types.Severity]float64{
	types.SeverityLow:      10,
	types.SeverityMedium:   25,
	types.SeverityHigh:     40,
	types.SeverityCritical: 50,
}

var certainTypes = sets.New[string]("sql_injection_attempt", "brute_force_attempt")

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(a *Analyzer) { a.clock = c }
}

// Analyzer turns events into assessments. Safe for concurrent use.
type Analyzer struct {
	log   *logrus.Logger
	clock clock.PassiveClock
	ids   *history.Sequence
	rules []*Rule

	mu          sync.Mutex
	assessments *history.Ring[*types.ThreatAssessment]
	reputation  *lru.Cache[string, float64]
	knownGood   sets.Set[string]
	knownBad    sets.Set[string]
}

// New creates an Analyzer seeded with the configured known addresses.
func New(cfg config.AnalyzerConfig, log *logrus.Logger, opts ...Option) *Analyzer {
	size := cfg.MaxTrackedIPs
	if size < 1 {
		size = 1
	}
	reputation, _ := lru.New[string, float64](size)

	a := &Analyzer{
		log:         log,
		clock:       clock.RealClock{},
		rules:       defaultRules(),
		assessments: history.NewRing[*types.ThreatAssessment](cfg.AssessmentHistorySize),
		reputation:  reputation,
		knownGood:   sets.New[string]("127.0.0.1", "::1").Insert(cfg.KnownGoodIPs...),
		knownBad:    sets.New[string](),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ids = history.NewSequence("THR", a.clock)
	for _, ip := range cfg.KnownBadIPs {
		a.AddKnownBadIP(ip)
	}
	return a
}

// Rules returns the classification rules in evaluation order (read-only).
func (a *Analyzer) Rules() []*Rule {
	return a.rules
}

// Analyze produces an assessment for event, stores it and updates the source
// address reputation. event must not be nil.
func (a *Analyzer) Analyze(event *types.SecurityEvent) *types.ThreatAssessment {
	if event == nil {
		panic("analyzer: Analyze called with nil event")
	}

	a.mu.Lock()
	rule := match(a.rules, event)
	category := types.CategoryUnknown
	if rule != nil {
		category = rule.Category
	}

	score := a.confidence(event)
	confidence := types.ConfidenceFromScore(score)
	severity := assessSeverity(event.Severity, category, score)

	assessment := &types.ThreatAssessment{
		ID:                 a.ids.Next(),
		EventID:            event.ID,
		Timestamp:          a.clock.Now().UTC(),
		Category:           category,
		ConfidenceScore:    score,
		Confidence:         confidence,
		Severity:           severity,
		Indicators:         indicators(event, rule),
		RecommendedActions: recommendations(rule, severity, confidence),
		Context:            a.context(event),
	}
	a.assessments.Add(assessment)

	if event.SourceIP != "" {
		a.updateReputation(event.SourceIP, score)
	}
	a.mu.Unlock()

	fields := logrus.Fields{
		"assessment_id": assessment.ID,
		"event_id":      event.ID,
		"category":      category,
		"confidence":    confidence,
		"score":         score,
		"severity":      severity.String(),
	}
	if rule != nil {
		fields["rule_id"] = rule.ID
	}
	if severity.AtLeast(types.SeverityHigh) {
		a.log.WithFields(fields).Warn("Threat assessed")
	} else {
		a.log.WithFields(fields).Debug("Threat assessed")
	}
	return assessment
}

// confidence scores event against current reputation state. Callers hold mu.
func (a *Analyzer) confidence(event *types.SecurityEvent) float64 {
	score := baseScore + severityScore[event.Severity]

	if event.SourceIP != "" {
		if a.knownBad.Has(event.SourceIP) {
			score += knownBadBonus
		}
		if rep, ok := a.reputation.Peek(event.SourceIP); ok {
			score += rep * reputationWeight
		}
	}
	if event.Details.Len() > richDetailsMinKeys {
		score += richDetailsBonus
	}
	if certainTypes.Has(event.EventType) {
		score += certainTypeBonus
	}
	if score > 100 {
		score = 100
	}
	return score
}

// assessSeverity raises the event severity on strong confidence and forces
// injection and exfiltration to at least high. It never lowers severity.
func assessSeverity(sev types.Severity, category types.ThreatCategory, score float64) types.Severity {
	if score >= escalationScore {
		switch sev {
		case types.SeverityLow:
			sev = types.SeverityMedium
		case types.SeverityMedium:
			sev = types.SeverityHigh
		}
	}
	if category == types.CategoryInjection || category == types.CategoryDataExfiltration {
		sev = sev.Max(types.SeverityHigh)
	}
	return sev
}

func indicators(event *types.SecurityEvent, rule *Rule) []string {
	var out []string
	if event.SourceIP != "" {
		out = append(out, "Source IP: "+event.SourceIP)
	}
	if event.UserID != "" {
		out = append(out, "User: "+event.UserID)
	}
	if event.Endpoint != "" {
		out = append(out, "Endpoint: "+event.Endpoint)
	}
	out = append(out,
		"Event type: "+event.EventType,
		fmt.Sprintf("Layer: %s", event.Layer),
	)
	if rule != nil && rule.Indicator != "" {
		out = append(out, rule.Indicator)
	}
	return out
}

func recommendations(rule *Rule, sev types.Severity, conf types.Confidence) []string {
	out := []string{"Log incident for audit trail"}
	if sev.AtLeast(types.SeverityHigh) {
		out = append(out, "Alert security team immediately")
	}
	if sev == types.SeverityCritical {
		out = append(out, "Consider blocking source IP")
	}
	if rule != nil {
		out = append(out, rule.Actions...)
	}
	if conf == types.ConfidenceConfirmed {
		out = append(out[:1], append([]string{"Initiate incident response procedure"}, out[1:]...)...)
	}
	return out
}

// context snapshots the event and the reputation before this assessment's
// update. Callers hold mu.
func (a *Analyzer) context(event *types.SecurityEvent) types.AssessmentContext {
	ctx := types.AssessmentContext{
		SourceIP:       event.SourceIP,
		UserID:         event.UserID,
		Endpoint:       event.Endpoint,
		EventTimestamp: event.Timestamp,
		EventDetails:   event.Details.Clone(),
	}
	if event.SourceIP != "" {
		ctx.IPReputation, _ = a.reputation.Peek(event.SourceIP)
		ctx.IPKnownBad = a.knownBad.Has(event.SourceIP)
	}
	return ctx
}

// updateReputation folds score into the address reputation. Callers hold mu.
func (a *Analyzer) updateReputation(ip string, score float64) {
	if a.knownGood.Has(ip) {
		return
	}
	current, _ := a.reputation.Get(ip)
	next := current*reputationDecay + score*(1-reputationDecay)
	if next > 100 {
		next = 100
	}
	a.reputation.Add(ip, next)
	if next >= promotionScore && !a.knownBad.Has(ip) {
		a.knownBad.Insert(ip)
		a.log.WithFields(logrus.Fields{
			"ip":         ip,
			"reputation": next,
		}).Warn("IP promoted to known bad")
	}
}

// AddKnownBadIP marks ip as hostile with the maximum reputation.
func (a *Analyzer) AddKnownBadIP(ip string) {
	if ip == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.knownBad.Insert(ip)
	a.reputation.Add(ip, 100)
}

// AddKnownGoodIP trusts ip, clearing any bad mark and tracked reputation.
func (a *Analyzer) AddKnownGoodIP(ip string) {
	if ip == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.knownGood.Insert(ip)
	a.knownBad.Delete(ip)
	a.reputation.Remove(ip)
}

// IPReputation returns the current view of ip.
func (a *Analyzer) IPReputation(ip string) types.IPReputation {
	a.mu.Lock()
	defer a.mu.Unlock()
	score, _ := a.reputation.Peek(ip)
	return types.IPReputation{
		IP:              ip,
		ReputationScore: score,
		KnownBad:        a.knownBad.Has(ip),
		KnownGood:       a.knownGood.Has(ip),
	}
}

// KnownIPs lists the trusted and hostile address sets.
type KnownIPs struct {
	KnownGood []string `json:"known_good"`
	KnownBad  []string `json:"known_bad"`
}

// KnownIPs returns sorted copies of the known address sets.
func (a *Analyzer) KnownIPs() KnownIPs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return KnownIPs{
		KnownGood: sets.List(a.knownGood),
		KnownBad:  sets.List(a.knownBad),
	}
}

// RecentAssessments returns up to limit of the newest assessments at or above
// minConfidence, oldest first. An empty minConfidence disables the filter and
// limit <= 0 returns everything retained.
func (a *Analyzer) RecentAssessments(limit int, minConfidence types.Confidence) []*types.ThreatAssessment {
	minRank := minConfidence.Rank()
	a.mu.Lock()
	out := a.assessments.Filter(func(t *types.ThreatAssessment) bool {
		return minConfidence == "" || t.Confidence.Rank() >= minRank
	})
	a.mu.Unlock()

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Assessment returns the retained assessment with the given ID.
func (a *Analyzer) Assessment(id string) (*types.ThreatAssessment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	found := a.assessments.Filter(func(t *types.ThreatAssessment) bool { return t.ID == id })
	if len(found) == 0 {
		return nil, false
	}
	return found[0], true
}

// Stats summarizes analysis activity. Category and confidence breakdowns
// cover the last 24 hours.
type Stats struct {
	TotalAssessments int                          `json:"total_assessments"`
	Assessments24h   int                          `json:"assessments_24h"`
	ByCategory       map[types.ThreatCategory]int `json:"by_category"`
	ByConfidence     map[types.Confidence]int     `json:"by_confidence"`
	KnownBadIPs      int                          `json:"known_bad_ips"`
	TrackedIPs       int                          `json:"tracked_ips"`
}

// Stats returns analysis counters.
func (a *Analyzer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		TotalAssessments: a.assessments.Len(),
		ByCategory:       make(map[types.ThreatCategory]int),
		ByConfidence:     make(map[types.Confidence]int),
		KnownBadIPs:      a.knownBad.Len(),
		TrackedIPs:       a.reputation.Len(),
	}
	for _, c := range types.Categories() {
		s.ByCategory[c] = 0
	}
	for _, c := range types.Confidences() {
		s.ByConfidence[c] = 0
	}

	cutoff := a.clock.Now().Add(-24 * time.Hour)
	for _, t := range a.assessments.Items() {
		if !t.Timestamp.After(cutoff) {
			continue
		}
		s.Assessments24h++
		s.ByCategory[t.Category]++
		s.ByConfidence[t.Confidence]++
	}
	return s
}
