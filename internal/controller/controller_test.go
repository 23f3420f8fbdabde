package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/observer"
	"github.com/invisible-tech/sentinel/internal/types"
)

var testStart = time.Date(2026, 4, 14, 12, 0, 0, 0, time.UTC)

func testConfig(buffer int) config.SentinelConfig {
	return config.SentinelConfig{
		EventBufferSize: buffer,
		Observer: config.ObserverConfig{
			RequestRateLimit:    100,
			RequestRateWindow:   60 * time.Second,
			BruteForceThreshold: 5,
			BruteForceWindow:    5 * time.Minute,
			LargeRequestBytes:   10_000_000,
			MaxTrackedKeys:      1000,
			EventHistorySize:    1000,
			CallbackTimeout:     time.Second,
		},
		Analyzer: config.AnalyzerConfig{
			AssessmentHistorySize: 1000,
			MaxTrackedIPs:         1000,
		},
		Responder: config.ResponderConfig{ResponseHistorySize: 1000},
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Notify(_ context.Context, a *types.ThreatAssessment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, a.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

// An unbuffered queue with no running loop processes every event inline,
// which keeps these tests synchronous.
func newInlineController(t *testing.T, opts ...Option) (*Controller, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(testStart)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(testConfig(0), testLogger(), opts...), clk
}

func failedLogin(ip string) observer.RequestObservation {
	return observer.RequestObservation{
		Endpoint: "/login", Method: "POST", SourceIP: ip, StatusCode: 401,
	}
}

func TestNew(t *testing.T) {
	c := New(testConfig(10), testLogger())
	require.NotNil(t, c)
	assert.NotNil(t, c.Observer())
	assert.NotNil(t, c.Analyzer())
	assert.NotNil(t, c.Responder())
	assert.Nil(t, c.webhook, "no webhook client without notify config")
}

func TestNew_NotifyEnabledBuildsWebhookClient(t *testing.T) {
	cfg := testConfig(10)
	cfg.Notify = config.NotifyConfig{Enabled: true, WebhookURL: "http://127.0.0.1:1/hook", Timeout: time.Second}
	c := New(cfg, testLogger())
	assert.NotNil(t, c.webhook)
}

func TestBruteForceEndToEnd(t *testing.T) {
	c, _ := newInlineController(t)

	for i := 0; i < 4; i++ {
		ev := c.ObserveRequest(failedLogin("10.0.0.5"))
		require.NotNil(t, ev)
		assert.Equal(t, observer.EventAPIRequest, ev.EventType)
	}
	assert.False(t, c.Responder().IsIPBlocked("10.0.0.5"))

	ev := c.ObserveRequest(failedLogin("10.0.0.5"))
	require.NotNil(t, ev)
	assert.Equal(t, observer.EventBruteForceAttempt, ev.EventType)
	assert.Equal(t, types.SeverityHigh, ev.Severity)

	assessments := c.Analyzer().RecentAssessments(1, "")
	require.Len(t, assessments, 1)
	a := assessments[0]
	assert.Equal(t, ev.ID, a.EventID)
	assert.Equal(t, types.CategoryBruteForce, a.Category)
	assert.GreaterOrEqual(t, a.ConfidenceScore, 70.0)

	assert.True(t, c.Responder().IsIPBlocked("10.0.0.5"))
	assert.False(t, c.Responder().IsIPBlocked("10.0.0.6"))
}

func TestEveryEventReachesAResponse(t *testing.T) {
	c, _ := newInlineController(t)

	c.ObserveRequest(observer.RequestObservation{Endpoint: "/missing", Method: "GET", SourceIP: "10.0.0.9", StatusCode: 404})
	c.ObserveDataAccess(observer.DataAccessObservation{UserID: "u1", ResourceType: "users", ResourceID: "*", Action: "export", SourceIP: "10.0.0.9"})
	assert.Nil(t, c.ObserveRequest(observer.RequestObservation{Endpoint: "/ok", Method: "GET", SourceIP: "10.0.0.9", StatusCode: 200}))

	events := c.Observer().RecentEvents(observer.EventFilter{})
	require.Len(t, events, 2)
	assessments := c.Analyzer().RecentAssessments(0, "")
	require.Len(t, assessments, 2)
	for i, a := range assessments {
		assert.Equal(t, events[i].ID, a.EventID)
	}

	seen := map[string]bool{}
	for _, r := range c.Responder().History(0) {
		seen[r.AssessmentID] = true
	}
	for _, a := range assessments {
		assert.True(t, seen[a.ID], "assessment %s has no response", a.ID)
	}
}

func TestAutoRespondThreshold(t *testing.T) {
	clk := testingclock.NewFakeClock(testStart)
	cfg := testConfig(0)
	cfg.AutoRespondMinConfidence = 90
	c := New(cfg, testLogger(), WithClock(clk))

	c.ObserveRequest(observer.RequestObservation{Endpoint: "/missing", Method: "GET", SourceIP: "10.0.0.9", StatusCode: 404})
	assert.Len(t, c.Analyzer().RecentAssessments(0, ""), 1)
	assert.Empty(t, c.Responder().History(0))
}

func TestProcess_InjectionBlocksAndAlerts(t *testing.T) {
	n := &recordingNotifier{}
	c, _ := newInlineController(t, WithNotifier(n))

	ev := c.ObserveRequest(observer.RequestObservation{
		Endpoint: "/search?q=' OR 1=1--", Method: "GET", SourceIP: "198.51.100.7", StatusCode: 200,
	})
	require.NotNil(t, ev)
	assert.Equal(t, types.SeverityCritical, ev.Severity)
	assert.True(t, c.Responder().IsIPBlocked("198.51.100.7"))

	c.Drain()
	assert.Equal(t, 1, n.count())
}

func TestStartProcessesQueuedEvents(t *testing.T) {
	clk := testingclock.NewFakeClock(testStart)
	c := New(testConfig(100), testLogger(), WithClock(clk))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := 0; i < 5; i++ {
		c.ObserveRequest(failedLogin("10.0.0.5"))
	}
	require.Eventually(t, func() bool {
		return c.Responder().IsIPBlocked("10.0.0.5")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, c.Analyzer().RecentAssessments(0, ""), 5)
}

func TestFullBufferProcessesInline(t *testing.T) {
	clk := testingclock.NewFakeClock(testStart)
	c := New(testConfig(1), testLogger(), WithClock(clk))

	// Not started: the first event sits in the buffer, the second is
	// processed on this goroutine.
	c.ObserveRequest(observer.RequestObservation{Endpoint: "/a", Method: "GET", SourceIP: "10.0.0.1", StatusCode: 404})
	c.ObserveRequest(observer.RequestObservation{Endpoint: "/b", Method: "GET", SourceIP: "10.0.0.1", StatusCode: 404})
	assert.Len(t, c.Analyzer().RecentAssessments(0, ""), 1)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.Eventually(t, func() bool {
		return len(c.Analyzer().RecentAssessments(0, "")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestAnalyze(t *testing.T) {
	c, _ := newInlineController(t)

	res, err := c.Analyze(EventInput{
		Layer:     types.LayerUserBehavior,
		EventType: "account_security_change",
		SourceIP:  "10.1.1.1",
		UserID:    "alice",
		Details:   map[string]interface{}{"field": "mfa"},
		Severity:  types.SeverityMedium,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	require.NotNil(t, res.Assessment)
	assert.Equal(t, "account_security_change", res.Event.EventType)
	assert.Equal(t, types.LayerUserBehavior, res.Event.Layer)
	assert.Equal(t, types.CategoryInsiderThreat, res.Assessment.Category)
	assert.NotEmpty(t, res.Responses)

	_, ok := c.Analyzer().Assessment(res.Assessment.ID)
	assert.True(t, ok)
}

func TestAnalyze_ResponseThreshold(t *testing.T) {
	cfg := testConfig(0)
	cfg.AnalyzeMinConfidence = 60
	c := New(cfg, testLogger(), WithClock(testingclock.NewFakeClock(testStart)))

	// 30 base + 25 medium: below the submission threshold.
	res, err := c.Analyze(EventInput{
		Layer:     types.LayerUserBehavior,
		EventType: "account_security_change",
		UserID:    "alice",
		Severity:  types.SeverityMedium,
	})
	require.NoError(t, err)
	assert.Less(t, res.Assessment.ConfidenceScore, 60.0)
	assert.Empty(t, res.Responses)

	res, err = c.Analyze(EventInput{
		EventType: "sql_injection_attempt",
		SourceIP:  "10.1.1.3",
		Severity:  types.SeverityCritical,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Assessment.ConfidenceScore, 60.0)
	assert.NotEmpty(t, res.Responses)
	assert.True(t, c.Responder().IsIPBlocked("10.1.1.3"))

	// Observed traffic keeps the pipeline threshold.
	direct := c.Process(c.Observer().Ingest(types.SecurityEvent{
		Layer: types.LayerUserBehavior, EventType: "account_security_change", UserID: "bob", Severity: types.SeverityMedium,
	}))
	assert.NotEmpty(t, direct.Responses)
}

func TestAnalyze_InjectionInEndpointWins(t *testing.T) {
	c, _ := newInlineController(t)

	res, err := c.Analyze(EventInput{
		EventType: "api_request",
		SourceIP:  "10.1.1.2",
		Endpoint:  "/items?id=1 UNION SELECT password FROM users",
	})
	require.NoError(t, err)
	assert.Equal(t, observer.EventSQLInjectionAttempt, res.Event.EventType)
	assert.Equal(t, types.CategoryInjection, res.Assessment.Category)
}

func TestAnalyze_InvalidInput(t *testing.T) {
	c, _ := newInlineController(t)

	tests := []struct {
		name string
		in   EventInput
	}{
		{"missing event type", EventInput{SourceIP: "10.0.0.1"}},
		{"unknown layer", EventInput{EventType: "x", Layer: "kernel"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Analyze(tt.in)
			assert.True(t, errors.Is(err, ErrInvalidEvent), "err = %v", err)
		})
	}
}

func TestManualBlock(t *testing.T) {
	c, clk := newInlineController(t)

	records, err := c.ManualBlock(TargetIP, "203.0.113.9", 0, "abuse report")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.ActionBlockIP, records[0].Action)
	assert.Equal(t, types.StatusSuccess, records[0].Status)
	assert.Contains(t, records[0].AssessmentID, "MANUAL-")
	assert.True(t, c.Responder().IsIPBlocked("203.0.113.9"))

	records, err = c.ManualBlock(TargetUser, "mallory", 60, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.ActionBlockUser, records[0].Action)
	assert.True(t, c.CheckUser("mallory").Blocked)

	clk.Step(61 * time.Second)
	assert.False(t, c.CheckUser("mallory").Blocked)
	assert.True(t, c.CheckIP("203.0.113.9").Blocked)
}

func TestManualBlock_InvalidTarget(t *testing.T) {
	c, _ := newInlineController(t)

	_, err := c.ManualBlock(TargetIP, "", 0, "")
	assert.True(t, errors.Is(err, ErrInvalidTarget))
	_, err = c.ManualBlock("device", "x", 0, "")
	assert.True(t, errors.Is(err, ErrInvalidTarget))
	assert.Empty(t, c.Responder().History(0))
}

func TestCheckIP(t *testing.T) {
	c, _ := newInlineController(t)

	s := c.CheckIP("10.9.9.9")
	assert.Equal(t, "10.9.9.9", s.IP)
	assert.False(t, s.Blocked)
	assert.False(t, s.RateLimited)
	assert.Nil(t, s.RateLimit)

	a := &types.ThreatAssessment{ID: "THR-TEST", Context: types.AssessmentContext{SourceIP: "10.9.9.9"}}
	c.Responder().Respond(a, []types.ResponseAction{types.ActionRateLimit, types.ActionHoneypot}, nil)
	c.Analyzer().AddKnownBadIP("10.9.9.9")

	s = c.CheckIP("10.9.9.9")
	assert.True(t, s.RateLimited)
	require.NotNil(t, s.RateLimit)
	assert.Equal(t, 10, s.RateLimit.Limit)
	assert.True(t, s.HoneypotTarget)
	assert.True(t, s.Reputation.KnownBad)
}

func TestStats(t *testing.T) {
	c, _ := newInlineController(t)
	for i := 0; i < 5; i++ {
		c.ObserveRequest(failedLogin("10.0.0.5"))
	}

	s := c.Stats()
	assert.Equal(t, 5, s.Observer.TotalEvents)
	assert.Equal(t, 5, s.Analyzer.TotalAssessments)
	assert.Equal(t, 1, s.Responder.BlockedIPs)
	assert.Positive(t, s.Responder.TotalResponses)
}
