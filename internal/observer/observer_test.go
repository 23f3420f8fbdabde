package observer

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/types"
)

var testStart = time.Date(2026, 4, 14, 12, 0, 0, 0, time.UTC)

func testConfig() config.ObserverConfig {
	return config.ObserverConfig{
		RequestRateLimit:    100,
		RequestRateWindow:   60 * time.Second,
		BruteForceThreshold: 5,
		BruteForceWindow:    5 * time.Minute,
		LargeRequestBytes:   10_000_000,
		MaxTrackedKeys:      1000,
		EventHistorySize:    1000,
		CallbackTimeout:     200 * time.Millisecond,
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestObserver(t *testing.T) (*Observer, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(testStart)
	return New(testConfig(), testLogger(), WithClock(clk)), clk
}

func TestObserveRequest_RoutineTrafficIsIgnored(t *testing.T) {
	o, _ := newTestObserver(t)

	ev := o.ObserveRequest(RequestObservation{
		Endpoint: "/api/items", Method: "GET", SourceIP: "10.0.0.1", StatusCode: 200,
	})
	assert.Nil(t, ev)
	assert.Empty(t, o.RecentEvents(EventFilter{}))
}

func TestObserveRequest_ErrorStatusEmitsLowEvent(t *testing.T) {
	o, _ := newTestObserver(t)

	ev := o.ObserveRequest(RequestObservation{
		Endpoint: "/api/missing", Method: "GET", SourceIP: "10.0.0.1", StatusCode: 404,
	})
	require.NotNil(t, ev)
	assert.Equal(t, EventAPIRequest, ev.EventType)
	assert.Equal(t, types.SeverityLow, ev.Severity)
	assert.Equal(t, types.LayerApplication, ev.Layer)
	assert.Equal(t, "EVT-20260414-000001", ev.ID)
	require.NotNil(t, ev.Details.Request)
	assert.Equal(t, 404, ev.Details.Request.StatusCode)
}

func TestObserveRequest_RateLimit(t *testing.T) {
	o, clk := newTestObserver(t)
	req := RequestObservation{Endpoint: "/", Method: "GET", SourceIP: "10.0.0.9", StatusCode: 200}

	for i := 0; i < 100; i++ {
		require.Nil(t, o.ObserveRequest(req), "call %d", i+1)
	}
	ev := o.ObserveRequest(req)
	require.NotNil(t, ev)
	assert.Equal(t, EventRateLimitExceeded, ev.EventType)
	assert.Equal(t, types.SeverityMedium, ev.Severity)

	ips := o.SuspiciousIPs()
	require.Len(t, ips, 1)
	assert.Equal(t, SuspiciousIP{IP: "10.0.0.9", Count: 1}, ips[0])

	// The window slides: after a minute the address starts fresh.
	clk.Step(61 * time.Second)
	assert.Nil(t, o.ObserveRequest(req))
}

func TestObserveRequest_EmptySourceSkipsRateWindow(t *testing.T) {
	o, _ := newTestObserver(t)

	for i := 0; i < 150; i++ {
		assert.Nil(t, o.ObserveRequest(RequestObservation{Endpoint: "/api/items", Method: "GET", StatusCode: 200}))
	}
	assert.Empty(t, o.SuspiciousIPs())
}

func TestObserveRequest_TimestampDrivesWindows(t *testing.T) {
	o, _ := newTestObserver(t)

	// Requests a minute apart in their own time, observed all at once.
	for i := 0; i < 150; i++ {
		ev := o.ObserveRequest(RequestObservation{
			Endpoint: "/api/items", Method: "GET", SourceIP: "10.0.0.3", StatusCode: 200,
			Timestamp: testStart.Add(-3 * time.Hour).Add(time.Duration(i) * time.Minute),
		})
		require.Nil(t, ev, "request %d", i)
	}

	served := testStart.Add(-time.Hour)
	ev := o.ObserveRequest(RequestObservation{
		Endpoint: "/login", Method: "POST", SourceIP: "10.0.0.3", StatusCode: 401, Timestamp: served,
	})
	require.NotNil(t, ev)
	assert.Equal(t, served, ev.Timestamp)
}

func TestObserveRequest_BruteForce(t *testing.T) {
	o, clk := newTestObserver(t)
	req := RequestObservation{Endpoint: "/login", Method: "POST", SourceIP: "10.0.0.5", StatusCode: 401}

	for i := 0; i < 4; i++ {
		ev := o.ObserveRequest(req)
		require.NotNil(t, ev)
		assert.Equal(t, EventAPIRequest, ev.EventType)
		assert.Equal(t, types.SeverityLow, ev.Severity)
		clk.Step(time.Second)
	}
	ev := o.ObserveRequest(req)
	require.NotNil(t, ev)
	assert.Equal(t, EventBruteForceAttempt, ev.EventType)
	assert.Equal(t, types.SeverityHigh, ev.Severity)

	t.Run("window expires", func(t *testing.T) {
		clk.Step(6 * time.Minute)
		ev := o.ObserveRequest(req)
		require.NotNil(t, ev)
		assert.Equal(t, EventAPIRequest, ev.EventType)
	})
}

func TestObserveRequest_Forbidden(t *testing.T) {
	o, _ := newTestObserver(t)
	ev := o.ObserveRequest(RequestObservation{Endpoint: "/admin", SourceIP: "10.0.0.2", StatusCode: 403})
	require.NotNil(t, ev)
	assert.Equal(t, EventUnauthorizedAccessAttempt, ev.EventType)
	assert.Equal(t, types.SeverityMedium, ev.Severity)
}

func TestObserveRequest_InjectionWins(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		status   int
		size     int64
	}{
		{"union select", "/search?q=1 union select * from users", 200, 0},
		{"tautology on 403", "/login?u=' OR '1'='1", 403, 0},
		{"drop table", "/x?id=1'; DROP TABLE users", 500, 0},
		{"admin comment", "/login?u=ADMIN'--", 401, 0},
		{"large payload", "/upload?x=' OR 1=1--", 200, 20_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestObserver(t)
			ev := o.ObserveRequest(RequestObservation{
				Endpoint: tt.endpoint, SourceIP: "10.0.0.3", StatusCode: tt.status, RequestSize: tt.size,
			})
			require.NotNil(t, ev)
			assert.Equal(t, EventSQLInjectionAttempt, ev.EventType)
			assert.Equal(t, types.SeverityCritical, ev.Severity)
		})
	}
}

func TestObserveRequest_LargeRequest(t *testing.T) {
	o, _ := newTestObserver(t)

	assert.Nil(t, o.ObserveRequest(RequestObservation{Endpoint: "/up", SourceIP: "10.0.0.4", StatusCode: 200, RequestSize: 10_000_000}))

	ev := o.ObserveRequest(RequestObservation{Endpoint: "/up", SourceIP: "10.0.0.4", StatusCode: 200, RequestSize: 10_000_001})
	require.NotNil(t, ev)
	assert.Equal(t, EventLargeRequest, ev.EventType)
	assert.Equal(t, types.SeverityMedium, ev.Severity)
}

func TestObserveRequest_EmptyInputDegrades(t *testing.T) {
	o, _ := newTestObserver(t)
	assert.Nil(t, o.ObserveRequest(RequestObservation{}))
}

func TestObserveDataAccess(t *testing.T) {
	tests := []struct {
		name     string
		obs      DataAccessObservation
		wantType string
	}{
		{"routine read", DataAccessObservation{UserID: "u1", ResourceType: "document", Action: "read"}, ""},
		{"bulk export", DataAccessObservation{UserID: "u1", ResourceType: "document", Action: "export"}, EventBulkDataOperation},
		{"sensitive read", DataAccessObservation{UserID: "u1", ResourceType: "api_key", Action: "read"}, EventSensitiveDataAccess},
		{"sensitive bulk", DataAccessObservation{UserID: "u1", ResourceType: "credential", Action: "bulk_delete"}, EventSensitiveDataAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestObserver(t)
			ev := o.ObserveDataAccess(tt.obs)
			if tt.wantType == "" {
				assert.Nil(t, ev)
				return
			}
			require.NotNil(t, ev)
			assert.Equal(t, tt.wantType, ev.EventType)
			assert.Equal(t, types.SeverityMedium, ev.Severity)
			assert.Equal(t, types.LayerData, ev.Layer)
			require.NotNil(t, ev.Details.DataAccess)
			assert.Equal(t, tt.obs.Action, ev.Details.DataAccess.Action)
		})
	}
}

func TestObserveUserBehavior(t *testing.T) {
	o, clk := newTestObserver(t)

	assert.Nil(t, o.ObserveUserBehavior(UserBehaviorObservation{UserID: "u1", Action: "view_profile"}))

	ctx := map[string]interface{}{"old_role": "viewer"}
	ev := o.ObserveUserBehavior(UserBehaviorObservation{UserID: "u1", Action: "role_change", Context: ctx})
	require.NotNil(t, ev)
	assert.Equal(t, EventPrivilegeEscalationAttempt, ev.EventType)
	assert.Equal(t, types.LayerUserBehavior, ev.Layer)
	assert.NotContains(t, ev.Details.Extra, "unusual_time")
	assert.Equal(t, "viewer", ev.Details.Extra["old_role"])

	clk.SetTime(time.Date(2026, 4, 14, 23, 30, 0, 0, time.UTC))
	ev = o.ObserveUserBehavior(UserBehaviorObservation{UserID: "u1", Action: "mfa_disable", Context: ctx})
	require.NotNil(t, ev)
	assert.Equal(t, EventAccountSecurityChange, ev.EventType)
	assert.Equal(t, true, ev.Details.Extra["unusual_time"])
	assert.Equal(t, types.SeverityMedium, ev.Severity)
	assert.NotContains(t, ctx, "unusual_time", "caller context must not be mutated")
}

func TestUnusualHour(t *testing.T) {
	for hour, want := range map[int]bool{0: true, 4: true, 5: false, 12: false, 22: false, 23: true} {
		assert.Equal(t, want, unusualHour(hour), "hour %d", hour)
	}
}

func TestCallbacks(t *testing.T) {
	o, _ := newTestObserver(t)

	var appCalls, dataCalls atomic.Int32
	o.Register(types.LayerApplication, func(ctx context.Context, ev *types.SecurityEvent) error {
		panic("boom")
	})
	o.Register(types.LayerApplication, func(ctx context.Context, ev *types.SecurityEvent) error {
		return errors.New("sink down")
	})
	o.Register(types.LayerApplication, func(ctx context.Context, ev *types.SecurityEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})
	o.Register(types.LayerApplication, func(ctx context.Context, ev *types.SecurityEvent) error {
		appCalls.Add(1)
		return nil
	})
	o.Register(types.LayerData, func(ctx context.Context, ev *types.SecurityEvent) error {
		dataCalls.Add(1)
		return nil
	})

	ev := o.ObserveRequest(RequestObservation{Endpoint: "/admin", SourceIP: "10.0.0.2", StatusCode: 403})
	require.NotNil(t, ev, "failing callbacks must not affect the emitted event")

	o.Drain()
	assert.Equal(t, int32(1), appCalls.Load())
	assert.Equal(t, int32(0), dataCalls.Load())
}

func TestRecentEvents_Filters(t *testing.T) {
	o, _ := newTestObserver(t)

	o.ObserveRequest(RequestObservation{Endpoint: "/a", SourceIP: "10.0.0.1", StatusCode: 404})
	o.ObserveRequest(RequestObservation{Endpoint: "/b", SourceIP: "10.0.0.1", StatusCode: 403})
	o.ObserveDataAccess(DataAccessObservation{UserID: "u", ResourceType: "user", Action: "read"})
	o.ObserveRequest(RequestObservation{Endpoint: "/c", SourceIP: "10.0.0.1", StatusCode: 500})

	assert.Len(t, o.RecentEvents(EventFilter{}), 4)

	last := o.RecentEvents(EventFilter{Limit: 2})
	require.Len(t, last, 2)
	assert.Equal(t, types.LayerData, last[0].Layer)
	assert.Equal(t, "/c", last[1].Endpoint)

	app := o.RecentEvents(EventFilter{Layer: types.LayerApplication})
	assert.Len(t, app, 3)

	medium := types.SeverityMedium
	atLeastMedium := o.RecentEvents(EventFilter{MinSeverity: &medium, Limit: 1})
	require.Len(t, atLeastMedium, 1)
	assert.Equal(t, types.LayerData, atLeastMedium[0].Layer)
}

func TestEventHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.EventHistorySize = 3
	o := New(cfg, testLogger(), WithClock(testingclock.NewFakeClock(testStart)))

	for i := 0; i < 5; i++ {
		o.ObserveRequest(RequestObservation{Endpoint: "/x", SourceIP: "10.0.0.1", StatusCode: 500})
	}
	events := o.RecentEvents(EventFilter{})
	require.Len(t, events, 3)
	assert.Equal(t, "EVT-20260414-000003", events[0].ID)
}

func TestStats(t *testing.T) {
	o, clk := newTestObserver(t)

	o.ObserveRequest(RequestObservation{Endpoint: "/a", SourceIP: "10.0.0.1", StatusCode: 404})
	clk.Step(2 * time.Hour)
	o.ObserveRequest(RequestObservation{Endpoint: "/b", SourceIP: "10.0.0.1", StatusCode: 403})
	o.ObserveDataAccess(DataAccessObservation{UserID: "u", ResourceType: "document", Action: "export"})

	s := o.Stats()
	assert.Equal(t, 3, s.TotalEvents)
	assert.Equal(t, 2, s.EventsLastHour)
	assert.Equal(t, 3, s.EventsLastDay)
	assert.Equal(t, 2, s.BySeverity[types.SeverityMedium])
	assert.Equal(t, 1, s.BySeverity[types.SeverityLow])
	assert.Equal(t, 2, s.ByLayer[types.LayerApplication])
	assert.Equal(t, 1, s.ByLayer[types.LayerData])

	clk.Step(25 * time.Hour)
	s = o.Stats()
	assert.Equal(t, 3, s.TotalEvents)
	assert.Zero(t, s.EventsLastDay)
}

func TestWindowTablesAreBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTrackedKeys = 10
	o := New(cfg, testLogger(), WithClock(testingclock.NewFakeClock(testStart)))

	for i := 0; i < 50; i++ {
		o.ObserveRequest(RequestObservation{
			Endpoint: "/", SourceIP: "10.1.0." + string(rune('a'+i%26)) + string(rune('a'+i/26)), StatusCode: 200,
		})
	}
	assert.Equal(t, 10, o.Stats().TrackedRateKeys)
}

func TestIngest(t *testing.T) {
	o, _ := newTestObserver(t)
	var seen atomic.Int32
	o.Register(types.LayerApplication, func(ctx context.Context, ev *types.SecurityEvent) error {
		seen.Add(1)
		return nil
	})

	extra := map[string]interface{}{"payload": "<script>"}
	ev := o.Ingest(types.SecurityEvent{
		ID:        "caller-chosen",
		Layer:     types.Layer("bogus"),
		EventType: "xss_attempt",
		SourceIP:  "10.0.0.8",
		Details:   types.EventDetails{Extra: extra},
		Severity:  types.SeverityHigh,
	})
	o.Drain()

	assert.Equal(t, "EVT-20260414-000001", ev.ID)
	assert.Equal(t, types.LayerApplication, ev.Layer)
	assert.Equal(t, testStart, ev.Timestamp)
	assert.Equal(t, int32(1), seen.Load())
	extra["payload"] = "changed"
	assert.Equal(t, "<script>", ev.Details.Extra["payload"])
	assert.Len(t, o.RecentEvents(EventFilter{}), 1)
}
