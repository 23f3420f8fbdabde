package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/observer"
	"github.com/invisible-tech/sentinel/internal/types"
)

func TestParser_Parse(t *testing.T) {
	p := NewParser()
	at := time.Date(2026, 4, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		line string
		want observer.RequestObservation
		ok   bool
	}{
		{
			name: "combined",
			line: `10.0.0.5 - alice [14/Apr/2026:12:00:00 +0000] "POST /login HTTP/1.1" 401 512 "-" "curl/8.0"`,
			want: observer.RequestObservation{Endpoint: "/login", Method: "POST", SourceIP: "10.0.0.5", UserID: "alice", StatusCode: 401, RequestSize: 512, Timestamp: at},
			ok:   true,
		},
		{
			name: "common without size",
			line: `203.0.113.9 - - [14/Apr/2026:12:00:00 +0000] "GET / HTTP/1.0" 304 -`,
			want: observer.RequestObservation{Endpoint: "/", Method: "GET", SourceIP: "203.0.113.9", StatusCode: 304, Timestamp: at},
			ok:   true,
		},
		{
			name: "encoded query decoded",
			line: `198.51.100.7 - - [14/Apr/2026:12:00:00 +0000] "GET /items?id=1%20UNION%20SELECT%20x HTTP/1.1" 200 10 "-" "-"`,
			want: observer.RequestObservation{Endpoint: "/items?id=1 UNION SELECT x", Method: "GET", SourceIP: "198.51.100.7", StatusCode: 200, RequestSize: 10, Timestamp: at},
			ok:   true,
		},
		{
			name: "ipv6 client",
			line: `2001:db8::1 - - [14/Apr/2026:12:00:00 +0000] "DELETE /api/x HTTP/2.0" 403 0`,
			want: observer.RequestObservation{Endpoint: "/api/x", Method: "DELETE", SourceIP: "2001:db8::1", StatusCode: 403, Timestamp: at},
			ok:   true,
		},
		{name: "garbage", line: "Failed password for root from 10.0.0.5 port 22 ssh2"},
		{name: "empty", line: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, ok := p.Parse(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, obs)
		})
	}
}

func TestTailer_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	content := `10.0.0.5 - - [14/Apr/2026:12:00:00 +0000] "POST /login HTTP/1.1" 401 0 "-" "-"
not an access log line
10.0.0.6 - - [14/Apr/2026:12:00:01 +0000] "GET /ok HTTP/1.1" 200 0 "-" "-"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	log := logrus.New()
	log.SetOutput(io.Discard)
	tl := New(Config{Path: path, Poll: true, FromStart: true}, log)

	var (
		mu  sync.Mutex
		got []observer.RequestObservation
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tl.Run(ctx, func(obs observer.RequestObservation) {
			mu.Lock()
			got = append(got, obs)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "10.0.0.5", got[0].SourceIP)
	assert.Equal(t, 401, got[0].StatusCode)
	assert.Equal(t, "/ok", got[1].Endpoint)
	assert.Equal(t, time.Date(2026, 4, 14, 12, 0, 1, 0, time.UTC), got[1].Timestamp)
	lines, skipped := tl.Stats()
	assert.EqualValues(t, 3, lines)
	assert.EqualValues(t, 1, skipped)
}

func clfLine(ip string, at time.Time, path string, status int) string {
	return fmt.Sprintf(`%s - - [%s] "GET %s HTTP/1.1" %d 0 "-" "-"`, ip, at.Format(clfTimeLayout), path, status)
}

func replay(t *testing.T, lines []string) []*types.SecurityEvent {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	obs := observer.New(config.ObserverConfig{
		RequestRateLimit:    100,
		RequestRateWindow:   time.Minute,
		BruteForceThreshold: 5,
		BruteForceWindow:    5 * time.Minute,
		LargeRequestBytes:   10_000_000,
		MaxTrackedKeys:      100,
		EventHistorySize:    1000,
		CallbackTimeout:     time.Second,
	}, log)

	p := NewParser()
	for _, line := range lines {
		req, ok := p.Parse(line)
		require.True(t, ok, line)
		obs.ObserveRequest(req)
	}
	return obs.RecentEvents(observer.EventFilter{})
}

func eventTypes(events []*types.SecurityEvent) map[string]int {
	out := map[string]int{}
	for _, e := range events {
		out[e.EventType]++
	}
	return out
}

func TestReplayUsesLogTimestamps(t *testing.T) {
	start := time.Date(2026, 4, 14, 8, 0, 0, 0, time.UTC)

	t.Run("spread out backlog trips nothing", func(t *testing.T) {
		var lines []string
		for i := 0; i < 150; i++ {
			lines = append(lines, clfLine("10.0.0.5", start.Add(time.Duration(i)*time.Minute), "/ok", 200))
		}
		for i := 0; i < 5; i++ {
			lines = append(lines, clfLine("10.0.0.6", start.Add(time.Duration(i)*time.Hour), "/login", 401))
		}

		got := eventTypes(replay(t, lines))
		assert.Zero(t, got[observer.EventRateLimitExceeded])
		assert.Zero(t, got[observer.EventBruteForceAttempt])
		assert.Equal(t, 5, got[observer.EventAPIRequest], "each 401 is still reported")
	})

	t.Run("burst in the log is still caught", func(t *testing.T) {
		var lines []string
		for i := 0; i < 110; i++ {
			lines = append(lines, clfLine("10.0.0.7", start.Add(time.Duration(i)*100*time.Millisecond), "/ok", 200))
		}
		for i := 0; i < 5; i++ {
			lines = append(lines, clfLine("10.0.0.8", start.Add(time.Duration(i)*10*time.Second), "/login", 401))
		}

		got := eventTypes(replay(t, lines))
		assert.Equal(t, 10, got[observer.EventRateLimitExceeded])
		assert.Equal(t, 1, got[observer.EventBruteForceAttempt])
	})

	t.Run("events carry the log time", func(t *testing.T) {
		events := replay(t, []string{clfLine("10.0.0.9", start, "/login", 401)})
		require.Len(t, events, 1)
		assert.Equal(t, start, events[0].Timestamp)
	})
}
