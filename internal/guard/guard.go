// Package guard is HTTP middleware that enforces the responder's blocks,
// honeypot redirects and rate limits, and feeds every served request back
// into the observer.
package guard

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/controller"
	"github.com/invisible-tech/sentinel/internal/observer"
	"github.com/invisible-tech/sentinel/internal/types"
)

const (
	ipBlockedDetail   = "Access denied. Your IP has been blocked."
	userBlockedDetail = "Access denied. Your account has been blocked."
	rateLimitedDetail = "Too many requests. Please slow down."
)

// limiter enforces one active responder rate limit.
type limiter struct {
	*rate.Limiter
	limit  types.RateLimit
	window int
}

// Guard wraps handlers with sentinel enforcement.
type Guard struct {
	ctrl       *controller.Controller
	log        *logrus.Logger
	skip       sets.Set[string]
	skipPrefix []string
	userHeader string

	mu       sync.Mutex
	limiters map[string]*limiter

	pending sync.WaitGroup
}

// New creates a Guard backed by ctrl.
func New(cfg config.GuardConfig, ctrl *controller.Controller, log *logrus.Logger) *Guard {
	return &Guard{
		ctrl:       ctrl,
		log:        log,
		skip:       sets.New[string](cfg.SkipPaths...),
		skipPrefix: cfg.SkipPrefixes,
		userHeader: cfg.UserIDHeader,
		limiters:   make(map[string]*limiter),
	}
}

// Wrap returns next guarded by g.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		user := ""
		if g.userHeader != "" {
			user = strings.TrimSpace(r.Header.Get(g.userHeader))
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		switch g.enforce(rec, ip, user) {
		case verdictAllow:
			next.ServeHTTP(rec, r)
		case verdictDeny:
			return
		}
		g.observe(r, ip, user, rec.status, time.Since(start))
	})
}

// skipped reports whether path bypasses the guard entirely.
func (g *Guard) skipped(path string) bool {
	if g.skip.Has(path) {
		return true
	}
	for _, p := range g.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

type verdict int

const (
	verdictAllow verdict = iota
	// verdictDeny rejects without observing, like a firewall drop.
	verdictDeny
	// verdictIntercept answers in place of the handler and still observes.
	verdictIntercept
)

// enforce decides whether the request reaches the wrapped handler, writing
// the response itself otherwise. Any panic lets the request through.
func (g *Guard) enforce(w http.ResponseWriter, ip, user string) (v verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.WithField("panic", rec).Error("Guard enforcement failed, allowing request")
			v = verdictAllow
		}
	}()

	resp := g.ctrl.Responder()
	switch {
	case resp.IsIPBlocked(ip):
		g.log.WithField("ip", ip).Warn("Blocked IP attempted access")
		writeDetail(w, http.StatusForbidden, ipBlockedDetail)
		return verdictDeny
	case user != "" && resp.IsUserBlocked(user):
		g.log.WithField("user_id", user).Warn("Blocked user attempted access")
		writeDetail(w, http.StatusForbidden, userBlockedDetail)
		return verdictDeny
	case resp.IsHoneypotTarget(ip):
		g.log.WithField("ip", ip).Info("Serving decoy response to honeypot target")
		writeDecoy(w)
		return verdictIntercept
	}

	if lim := g.limiterFor(ip); lim != nil && !lim.Allow() {
		w.Header().Set("Retry-After", strconv.Itoa(lim.window))
		writeDetail(w, http.StatusTooManyRequests, rateLimitedDetail)
		return verdictIntercept
	}
	return verdictAllow
}

// limiterFor returns the token bucket for the active rate limit on ip, or nil
// when none applies. Only a changed rate replaces the bucket; a renewed
// expiry keeps the tokens already spent.
func (g *Guard) limiterFor(ip string) *limiter {
	rl, ok := g.ctrl.Responder().RateLimit(ip)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !ok {
		delete(g.limiters, ip)
		return nil
	}
	if lim, found := g.limiters[ip]; found && sameRate(lim.limit, rl) {
		lim.limit = rl
		return lim
	}
	window := rl.WindowSeconds
	if window <= 0 {
		window = 60
	}
	lim := &limiter{
		Limiter: rate.NewLimiter(rate.Limit(float64(rl.Limit)/float64(window)), rl.Limit),
		limit:   rl,
		window:  window,
	}
	g.limiters[ip] = lim
	return lim
}

func sameRate(a, b types.RateLimit) bool {
	return a.Limit == b.Limit && a.WindowSeconds == b.WindowSeconds
}

// observe hands the finished request to the pipeline off the request path.
func (g *Guard) observe(r *http.Request, ip, user string, status int, elapsed time.Duration) {
	obs := observer.RequestObservation{
		Endpoint:       endpoint(r),
		Method:         r.Method,
		SourceIP:       ip,
		UserID:         user,
		StatusCode:     status,
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
	}
	if r.ContentLength > 0 {
		obs.RequestSize = r.ContentLength
	}

	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		defer func() {
			if rec := recover(); rec != nil {
				g.log.WithField("panic", rec).Error("Request observation failed")
			}
		}()
		g.ctrl.ObserveRequest(obs)
	}()
}

// endpoint is the path plus the decoded query, so signatures hidden by
// percent-encoding are still visible to the observer.
func endpoint(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	q, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil {
		q = r.URL.RawQuery
	}
	return r.URL.Path + "?" + q
}

// Drain waits for pending observations.
func (g *Guard) Drain() {
	g.pending.Wait()
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the
// connection address, or "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeDecoy(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"data":   []interface{}{},
	})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.wroteHeader = true
	}
	return s.ResponseWriter.Write(b)
}
