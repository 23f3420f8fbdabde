// Package server provides the HTTP server and API handlers for sentinel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel/internal/config"
	"github.com/invisible-tech/sentinel/internal/controller"
	"github.com/invisible-tech/sentinel/internal/guard"
	"github.com/invisible-tech/sentinel/internal/observer"
	"github.com/invisible-tech/sentinel/internal/types"
	"github.com/invisible-tech/sentinel/internal/version"
)

const (
	defaultListLimit     = 100
	defaultBlockDuration = 3600
)

// Server is the HTTP server for the sentinel API.
type Server struct {
	cfg        config.SentinelConfig
	controller *controller.Controller
	log        *logrus.Logger
	guard      *guard.Guard
	handler    http.Handler
	httpServer *http.Server
}

// New creates a new HTTP server that uses the given controller. When the
// guard is enabled every request passes through it first.
func New(cfg config.SentinelConfig, ctrl *controller.Controller, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, controller: ctrl, log: log}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/events/stats", s.handleEventStats)
	mux.HandleFunc("GET /api/v1/events/suspicious-ips", s.handleSuspiciousIPs)
	mux.HandleFunc("GET /api/v1/threats", s.handleThreats)
	mux.HandleFunc("GET /api/v1/threats/stats", s.handleThreatStats)
	mux.HandleFunc("GET /api/v1/threats/{id}", s.handleThreat)
	mux.HandleFunc("POST /api/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/v1/blocked", s.handleBlocked)
	mux.HandleFunc("POST /api/v1/block", s.handleBlock)
	mux.HandleFunc("DELETE /api/v1/block/ip/{ip}", s.handleUnblockIP)
	mux.HandleFunc("DELETE /api/v1/block/user/{user}", s.handleUnblockUser)
	mux.HandleFunc("GET /api/v1/reputation/{ip}", s.handleReputation)
	mux.HandleFunc("POST /api/v1/reputation/bad", s.handleReputationBad)
	mux.HandleFunc("POST /api/v1/reputation/good", s.handleReputationGood)
	mux.HandleFunc("GET /api/v1/responses", s.handleResponses)
	mux.HandleFunc("GET /api/v1/responses/stats", s.handleResponseStats)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/check/ip/{ip}", s.handleCheckIP)
	mux.HandleFunc("GET /api/v1/check/user/{user}", s.handleCheckUser)
	mux.HandleFunc("POST /api/v1/observe/request", s.handleObserveRequest)
	mux.HandleFunc("POST /api/v1/observe/data-access", s.handleObserveDataAccess)
	mux.HandleFunc("POST /api/v1/observe/user-behavior", s.handleObserveUserBehavior)

	s.handler = mux
	if cfg.Guard.Enabled {
		s.guard = guard.New(cfg.Guard, ctrl, log)
		s.handler = s.guard.Wrap(mux)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, guard included.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Sentinel API listening")
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. It blocks until the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Info("Sentinel API listening")
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and waits for the guard's
// pending observations.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.guard != nil {
		s.guard.Drain()
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := observer.EventFilter{Limit: limit}
	q := r.URL.Query()
	if layer := q.Get("layer"); layer != "" {
		f.Layer = types.Layer(layer)
		if !f.Layer.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown layer %q", layer))
			return
		}
	}
	if sev := q.Get("min_severity"); sev != "" {
		v, err := types.ParseSeverity(sev)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.MinSeverity = &v
	}

	events := s.controller.Observer().RecentEvents(f)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Observer().Stats())
}

func (s *Server) handleSuspiciousIPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"suspicious_ips": s.controller.Observer().SuspiciousIPs(),
	})
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minConfidence := types.Confidence(r.URL.Query().Get("min_confidence"))
	if minConfidence != "" && minConfidence.Rank() < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown confidence %q", minConfidence))
		return
	}

	threats := s.controller.Analyzer().RecentAssessments(limit, minConfidence)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(threats),
		"threats": threats,
	})
}

func (s *Server) handleThreatStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Analyzer().Stats())
}

func (s *Server) handleThreat(w http.ResponseWriter, r *http.Request) {
	a, ok := s.controller.Analyzer().Assessment(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Threat not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var in controller.EventInput
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.controller.Analyze(in)
	if errors.Is(err, controller.ErrInvalidEvent) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.WithError(err).Error("Analyze failed")
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked_ips":   s.controller.Responder().BlockedIPs(),
		"blocked_users": s.controller.Responder().BlockedUsers(),
	})
}

// BlockRequest is the body of POST /api/v1/block.
type BlockRequest struct {
	TargetType      string `json:"target_type"`
	Target          string `json:"target"`
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason,omitempty"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = defaultBlockDuration
	}

	records, err := s.controller.ManualBlock(controller.TargetKind(req.TargetType), req.Target, req.DurationSeconds, req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, "target_type must be 'ip' or 'user' and target must be set")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   fmt.Sprintf("%s %s blocked", req.TargetType, req.Target),
		"responses": records,
	})
}

func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if !s.controller.Responder().UnblockIP(ip) {
		writeError(w, http.StatusNotFound, "IP not found in block list")
		return
	}
	s.log.WithField("ip", ip).Info("IP unblocked")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("IP %s unblocked", ip),
		"success": true,
	})
}

func (s *Server) handleUnblockUser(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if !s.controller.Responder().UnblockUser(user) {
		writeError(w, http.StatusNotFound, "User not found in block list")
		return
	}
	s.log.WithField("user_id", user).Info("User unblocked")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("User %s unblocked", user),
		"success": true,
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Analyzer().IPReputation(r.PathValue("ip")))
}

type reputationRequest struct {
	IP string `json:"ip"`
}

func (s *Server) decodeReputation(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req reputationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if net.ParseIP(req.IP) == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid IP %q", req.IP))
		return "", false
	}
	return req.IP, true
}

func (s *Server) handleReputationBad(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.decodeReputation(w, r)
	if !ok {
		return
	}
	s.controller.Analyzer().AddKnownBadIP(ip)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("IP %s added to known bad list", ip),
	})
}

func (s *Server) handleReputationGood(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.decodeReputation(w, r)
	if !ok {
		return
	}
	s.controller.Analyzer().AddKnownGoodIP(ip)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("IP %s added to known good list", ip),
	})
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	responses := s.controller.Responder().History(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(responses),
		"responses": responses,
	})
}

func (s *Server) handleResponseStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Responder().Stats())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Stats())
}

func (s *Server) handleCheckIP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.CheckIP(r.PathValue("ip")))
}

func (s *Server) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.CheckUser(r.PathValue("user")))
}

// observeResponse tells the caller whether its observation produced an event.
type observeResponse struct {
	Emitted bool                 `json:"emitted"`
	Event   *types.SecurityEvent `json:"event,omitempty"`
}

func (s *Server) handleObserveRequest(w http.ResponseWriter, r *http.Request) {
	var obs observer.RequestObservation
	if err := decode(r, &obs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := s.controller.ObserveRequest(obs)
	writeJSON(w, http.StatusAccepted, observeResponse{Emitted: ev != nil, Event: ev})
}

func (s *Server) handleObserveDataAccess(w http.ResponseWriter, r *http.Request) {
	var obs observer.DataAccessObservation
	if err := decode(r, &obs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := s.controller.ObserveDataAccess(obs)
	writeJSON(w, http.StatusAccepted, observeResponse{Emitted: ev != nil, Event: ev})
}

func (s *Server) handleObserveUserBehavior(w http.ResponseWriter, r *http.Request) {
	var obs observer.UserBehaviorObservation
	if err := decode(r, &obs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := s.controller.ObserveUserBehavior(obs)
	writeJSON(w, http.StatusAccepted, observeResponse{Emitted: ev != nil, Event: ev})
}
