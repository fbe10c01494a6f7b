package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"runnerscale/internal/database"
	"runnerscale/internal/metrics"
	"runnerscale/internal/policy"
	"runnerscale/internal/state"
	"runnerscale/internal/sysmon"

	"github.com/google/uuid"
)

var (
	apiLimiter  = newRateLimiter(120, 10, 10*time.Minute)
	allowedCORS = []string{
		"http://localhost",
		"http://localhost:3000",
	}
)

type requestContextKey string

const requestIDContextKey requestContextKey = "runnerscale_request_id"

const (
	requestIDHeader          = "X-Request-Id"
	maxRequestIDLength       = 128
	problemTypeBaseURI       = "https://runnerscale.dev/problems/"
	defaultDecisionPageLimit = 100
	maxDecisionPageLimit     = 500
	defaultReplayHealthLimit = 200
	maxReplayHealthLimit     = 2000
	defaultAuditEventLimit   = 100
	maxAuditEventLimit       = 500
)

// Janitor removes dead runner registrations on demand; the production
// implementation is the GitHub client.
type Janitor interface {
	CleanupDeadRunners(ctx context.Context) (int, error)
}

// Server exposes the daemon's read-side over HTTP plus one gated
// mutation, the manual runner cleanup.
type Server struct {
	metrics *metrics.Store
	monitor *sysmon.Monitor
	janitor Janitor
}

func NewServer(store *metrics.Store, monitor *sysmon.Monitor, janitor Janitor) *Server {
	return &Server{metrics: store, monitor: monitor, janitor: janitor}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func corsMiddleware(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))

	allowed := make(map[string]struct{}, len(allowedCORS)+1)
	for _, o := range allowedCORS {
		allowed[o] = struct{}{}
	}
	if envOrigin := strings.TrimSpace(os.Getenv("RUNNERSCALE_ALLOWED_ORIGIN")); envOrigin != "" && isLocalOrigin(envOrigin) {
		allowed[envOrigin] = struct{}{}
	}

	if origin != "" {
		if _, ok := allowed[origin]; !ok && !isLocalOrigin(origin) {
			origin = ""
		}
	}
	if origin == "" {
		origin = "http://localhost:3000"
	}

	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func isLocalOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "localhost" || host == "127.0.0.1"
}

func (s *Server) withSecurity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		corsMiddleware(rec, r)
		r = withRequestID(r)
		if rid := requestIDFromRequest(r); rid != "" {
			rec.Header().Set(requestIDHeader, rid)
		}

		if r.Method == http.MethodOptions {
			rec.WriteHeader(http.StatusOK)
			s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
			return
		}

		if !apiLimiter.allow(clientIP(r.RemoteAddr)) {
			writeJSONErrorForRequest(rec, r, http.StatusTooManyRequests, "rate limit exceeded")
			s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
			return
		}

		next(rec, r)
		s.metrics.IncRequest(r.URL.Path, r.Method, rec.status)
	}
}

// requireAuth checks the RUNNERSCALE_API_KEY env var. Without a key,
// mutating endpoints are blocked outright.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r.RemoteAddr)
	apiKey := os.Getenv("RUNNERSCALE_API_KEY")

	if apiKey == "" {
		if isUnsafeMethod(r.Method) {
			writeJSONErrorForRequest(w, r, http.StatusForbidden, "set RUNNERSCALE_API_KEY to enable mutating endpoints")
			return false
		}
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		s.metrics.IncAuthFailure()
		if apiLimiter.addAuthFailure(ip) {
			writeJSONErrorForRequest(w, r, http.StatusTooManyRequests, "too many failed auth attempts, retry later")
			return false
		}
		writeJSONErrorForRequest(w, r, http.StatusUnauthorized, "authorization required")
		return false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
		s.metrics.IncAuthFailure()
		if apiLimiter.addAuthFailure(ip) {
			writeJSONErrorForRequest(w, r, http.StatusTooManyRequests, "too many failed auth attempts, retry later")
			return false
		}
		writeJSONErrorForRequest(w, r, http.StatusForbidden, "invalid API key")
		return false
	}

	apiLimiter.clearAuthFailures(ip)
	return true
}

func isUnsafeMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

func withRequestID(r *http.Request) *http.Request {
	if r == nil {
		return r
	}
	if existing := requestIDFromRequest(r); existing != "" {
		return r.WithContext(context.WithValue(r.Context(), requestIDContextKey, existing))
	}
	rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if !isValidRequestID(rid) {
		rid = "req_" + uuid.NewString()
	}
	return r.WithContext(context.WithValue(r.Context(), requestIDContextKey, rid))
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, ch := range id {
		if ch < 33 || ch > 126 {
			return false
		}
	}
	return true
}

func requestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if rid, ok := r.Context().Value(requestIDContextKey).(string); ok && isValidRequestID(strings.TrimSpace(rid)) {
		return strings.TrimSpace(rid)
	}
	rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if isValidRequestID(rid) {
		return rid
	}
	return ""
}

// Start launches the API server and returns a stop function for
// graceful shutdown.
func (s *Server) Start(addr string) func() {
	if os.Getenv("RUNNERSCALE_API_KEY") == "" {
		log.Printf("no RUNNERSCALE_API_KEY set, mutating endpoints are blocked")
	}

	server := &http.Server{
		Addr:              resolveBindAddr(addr),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ListenAndServe: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("server shutdown failed: %v", err)
		}
	}
}

// Handler returns the full router. Exported so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.withSecurity(s.handleHealth))
	mux.HandleFunc("/status", s.withSecurity(s.handleStatus))
	mux.HandleFunc("/metrics", s.withSecurity(s.handleMetrics))
	mux.HandleFunc("/decisions", s.withSecurity(s.handleDecisions))
	mux.HandleFunc("/decisions/replay/health", s.withSecurity(s.handleReplayHealth))
	mux.HandleFunc("/audit", s.withSecurity(s.handleAudit))
	mux.HandleFunc("/runners/cleanup", s.withSecurity(s.handleRunnerCleanup))
	return mux
}

func resolveBindAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "127.0.0.1:8080"
	}
	if !strings.Contains(addr, ":") {
		return "127.0.0.1:" + addr
	}
	return addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the last tick's snapshot plus the daemon's own
// resource usage and the current breach streak rows.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload := map[string]any{
		"loop":     state.Get(),
		"contract": policy.CurrentEngineContract(policy.RolloutMode(state.Get().RolloutMode)),
	}

	if stats, err := s.monitor.Sample(); err == nil {
		payload["self"] = stats
		if leaking, detail := s.monitor.DetectLeak(stats); leaking {
			payload["resource_warning"] = detail
		}
	}

	streaks := map[string]database.BreachStreakState{}
	for _, dir := range []string{"UP", "DOWN"} {
		streak, err := database.GetBreachStreak(dir)
		if err != nil {
			continue
		}
		streaks[strings.ToLower(dir)] = streak
	}
	if len(streaks) > 0 {
		payload["breach_streaks"] = streaks
	}

	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	detailed := parseBoolQueryValue(r.URL.Query().Get("detailed"))
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = fmt.Fprint(w, s.metrics.Prometheus(detailed))
}

type paginatedDecisionsResponse struct {
	Items      []database.DecisionTrace `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
	HasMore    bool                     `json:"has_more"`
	Limit      int                      `json:"limit"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit, cursor, err := parseCursorPageQuery(
		r.URL.Query().Get("limit"),
		r.URL.Query().Get("cursor"),
		defaultDecisionPageLimit,
		maxDecisionPageLimit,
	)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusBadRequest, err.Error())
		return
	}

	traces, nextCursor, hasMore, err := database.GetDecisionsPage(limit, cursor)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusInternalServerError, fmt.Sprintf("database error: %v", err))
		return
	}

	payload := paginatedDecisionsResponse{
		Items:   traces,
		HasMore: hasMore,
		Limit:   limit,
	}
	if hasMore && nextCursor > 0 {
		payload.NextCursor = strconv.Itoa(nextCursor)
	}
	writeJSON(w, http.StatusOK, payload)
}

type replayHealthSummary struct {
	ContractVersion    string  `json:"contract_version"`
	Limit              int     `json:"limit"`
	Scanned            int     `json:"scanned"`
	Healthy            bool    `json:"healthy"`
	MatchCount         int     `json:"match_count"`
	MismatchCount      int     `json:"mismatch_count"`
	MissingDigestCount int     `json:"missing_digest_count"`
	UnreplayableCount  int     `json:"unreplayable_count"`
	MismatchRatio      float64 `json:"mismatch_ratio"`
	CheckedAt          string  `json:"checked_at"`
	MismatchTraceIDs   []int   `json:"mismatch_trace_ids,omitempty"`
}

// handleReplayHealth re-verifies the replay digests of recent decision
// traces. A mismatch means the stored trace no longer reproduces the
// decision it claims, which is an audit integrity problem.
func (s *Server) handleReplayHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := defaultReplayHealthLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxReplayHealthLimit {
			writeJSONErrorForRequest(w, r, http.StatusBadRequest,
				fmt.Sprintf("limit must be an integer between 1 and %d", maxReplayHealthLimit))
			return
		}
		limit = parsed
	}

	traces, _, _, err := database.GetDecisionsPage(limit, 0)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusInternalServerError, fmt.Sprintf("database error: %v", err))
		return
	}

	summary := replayHealthSummary{
		ContractVersion: policy.DecisionReplayContractVersion,
		Limit:           limit,
		Scanned:         len(traces),
		CheckedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	for _, trace := range traces {
		verification := policy.VerifyDecisionReplay(trace.ReplayDigest, policy.DecisionReplayInput{
			DecisionEngine:   trace.Engine,
			EngineVersion:    trace.EngineVersion,
			DecisionContract: trace.Contract,
			RolloutMode:      trace.RolloutMode,
			Direction:        trace.Direction,
			Reason:           trace.Reason,
			Demand:           trace.Demand,
			Current:          trace.Capacity,
			Target:           trace.Target,
			Score:            trace.BreachScore,
		})
		switch verification.Status {
		case policy.ReplayStatusMatch:
			summary.MatchCount++
		case policy.ReplayStatusMismatch:
			summary.MismatchCount++
			if len(summary.MismatchTraceIDs) < 20 {
				summary.MismatchTraceIDs = append(summary.MismatchTraceIDs, trace.ID)
			}
		case policy.ReplayStatusMissing:
			summary.MissingDigestCount++
		default:
			summary.UnreplayableCount++
		}
	}
	if summary.Scanned > 0 {
		summary.MismatchRatio = float64(summary.MismatchCount) / float64(summary.Scanned)
	}
	summary.Healthy = summary.MismatchCount == 0 && summary.MissingDigestCount == 0 && summary.UnreplayableCount == 0

	if parseBoolQueryValue(r.URL.Query().Get("strict")) && !summary.Healthy {
		payload := problemPayload(r, http.StatusConflict,
			"decision replay strict health check failed",
			map[string]any{"replay_health": summary})
		writeProblem(w, http.StatusConflict, payload)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := defaultAuditEventLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxAuditEventLimit {
			writeJSONErrorForRequest(w, r, http.StatusBadRequest,
				fmt.Sprintf("limit must be an integer between 1 and %d", maxAuditEventLimit))
			return
		}
		limit = parsed
	}

	events, err := database.RecentAuditEvents(limit)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusInternalServerError, fmt.Sprintf("database error: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

// handleRunnerCleanup triggers a dead-runner sweep outside the loop's
// cadence. Auth-gated: it deletes runner registrations upstream.
func (s *Server) handleRunnerCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONErrorForRequest(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	if s.janitor == nil {
		writeJSONErrorForRequest(w, r, http.StatusServiceUnavailable, "runner cleanup unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	pruned, err := s.janitor.CleanupDeadRunners(ctx)
	if err != nil {
		writeJSONErrorForRequest(w, r, http.StatusBadGateway, fmt.Sprintf("runner cleanup failed: %v", err))
		return
	}

	s.metrics.AddRunnersPruned(pruned)
	state.AddRunnersPruned(pruned)
	_, _ = database.LogAuditEvent("api", "runner_cleanup",
		fmt.Sprintf("manual sweep removed %d runner(s) [request_id=%s]", pruned, requestIDFromRequest(r)),
		state.Get().WorkerName, "")

	writeJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

func parseCursorPageQuery(rawLimit, rawCursor string, defaultLimit, maxLimit int) (int, int, error) {
	limit := defaultLimit
	rawLimit = strings.TrimSpace(rawLimit)
	if rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 || parsed > maxLimit {
			return 0, 0, fmt.Errorf("limit must be an integer between 1 and %d", maxLimit)
		}
		limit = parsed
	}

	cursor := 0
	rawCursor = strings.TrimSpace(rawCursor)
	if rawCursor != "" {
		parsed, err := strconv.Atoi(rawCursor)
		if err != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("cursor must be a positive integer")
		}
		cursor = parsed
	}
	return limit, cursor, nil
}

func parseBoolQueryValue(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response failed: %v", err)
	}
}

func problemTypeURI(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return problemTypeBaseURI + "bad-request"
	case http.StatusUnauthorized:
		return problemTypeBaseURI + "unauthorized"
	case http.StatusForbidden:
		return problemTypeBaseURI + "forbidden"
	case http.StatusNotFound:
		return problemTypeBaseURI + "not-found"
	case http.StatusMethodNotAllowed:
		return problemTypeBaseURI + "method-not-allowed"
	case http.StatusConflict:
		return problemTypeBaseURI + "conflict"
	case http.StatusTooManyRequests:
		return problemTypeBaseURI + "rate-limited"
	case http.StatusBadGateway:
		return problemTypeBaseURI + "upstream"
	case http.StatusServiceUnavailable:
		return problemTypeBaseURI + "not-ready"
	case http.StatusInternalServerError:
		return problemTypeBaseURI + "internal"
	default:
		return problemTypeBaseURI + "http-" + strconv.Itoa(statusCode)
	}
}

func problemPayload(r *http.Request, statusCode int, detail string, extra map[string]any) map[string]any {
	payload := map[string]any{
		"type":   problemTypeURI(statusCode),
		"title":  http.StatusText(statusCode),
		"status": statusCode,
	}
	if detail != "" {
		payload["detail"] = detail
		// Compatibility field for scripts that read .error.
		payload["error"] = detail
	}
	if r != nil && r.URL != nil {
		if instance := strings.TrimSpace(r.URL.Path); instance != "" {
			payload["instance"] = instance
		}
	}
	if rid := requestIDFromRequest(r); rid != "" {
		payload["request_id"] = rid
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

func writeProblem(w http.ResponseWriter, statusCode int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode problem response failed: %v", err)
	}
}

func writeJSONErrorForRequest(w http.ResponseWriter, r *http.Request, statusCode int, msg string) {
	if r != nil {
		r = withRequestID(r)
		if rid := requestIDFromRequest(r); rid != "" {
			w.Header().Set(requestIDHeader, rid)
		}
	}
	writeProblem(w, statusCode, problemPayload(r, statusCode, msg, nil))
}
