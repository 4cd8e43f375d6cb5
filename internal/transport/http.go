// Package transport serves the HTTP API: the live run snapshot, the
// run archive, and the standard health and metrics endpoints.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorum-lab/votebench/internal/storage"
	"github.com/quorum-lab/votebench/pkg/types"
)

// StatusSource yields the live view of the current benchmark run.
type StatusSource interface {
	Snapshot() types.RunSnapshot
}

// HealthChecker probes the chain endpoint behind the benchmark.
type HealthChecker interface {
	CheckEndpoint(ctx context.Context) error
}

// Config for creating a Server.
type Config struct {
	Status StatusSource
	Health HealthChecker
	// Archive backs the /v1/runs and /v1/votes endpoints. nil disables
	// them; the live endpoints keep working.
	Archive storage.Storage
	// Gatherer backs /metrics. nil falls back to the process-wide default.
	Gatherer prometheus.Gatherer
	// CORSAllowedOrigins is a comma-separated origin list. Empty or "*"
	// allows any origin.
	CORSAllowedOrigins string
	Logger             *slog.Logger
}

// Server handles HTTP requests for the benchmark driver.
type Server struct {
	status    StatusSource
	health    HealthChecker
	archive   storage.Storage
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server and starts the snapshot broadcaster.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	wsServer := NewWebSocketServer(cfg.Status, logger)
	wsServer.Start()

	s := &Server{
		status:    cfg.Status,
		health:    cfg.Health,
		archive:   cfg.Archive,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/votes/", s.corsMiddleware(s.handleVoteByHash))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Standard Kubernetes probes, unversioned.
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Close stops the snapshot broadcaster and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// requireArchive rejects the request when no archive database is attached.
func (s *Server) requireArchive(w http.ResponseWriter) bool {
	if s.archive == nil {
		s.writeJSONError(w, "Run archive disabled: start with -database to enable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// parsePagination reads limit/offset query parameters, clamping bad or
// out-of-range values back to the defaults.
func parsePagination(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}

// handleStatus returns the live snapshot of the current run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.status.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleRuns returns the archived run list, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireArchive(w) {
		return
	}

	limit, offset := parsePagination(r, 50, 100)
	result, err := s.archive.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleRunDetail handles /v1/runs/{id}, /v1/runs/{id}/votes and
// /v1/runs/{id}/accounts.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 && parts[1] == "votes" {
		s.handleRunVotes(w, r, runID)
		return
	}
	if len(parts) > 1 && parts[1] == "accounts" {
		s.handleRunAccounts(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.archive.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update struct {
			Notes string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.archive.UpdateRunNotes(r.Context(), runID, update.Notes); err != nil {
			if strings.Contains(err.Error(), "not found") {
				s.writeJSONError(w, err.Error(), http.StatusNotFound)
				return
			}
			s.writeJSONError(w, "Failed to update run: "+err.Error(), http.StatusInternalServerError)
			return
		}

		run, err := s.archive.GetRun(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get updated run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)

	case http.MethodGet:
		run, err := s.archive.GetRun(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunVotes handles GET /v1/runs/{id}/votes.
func (s *Server) handleRunVotes(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := parsePagination(r, 100, 1000)
	result, err := s.archive.GetVotes(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get votes: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleRunAccounts handles GET /v1/runs/{id}/accounts.
func (s *Server) handleRunAccounts(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accounts, err := s.archive.AccountBreakdown(r.Context(), runID)
	if err != nil {
		s.writeJSONError(w, "Failed to get account breakdown: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []storage.AccountStats{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accounts)
}

// handleVoteByHash handles GET /v1/votes/{hash}.
func (s *Server) handleVoteByHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireArchive(w) {
		return
	}

	hash := strings.TrimPrefix(r.URL.Path, "/v1/votes/")
	if hash == "" || strings.Contains(hash, "/") {
		s.writeJSONError(w, "Missing transaction hash", http.StatusBadRequest)
		return
	}

	vote, err := s.archive.GetVoteByHash(r.Context(), hash)
	if err != nil {
		s.writeJSONError(w, "Failed to get vote: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if vote == nil {
		s.writeJSONError(w, "Vote not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(vote)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes by round-tripping the chain endpoint.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		start := time.Now()
		err := s.health.CheckEndpoint(r.Context())

		check := ReadinessCheck{
			Name:      "rpc",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		} else {
			check.Status = "ok"
		}
		checks = append(checks, check)
	}

	response := map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}
