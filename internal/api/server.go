package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rollcall/internal/coordinator"
	"rollcall/internal/registry"
	"rollcall/pkg/types"
)

// ConnStats exposes connection counts without coupling to the WebSocket
// registry implementation.
type ConnStats interface {
	Count() int
	WorkspaceCounts() map[string]int
}

// ReportStore serves the read side of the durable store.
type ReportStore interface {
	ListSessions(ctx context.Context, workspaceID string, limit, offset int) ([]*types.SessionSummary, error)
	HealthCheck(ctx context.Context) error
}

// Server is the read-only HTTP surface: live session listings for dashboards,
// durable reports, and health. All writes go through the WebSocket protocol.
type Server struct {
	coordinator *coordinator.Coordinator
	registry    *registry.Registry
	store       ReportStore
	connStats   ConnStats
	metrics     http.Handler
	router      *http.ServeMux
}

// NewServer wires the HTTP API. metricsHandler may be nil to disable /metrics.
func NewServer(coord *coordinator.Coordinator, reg *registry.Registry, store ReportStore, connStats ConnStats, metricsHandler http.Handler) *Server {
	s := &Server{
		coordinator: coord,
		registry:    reg,
		store:       store,
		connStats:   connStats,
		metrics:     metricsHandler,
		router:      http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/api/reports/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleReports))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ListSessionsResponse struct {
	Sessions []*types.SessionSnapshot `json:"sessions"`
}

type SessionResponse struct {
	Session  *types.SessionSnapshot `json:"session"`
	Progress types.Progress         `json:"progress"`
}

type ReportsResponse struct {
	Sessions []*types.SessionSummary `json:"sessions"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Store       string         `json:"store"`
	Sessions    int            `json:"active_sessions"`
	Connections int            `json:"open_connections"`
	Workspaces  map[string]int `json:"connections_by_workspace"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleSessions serves GET /api/sessions: every live session with current
// progress. Reads go through the coordinator so they serialize against
// in-flight marks.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := ListSessionsResponse{Sessions: make([]*types.SessionSnapshot, 0)}
	for _, sessionID := range s.registry.ActiveIDs() {
		status, err := s.coordinator.Status(r.Context(), sessionID)
		if err != nil {
			// Session finalized between listing and reading; skip it.
			continue
		}
		response.Sessions = append(response.Sessions, status.Session)
	}

	_ = json.NewEncoder(w).Encode(response)
}

// handleSessionByID serves GET /api/sessions/{id}.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		s.sendError(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	status, err := s.coordinator.Status(r.Context(), sessionID)
	if err != nil {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}

	_ = json.NewEncoder(w).Encode(SessionResponse{Session: status.Session, Progress: status.Progress})
}

// handleReports serves GET /api/reports/sessions?workspace=&limit=&offset=
// from the durable store, newest close first.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workspaceID := r.URL.Query().Get("workspace")
	if workspaceID == "" {
		s.sendError(w, "workspace query parameter is required", http.StatusBadRequest)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		offset = n
	}

	sessions, err := s.store.ListSessions(r.Context(), workspaceID, limit, offset)
	if err != nil {
		s.sendError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(ReportsResponse{Sessions: sessions, Limit: limit, Offset: offset})
}

// healthCheck serves GET /health: store connectivity plus live counts.
// Returns 503 when the store is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storeStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		storeStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Store:       storeStatus,
		Sessions:    s.registry.Count(),
		Connections: s.connStats.Count(),
		Workspaces:  s.connStats.WorkspaceCounts(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
