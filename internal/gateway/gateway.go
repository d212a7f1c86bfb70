// Package gateway exposes the review service over HTTP: a small REST
// surface for plans and sessions, plus a WebSocket event feed backed by
// the in-process bus.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/plan"
	"github.com/basket/taskbridge/internal/review"
	"github.com/basket/taskbridge/internal/shared"
	"github.com/google/uuid"
)

type Config struct {
	Store   *persistence.Store
	Service *review.Service
	Bus     *bus.Bus
	Logger  *slog.Logger

	// Metrics may be nil; request durations are then not recorded.
	Metrics *otel.Metrics

	// AuthToken protects every endpoint except /healthz when non-empty.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in
	// /api/status.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/plans", s.handlePlans)
	mux.HandleFunc("/api/plans/", s.handlePlanByID)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/ws", s.handleWS)
	return s.withTrace(mux)
}

// withTrace stamps each request context with a trace_id so log lines
// from the handlers downstream can be correlated, and records the
// request duration.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
		if trace == "" {
			trace = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), trace)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", trace,
			"duration_ms", elapsed.Milliseconds())
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListPlans(r.Context()); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_hash": s.cfg.ConfigFingerprint,
	})
}

// handleMetrics returns a JSON snapshot of store counts and process
// memory. Export-grade metrics go through the OTel provider; this is
// the quick operator view.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	mc, err := s.cfg.Store.MetricsCounts(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"plans":              mc.Plans,
		"open_sessions":      mc.OpenSessions,
		"committed_sessions": mc.CommittedSessions,
		"aborted_sessions":   mc.AbortedSessions,
		"failed_sessions":    mc.FailedSessions,
		"candidates":         mc.Candidates,
		"alloc_bytes":        mem.Alloc,
		"goroutines":         runtime.NumGoroutine(),
	})
}

type createPlanRequest struct {
	ID         string      `json:"id,omitempty"`
	Outcome    string      `json:"outcome"`
	DocContext string      `json:"doc_context,omitempty"`
	Tasks      []plan.Task `json:"tasks"`
}

// handlePlans serves GET /api/plans (list) and POST /api/plans (create).
// Plans are validated as graphs before they are stored, so a plan with
// a dependency cycle never lands in the database. Posting an ID that is
// already taken is a conflict, not a replace.
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		plans, err := s.cfg.Store.ListPlans(r.Context())
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
	case http.MethodPost:
		var req createPlanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if len(req.Tasks) == 0 {
			writeError(w, http.StatusBadRequest, "tasks required")
			return
		}
		if _, err := plan.NewGraph(req.ID, req.Tasks); err != nil {
			var cycleErr *plan.CycleError
			if errors.As(err, &cycleErr) {
				writeError(w, http.StatusConflict, err.Error())
			} else {
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		if err := s.cfg.Store.SavePlan(r.Context(), req.ID, req.Outcome, req.DocContext, req.Tasks); err != nil {
			s.writeMapped(w, err)
			return
		}
		s.logger.Info("plan saved", "plan_id", req.ID, "tasks", len(req.Tasks))
		writeJSON(w, http.StatusCreated, map[string]any{"plan_id": req.ID, "task_count": len(req.Tasks)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePlanByID serves GET /api/plans/{id} and POST /api/plans/{id}/analysis.
func (s *Server) handlePlanByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/plans/")
	parts := strings.SplitN(path, "/", 2)
	planID := parts[0]
	if planID == "" {
		writeError(w, http.StatusBadRequest, "plan id required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rec, tasks, err := s.cfg.Store.GetPlan(r.Context(), planID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plan": rec, "tasks": tasks})
		return
	}

	if parts[1] != "analysis" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "unknown plan endpoint")
		return
	}
	res, err := s.cfg.Service.StartGapAnalysis(r.Context(), planID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type decisionsRequest struct {
	Decisions []review.Decision `json:"decisions"`
}

// handleSessionByID routes /api/sessions/{id} and its sub-resources:
// decisions, commit, retry/{gapID}, abort.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 3)
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rec, candidates, err := s.cfg.Service.Session(r.Context(), sessionID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": rec, "candidates": candidates})
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "decisions":
		var req decisionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if err := s.cfg.Service.ApplyDecisions(r.Context(), sessionID, req.Decisions); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"applied": len(req.Decisions)})
	case "commit":
		var req decisionsRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
				return
			}
		}
		res, err := s.cfg.Service.CommitSession(r.Context(), sessionID, req.Decisions)
		if err != nil {
			// A failed commit still carries a result: surface both the
			// terminal status and the mapped error code.
			if res != nil {
				writeJSON(w, statusForError(err), res)
				return
			}
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "retry":
		if len(parts) < 3 || parts[2] == "" {
			writeError(w, http.StatusBadRequest, "gap id required")
			return
		}
		res, err := s.cfg.Service.RetryGap(r.Context(), sessionID, parts[2])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "abort":
		if err := s.cfg.Service.Abort(r.Context(), sessionID); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": persistence.SessionAborted})
	default:
		writeError(w, http.StatusNotFound, "unknown session endpoint")
	}
}

// statusForError maps domain errors onto HTTP codes. Cycles and busy
// plans are conflicts; validation problems are the caller's fault.
func statusForError(err error) int {
	var cycleErr *plan.CycleError
	var valErr *plan.ValidationError
	switch {
	case errors.Is(err, persistence.ErrPlanNotFound),
		errors.Is(err, persistence.ErrSessionNotFound),
		errors.Is(err, persistence.ErrCandidateNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrPlanBusy),
		errors.Is(err, persistence.ErrPlanExists),
		errors.Is(err, persistence.ErrInvalidTransition),
		errors.Is(err, persistence.ErrVersionConflict):
		return http.StatusConflict
	case errors.As(err, &cycleErr):
		return http.StatusConflict
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeMapped(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("gateway: internal error", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
