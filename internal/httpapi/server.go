// Package httpapi exposes forumd's operational HTTP surface: liveness and
// readiness probes, Prometheus metrics and the admin endpoints for the
// database layer.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"

	"github.com/astroforum/service_layer/internal/database"
	"github.com/astroforum/service_layer/internal/database/health"
	"github.com/astroforum/service_layer/internal/errors"
	"github.com/astroforum/service_layer/internal/httputil"
	"github.com/astroforum/service_layer/internal/logging"
	"github.com/astroforum/service_layer/internal/metrics"
	"github.com/astroforum/service_layer/internal/middleware"
)

// Options configures the server. Admin routes are only mounted when Auth is
// set.
type Options struct {
	ServiceName string
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	AuditSink   AuditSink
	Clock       clock.Clock

	// RetryAfter is sent with 503 responses caused by an unavailable store.
	RetryAfter time.Duration
	// ProbeTimeout bounds the readiness ping and on-demand sweeps.
	ProbeTimeout time.Duration
}

// Server serves the operational endpoints over a database.DB.
type Server struct {
	db     *database.DB
	opts   Options
	audit  *auditLog
	router *mux.Router
}

// NewServer builds the router.
func NewServer(db *database.DB, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "forumd"
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}

	s := &Server{
		db:    db,
		opts:  opts,
		audit: newAuditLog(0, opts.AuditSink),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "no such endpoint")
	})

	r.Use(middleware.LoggingMiddleware(s.opts.Logger))
	if s.opts.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(s.opts.ServiceName, s.opts.Metrics))
		r.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	if s.opts.Auth == nil {
		s.opts.Logger.Warn("no token verifier configured, admin endpoints disabled")
		return r
	}

	admin := r.PathPrefix("/admin/database").Subrouter()
	admin.Use(s.opts.Auth.Handler)
	if s.opts.RateLimiter != nil {
		admin.Use(s.opts.RateLimiter.Handler)
	}
	admin.Use(requireAdmin)

	admin.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	admin.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	admin.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	admin.HandleFunc("/recovery", s.handleRecovery).Methods(http.MethodPost)
	admin.HandleFunc("/sweep", s.handleSweep).Methods(http.MethodPost)
	return r
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireAdminRole(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Probes
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.opts.ServiceName,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ProbeTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeDatabaseError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"database": s.db.Health().Status,
	})
}

// =============================================================================
// Admin
// =============================================================================

type statusResponse struct {
	database.Stats
	Health health.Report `json:"health"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, statusResponse{
		Stats:  s.db.Stats(),
		Health: s.db.Health(),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.db.Pool().Connections(),
	})
}

type recoveryRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if r.ContentLength != 0 && r.Body != http.NoBody {
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
	}

	res := s.db.EmergencyRecovery()
	s.record(r, "emergency_recovery", req.Reason, res)
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ProbeTimeout)
	defer cancel()

	res := s.db.Sweep(ctx)
	s.record(r, "sweep", "", res)
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteServiceError(w, r, errors.InvalidFormat("limit", "non-negative integer"))
			return
		}
		limit = n
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.audit.listLimit(limit),
	})
}

func (s *Server) record(r *http.Request, action, reason string, result interface{}) {
	ctx := r.Context()
	entry := AuditEntry{
		Time:       s.opts.Clock.Now().UTC(),
		User:       middleware.GetUserID(ctx),
		Role:       middleware.GetUserRole(ctx),
		Action:     action,
		Reason:     reason,
		Result:     result,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	if err := s.audit.add(entry); err != nil {
		s.opts.Logger.WithContext(ctx).WithError(err).Error("write audit entry")
	}
	s.opts.Logger.LogSecurityEvent(ctx, "database_"+action, map[string]interface{}{
		"reason": reason,
		"result": result,
	})
}

// writeDatabaseError maps unavailability to 503 with Retry-After so clients
// back off. Other failures are reported without a retry hint.
func (s *Server) writeDatabaseError(w http.ResponseWriter, r *http.Request, err error) {
	s.opts.Logger.WithContext(r.Context()).WithError(err).Warn("database check failed")

	if database.IsUnavailable(err) {
		httputil.ServiceUnavailable(w, r, "database temporarily unavailable", err, s.opts.RetryAfter)
		return
	}
	serviceErr := errors.Internal("database check failed", err)
	serviceErr.HTTPStatus = http.StatusServiceUnavailable
	httputil.WriteServiceError(w, r, serviceErr)
}
