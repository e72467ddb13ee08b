package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"signalbeam.sh/internal/alerting"
	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/desiredstate"
	"signalbeam.sh/internal/health"
	"signalbeam.sh/internal/middleware"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/observability"
	"signalbeam.sh/internal/rollout"
	"signalbeam.sh/internal/sberrors"
	"signalbeam.sh/internal/version"
)

// Server is the control-plane HTTP surface: operator endpoints for
// rollouts, devices, groups, and alerts, plus the agent ingress.
type Server struct {
	db       *database.DB
	planner  *rollout.Planner
	executor *rollout.Executor
	store    *rollout.Store
	index    *desiredstate.Index
	alerts   *alerting.Engine
	metrics  *observability.MetricsCollector
	checker  *health.Checker

	router   *mux.Router
	http     *http.Server
	limiter  *agentLimiter
	logger   *slog.Logger
}

// NewServer wires the HTTP surface. metrics and checker may be nil.
func NewServer(addr string, db *database.DB, planner *rollout.Planner, executor *rollout.Executor, store *rollout.Store, index *desiredstate.Index, alerts *alerting.Engine, metrics *observability.MetricsCollector, checker *health.Checker) *Server {
	s := &Server{
		db:       db,
		planner:  planner,
		executor: executor,
		store:    store,
		index:    index,
		alerts:   alerts,
		metrics:  metrics,
		checker:  checker,
		router:   mux.NewRouter(),
		limiter:  newAgentLimiter(),
		logger:   slog.Default().With("component", "api"),
	}
	s.routes()

	var handler http.Handler = s.router
	if metrics != nil {
		handler = metrics.Middleware(handler)
	}
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recover(s.logger)(handler)
	handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Tenant-ID"},
	}).Handler(handler)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.HTTPHandler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Operator surface
	v1.HandleFunc("/rollouts", s.handleCreateRollout).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts", s.handleListRollouts).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{id}", s.handleGetRollout).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{id}/history", s.handleRolloutHistory).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{id}/start", s.rolloutAction(s.executor.Start)).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/pause", s.rolloutAction(s.executor.Pause)).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/resume", s.rolloutAction(s.executor.Resume)).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/cancel", s.rolloutAction(s.executor.Cancel)).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/rollback", s.rolloutAction(s.executor.Rollback)).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/devices/{deviceId}/retry", s.handleRetryFailed).Methods(http.MethodPost)

	v1.HandleFunc("/devices", s.handleRegisterDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/desired-state", s.handleGetDesiredState).Methods(http.MethodGet)

	v1.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{id}/devices", s.handleGroupDevices).Methods(http.MethodGet)

	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)

	// Agent ingress
	agent := s.router.PathPrefix("/agent/v1").Subrouter()
	agent.HandleFunc("/devices/{id}/desired-state", s.withAgentLimit(s.handleAgentDesiredState)).Methods(http.MethodGet)
	agent.HandleFunc("/devices/{id}/report", s.withAgentLimit(s.handleAgentReport)).Methods(http.MethodPost)
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			writeError(w, sberrors.Wrap(err, sberrors.ErrCodeTransient, "database unreachable"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.String(),
		})
		return
	}

	report := s.checker.Run(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// tenantID extracts the calling tenant. Every data route is scoped.
func tenantID(r *http.Request) (models.TenantID, error) {
	t := r.Header.Get("X-Tenant-ID")
	if t == "" {
		return "", sberrors.New(sberrors.ErrCodeValidation, "X-Tenant-ID header is required")
	}
	return models.TenantID(t), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := sberrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case sberrors.ErrCodeValidation:
		status = http.StatusBadRequest
	case sberrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case sberrors.ErrCodeConflict:
		status = http.StatusConflict
	case sberrors.ErrCodeTransient, sberrors.ErrCodeTimeout:
		status = http.StatusServiceUnavailable
	case sberrors.ErrCodeExhausted:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}
