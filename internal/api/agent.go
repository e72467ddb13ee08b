package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/rollout"
	"signalbeam.sh/internal/sberrors"
)

// agentLimiter throttles per device so one chatty agent cannot starve
// the ingress. Idle entries are evicted lazily.
type agentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAgentLimiter() *agentLimiter {
	return &agentLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Every(time.Second),
		burst:    10,
	}
}

func (l *agentLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now

	if len(l.limiters) > 10000 {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > 10*time.Minute {
				delete(l.limiters, k)
			}
		}
	}
	return entry.limiter.Allow()
}

func (s *Server) withAgentLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["id"]
		if !s.limiter.allow(deviceID) {
			if s.metrics != nil {
				s.metrics.RecordRateLimitRejection()
			}
			writeError(w, sberrors.New(sberrors.ErrCodeExhausted, "too many requests"))
			return
		}
		next(w, r)
	}
}

// handleAgentDesiredState serves the document the edge agent reconciles
// against. A device with no desired state gets an explicit null target.
func (s *Server) handleAgentDesiredState(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	deviceID := models.DeviceID(mux.Vars(r)["id"])

	doc, err := s.index.Document(r.Context(), tenant, deviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.touchDevice(r, tenant, deviceID)
	writeJSON(w, http.StatusOK, doc)
}

// agentReportRequest is the reported-state document the edge agent
// posts. Status values arrive capitalized ("Succeeded") but are
// accepted in any case.
type agentReportRequest struct {
	DeviceID            string               `json:"deviceId,omitempty"`
	Timestamp           *time.Time           `json:"timestamp,omitempty"`
	CurrentBundleID     string               `json:"currentBundleId,omitempty"`
	CurrentVersion      string               `json:"currentVersion,omitempty"`
	DeploymentStatus    string               `json:"deploymentStatus"`
	ReconciliationError string               `json:"reconciliationError,omitempty"`
	Containers          []agentContainerInfo `json:"containers,omitempty"`
}

type agentContainerInfo struct {
	Name   string `json:"name"`
	Image  string `json:"image"`
	Status string `json:"status"`
}

func parseDeploymentStatus(raw string) (models.DeploymentStatus, error) {
	status := models.DeploymentStatus(strings.ToLower(raw))
	switch status {
	case models.DeploymentStatusPending, models.DeploymentStatusReconciling,
		models.DeploymentStatusSucceeded, models.DeploymentStatusFailed:
		return status, nil
	default:
		return "", sberrors.Newf(sberrors.ErrCodeValidation, "unknown report status %q", raw)
	}
}

func (s *Server) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	deviceID := models.DeviceID(mux.Vars(r)["id"])

	var req agentReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid request body"))
		return
	}
	if req.DeviceID != "" && req.DeviceID != string(deviceID) {
		writeError(w, sberrors.Newf(sberrors.ErrCodeValidation,
			"report deviceId %q does not match URL device %q", req.DeviceID, deviceID))
		return
	}
	status, err := parseDeploymentStatus(req.DeploymentStatus)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.executor.HandleDeviceReport(r.Context(), tenant, rollout.Report{
		DeviceID:     deviceID,
		Version:      req.CurrentVersion,
		Status:       status,
		ErrorMessage: req.ReconciliationError,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.touchDevice(r, tenant, deviceID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// touchDevice records agent contact; failures only log.
func (s *Server) touchDevice(r *http.Request, tenant models.TenantID, deviceID models.DeviceID) {
	_, err := s.db.ExecContext(r.Context(), `
		UPDATE devices SET last_seen = ?, updated_at = ? WHERE id = ? AND tenant_id = ?
	`, time.Now().UTC(), time.Now().UTC(), deviceID, tenant)
	if err != nil {
		s.logger.Warn("Failed to update device last_seen", "device", deviceID, "error", err)
	}
}
