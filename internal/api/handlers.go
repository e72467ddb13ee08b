package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"signalbeam.sh/internal/alerting"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/rollout"
	"signalbeam.sh/internal/sberrors"
)

func (s *Server) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req rollout.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid request body"))
		return
	}
	req.TenantID = tenant

	created, err := s.planner.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rollouts, err := s.store.List(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollouts": rollouts})
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := models.ParseRolloutID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid rollout id"))
		return
	}

	ro, err := s.store.GetRollout(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rollout":  ro,
		"progress": ro.Progress(),
	})
}

func (s *Server) handleRolloutHistory(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := models.ParseRolloutID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid rollout id"))
		return
	}
	// Existence check keeps history tenant-scoped.
	if _, err := s.store.GetRollout(r.Context(), tenant, id); err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.store.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

// rolloutAction adapts the executor's lifecycle operations into
// handlers; they all share the same request shape.
func (s *Server) rolloutAction(op func(ctx context.Context, tenant models.TenantID, id models.RolloutID) (*rollout.Rollout, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, err := tenantID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		id, err := models.ParseRolloutID(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid rollout id"))
			return
		}

		ro, err := op(r.Context(), tenant, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ro)
	}
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	id, err := models.ParseRolloutID(vars["id"])
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid rollout id"))
		return
	}

	ro, err := s.executor.RetryFailed(r.Context(), tenant, id, models.DeviceID(vars["deviceId"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := s.alerts.List(r.Context(), tenant, alerting.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		By string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.By == "" {
		writeError(w, sberrors.New(sberrors.ErrCodeValidation, "acknowledging user is required"))
		return
	}

	if err := s.alerts.Acknowledge(r.Context(), tenant, mux.Vars(r)["id"], body.By); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.alerts.Resolve(r.Context(), tenant, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
