package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/resolver"
	"signalbeam.sh/internal/sberrors"
	"signalbeam.sh/internal/tagquery"
)

type registerDeviceRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, sberrors.New(sberrors.ErrCodeValidation, "device name is required"))
		return
	}
	for _, raw := range req.Tags {
		if _, ok := tagquery.ParseTag(raw); !ok {
			writeError(w, sberrors.Newf(sberrors.ErrCodeValidation, "invalid tag %q", raw))
			return
		}
	}

	now := time.Now().UTC()
	device := models.Device{
		ID:        models.NewDeviceID(),
		TenantID:  tenant,
		Name:      req.Name,
		Tags:      req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tagsJSON, err := json.Marshal(device.Tags)
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to encode tags"))
		return
	}

	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO devices (id, tenant_id, name, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, device.ID, device.TenantID, device.Name, string(tagsJSON), device.CreatedAt, device.UpdatedAt)
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to register device"))
		return
	}

	s.logger.Info("Device registered", "device", device.ID, "tenant", tenant)
	writeJSON(w, http.StatusCreated, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// An optional query filters the listing with the same grammar used
	// by rollout selectors.
	if q := r.URL.Query().Get("query"); q != "" {
		res := resolver.New(s.db)
		ids, err := res.Expand(r.Context(), tenant, resolver.TagQuery(q))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": ids})
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, name, tags, deployment_status, last_seen, created_at, updated_at
		FROM devices WHERE tenant_id = ? ORDER BY id
	`, tenant)
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to list devices"))
		return
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var tagsJSON string
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.Name, &tagsJSON, &d.DeploymentStatus, &lastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
			writeError(w, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan device"))
			return
		}
		d.TenantID = tenant
		if lastSeen.Valid {
			t := lastSeen.Time
			d.LastSeen = &t
		}
		json.Unmarshal([]byte(tagsJSON), &d.Tags)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate devices"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleGetDesiredState is the operator's view of a device's
// desired-state record.
func (s *Server) handleGetDesiredState(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.index.Get(r.Context(), tenant, models.DeviceID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type createGroupRequest struct {
	Name      string            `json:"name"`
	Type      models.GroupType  `json:"type"`
	TagQuery  string            `json:"tag_query,omitempty"`
	DeviceIDs []models.DeviceID `json:"device_ids,omitempty"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, sberrors.New(sberrors.ErrCodeValidation, "group name is required"))
		return
	}

	switch req.Type {
	case models.GroupTypeDynamic:
		if _, err := tagquery.Parse(req.TagQuery); err != nil {
			writeError(w, sberrors.Wrapf(err, sberrors.ErrCodeValidation, "invalid tag query %q", req.TagQuery))
			return
		}
	case models.GroupTypeStatic:
		if len(req.DeviceIDs) == 0 {
			writeError(w, sberrors.New(sberrors.ErrCodeValidation, "static group needs at least one device"))
			return
		}
	default:
		writeError(w, sberrors.Newf(sberrors.ErrCodeValidation, "unknown group type %q", req.Type))
		return
	}

	group := models.Group{
		ID:        models.NewGroupID(),
		TenantID:  tenant,
		Name:      req.Name,
		Type:      req.Type,
		TagQuery:  req.TagQuery,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO device_groups (id, tenant_id, name, type, tag_query, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, group.ID, group.TenantID, group.Name, group.Type, group.TagQuery, group.CreatedAt)
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to create group"))
		return
	}

	for _, deviceID := range req.DeviceIDs {
		_, err := s.db.ExecContext(r.Context(), `
			INSERT INTO group_memberships (group_id, device_id, added_at)
			VALUES (?, ?, ?)
		`, group.ID, deviceID, group.CreatedAt)
		if err != nil {
			writeError(w, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to add group member"))
			return
		}
	}

	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGroupDevices(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := models.ParseGroupID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, sberrors.Wrap(err, sberrors.ErrCodeValidation, "invalid group id"))
		return
	}

	res := resolver.New(s.db)
	ids, err := res.Expand(r.Context(), tenant, resolver.Group(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": ids})
}
