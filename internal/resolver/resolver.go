package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"

	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/sberrors"
	"signalbeam.sh/internal/tagquery"
)

// SelectorKind enumerates the ways a rollout targets devices.
type SelectorKind string

const (
	KindAllDevices SelectorKind = "all_devices"
	KindGroup      SelectorKind = "group"
	KindTagQuery   SelectorKind = "tag_query"
	KindDeviceIDs  SelectorKind = "device_ids"
)

// Selector picks a target device set. Exactly one of the kind-specific
// fields is meaningful.
type Selector struct {
	Kind      SelectorKind      `json:"kind"`
	GroupID   models.GroupID    `json:"group_id,omitempty"`
	Query     string            `json:"query,omitempty"`
	DeviceIDs []models.DeviceID `json:"device_ids,omitempty"`
}

// AllDevices targets every device of the tenant.
func AllDevices() Selector { return Selector{Kind: KindAllDevices} }

// Group targets a static or dynamic group.
func Group(id models.GroupID) Selector { return Selector{Kind: KindGroup, GroupID: id} }

// TagQuery targets devices whose tags satisfy a query expression.
func TagQuery(query string) Selector { return Selector{Kind: KindTagQuery, Query: query} }

// DeviceIDs targets an explicit device list.
func DeviceIDs(ids ...models.DeviceID) Selector {
	return Selector{Kind: KindDeviceIDs, DeviceIDs: ids}
}

// Resolver expands selectors into concrete device sets. Every path
// returns the devices ordered lexicographically by ID so that
// downstream materialization is deterministic.
type Resolver struct {
	db     *database.DB
	logger *slog.Logger
}

// New creates a resolver over the device store.
func New(db *database.DB) *Resolver {
	return &Resolver{
		db:     db,
		logger: slog.Default().With("component", "tag-resolver"),
	}
}

// Expand resolves a selector into a sorted device-ID list.
func (r *Resolver) Expand(ctx context.Context, tenantID models.TenantID, sel Selector) ([]models.DeviceID, error) {
	switch sel.Kind {
	case KindAllDevices:
		return r.allDevices(ctx, tenantID)
	case KindGroup:
		return r.expandGroup(ctx, tenantID, sel.GroupID)
	case KindTagQuery:
		return r.expandQuery(ctx, tenantID, sel.Query)
	case KindDeviceIDs:
		return r.validateDeviceIDs(ctx, tenantID, sel.DeviceIDs)
	default:
		return nil, sberrors.Newf(sberrors.ErrCodeValidation, "unknown selector kind %q", sel.Kind)
	}
}

func (r *Resolver) allDevices(ctx context.Context, tenantID models.TenantID) ([]models.DeviceID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM devices WHERE tenant_id = ? ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to list devices")
	}
	defer rows.Close()
	return scanDeviceIDs(rows)
}

func (r *Resolver) expandGroup(ctx context.Context, tenantID models.TenantID, groupID models.GroupID) ([]models.DeviceID, error) {
	var groupType, query string
	err := r.db.QueryRowContext(ctx, `
		SELECT type, tag_query FROM device_groups WHERE id = ? AND tenant_id = ?
	`, groupID, tenantID).Scan(&groupType, &query)
	if err == sql.ErrNoRows {
		return nil, sberrors.Newf(sberrors.ErrCodeNotFound, "group %s not found", groupID)
	}
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to load group")
	}

	if models.GroupType(groupType) == models.GroupTypeStatic {
		rows, err := r.db.QueryContext(ctx, `
			SELECT device_id FROM group_memberships WHERE group_id = ? ORDER BY device_id
		`, groupID)
		if err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to list group members")
		}
		defer rows.Close()
		return scanDeviceIDs(rows)
	}

	// Dynamic group: membership is derived by evaluating the stored
	// query against the tenant's devices.
	return r.expandQuery(ctx, tenantID, query)
}

func (r *Resolver) expandQuery(ctx context.Context, tenantID models.TenantID, query string) ([]models.DeviceID, error) {
	node, err := tagquery.Parse(query)
	if err != nil {
		return nil, sberrors.Wrapf(err, sberrors.ErrCodeValidation, "invalid tag query %q", query)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tags FROM devices WHERE tenant_id = ? ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to list devices")
	}
	defer rows.Close()

	var matched []models.DeviceID
	for rows.Next() {
		var id, tagsJSON string
		if err := rows.Scan(&id, &tagsJSON); err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan device")
		}
		var tags []string
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
				r.logger.Warn("Skipping device with corrupted tags", "device", id, "error", err)
				continue
			}
		}
		if tagquery.Evaluate(node, tags) {
			matched = append(matched, models.DeviceID(id))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate devices")
	}
	return matched, nil
}

func (r *Resolver) validateDeviceIDs(ctx context.Context, tenantID models.TenantID, ids []models.DeviceID) ([]models.DeviceID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	owned := make(map[models.DeviceID]bool, len(ids))
	for _, id := range ids {
		var exists int
		err := r.db.QueryRowContext(ctx, `
			SELECT 1 FROM devices WHERE id = ? AND tenant_id = ?
		`, id, tenantID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, sberrors.Newf(sberrors.ErrCodeValidation, "device %s does not belong to tenant", id)
		}
		if err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to validate device")
		}
		owned[id] = true
	}

	out := make([]models.DeviceID, 0, len(owned))
	for id := range owned {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func scanDeviceIDs(rows *sql.Rows) ([]models.DeviceID, error) {
	var ids []models.DeviceID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan device id")
		}
		ids = append(ids, models.DeviceID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate device ids")
	}
	return ids, nil
}
