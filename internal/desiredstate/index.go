package desiredstate

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/events"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/sberrors"
)

// Record is the authoritative "what should this device be running"
// entry, one per (tenant, device).
type Record struct {
	TenantID         models.TenantID         `json:"tenant_id"`
	DeviceID         models.DeviceID         `json:"device_id"`
	BundleID         models.BundleID         `json:"bundle_id"`
	BundleVersion    string                  `json:"bundle_version"`
	DeploymentStatus models.DeploymentStatus `json:"deployment_status"`
	AssignedAt       time.Time               `json:"assigned_at"`
	AssignedBy       string                  `json:"assigned_by"`
}

// Index stores desired-state records. Writes are idempotent per device:
// re-assigning the identical (bundle, version) is a no-op, a different
// value replaces the prior record.
type Index struct {
	db     *database.DB
	logger *slog.Logger
}

// NewIndex creates a desired-state index over the store.
func NewIndex(db *database.DB) *Index {
	return &Index{
		db:     db,
		logger: slog.Default().With("component", "desired-state-index"),
	}
}

// Set assigns a desired (bundle, version) to a device. A no-op when the
// device already points at that exact version; otherwise last write
// wins and a desired-state-changed event is staged.
func (i *Index) Set(ctx context.Context, tenantID models.TenantID, deviceID models.DeviceID, bundleID models.BundleID, version, assignedBy string) error {
	return i.db.Transaction(ctx, func(tx *database.Tx) error {
		var curBundle, curVersion string
		err := tx.QueryRowContext(ctx, `
			SELECT bundle_id, bundle_version FROM desired_states
			WHERE tenant_id = ? AND device_id = ?
		`, tenantID, deviceID).Scan(&curBundle, &curVersion)
		switch {
		case err == sql.ErrNoRows:
			// fall through to insert
		case err != nil:
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to read desired state")
		case curBundle == string(bundleID) && curVersion == version:
			return nil
		}

		now := time.Now().UTC()
		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO desired_states
					(tenant_id, device_id, bundle_id, bundle_version, deployment_status, assigned_at, assigned_by)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, tenantID, deviceID, bundleID, version, models.DeploymentStatusPending, now, assignedBy)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE desired_states
				SET bundle_id = ?, bundle_version = ?, deployment_status = ?, assigned_at = ?, assigned_by = ?
				WHERE tenant_id = ? AND device_id = ?
			`, bundleID, version, models.DeploymentStatusPending, now, assignedBy, tenantID, deviceID)
		}
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to write desired state")
		}

		evt, err := events.New(events.SubjectDesiredStateChanged, events.DesiredStateEvent{
			TenantID: tenantID,
			DeviceID: deviceID,
			BundleID: bundleID,
			Version:  version,
		})
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to build event")
		}
		return events.InsertTx(ctx, tx, evt)
	})
}

// Clear removes a device's desired state; the agent is then told to
// stop all containers.
func (i *Index) Clear(ctx context.Context, tenantID models.TenantID, deviceID models.DeviceID) error {
	return i.db.Transaction(ctx, func(tx *database.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM desired_states WHERE tenant_id = ? AND device_id = ?
		`, tenantID, deviceID)
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to clear desired state")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		evt, err := events.New(events.SubjectDesiredStateChanged, events.DesiredStateEvent{
			TenantID: tenantID,
			DeviceID: deviceID,
			Cleared:  true,
		})
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to build event")
		}
		return events.InsertTx(ctx, tx, evt)
	})
}

// Get returns the current record for a device.
func (i *Index) Get(ctx context.Context, tenantID models.TenantID, deviceID models.DeviceID) (*Record, error) {
	var rec Record
	err := i.db.QueryRowContext(ctx, `
		SELECT tenant_id, device_id, bundle_id, bundle_version, deployment_status, assigned_at, assigned_by
		FROM desired_states
		WHERE tenant_id = ? AND device_id = ?
	`, tenantID, deviceID).Scan(
		&rec.TenantID, &rec.DeviceID, &rec.BundleID, &rec.BundleVersion,
		&rec.DeploymentStatus, &rec.AssignedAt, &rec.AssignedBy,
	)
	if err == sql.ErrNoRows {
		return nil, sberrors.Newf(sberrors.ErrCodeNotFound, "no desired state for device %s", deviceID)
	}
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to get desired state")
	}
	return &rec, nil
}

// SetStatus updates the projected deployment status from an agent
// report. Unknown devices are ignored; the projection is best-effort.
func (i *Index) SetStatus(ctx context.Context, tenantID models.TenantID, deviceID models.DeviceID, status models.DeploymentStatus) error {
	_, err := i.db.ExecContext(ctx, `
		UPDATE desired_states SET deployment_status = ?
		WHERE tenant_id = ? AND device_id = ?
	`, status, tenantID, deviceID)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to project deployment status")
	}
	return nil
}
