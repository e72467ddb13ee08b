package alerting

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/events"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/sberrors"
)

// Engine produces deduplicated alerts from rollout signals. A repeated
// signal refreshes the existing active alert instead of creating a
// second one; notification fan-out consumes the alert.* bus subjects.
type Engine struct {
	db     *database.DB
	logger *slog.Logger
}

// NewEngine creates an alert engine over the store.
func NewEngine(db *database.DB) *Engine {
	return &Engine{
		db:     db,
		logger: slog.Default().With("component", "alert-engine"),
	}
}

// Raise records a signal. Returns the alert that now represents it,
// freshly created or refreshed.
func (e *Engine) Raise(ctx context.Context, sig Signal) (*Alert, error) {
	var result *Alert
	err := e.db.Transaction(ctx, func(tx *database.Tx) error {
		now := time.Now().UTC()

		var existing Alert
		var ackAt, resolvedAt sql.NullTime
		var ackBy sql.NullString
		var deviceID, rolloutID sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id, severity, title, description, device_id, rollout_id, status,
			       created_at, last_seen_at, acknowledged_by, acknowledged_at, resolved_at
			FROM alerts
			WHERE tenant_id = ? AND type = ? AND COALESCE(device_id, '') = ? AND status = ?
		`, sig.TenantID, sig.Type, string(sig.DeviceID), StatusActive).Scan(
			&existing.ID, &existing.Severity, &existing.Title, &existing.Description,
			&deviceID, &rolloutID, &existing.Status,
			&existing.CreatedAt, &existing.LastSeenAt, &ackBy, &ackAt, &resolvedAt,
		)

		switch {
		case err == sql.ErrNoRows:
			alert := &Alert{
				ID:          uuid.NewString(),
				TenantID:    sig.TenantID,
				Severity:    sig.Severity,
				Type:        sig.Type,
				Title:       sig.Title,
				Description: sig.Description,
				DeviceID:    sig.DeviceID,
				RolloutID:   sig.RolloutID,
				Status:      StatusActive,
				CreatedAt:   now,
				LastSeenAt:  now,
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO alerts
					(id, tenant_id, severity, type, title, description, device_id, rollout_id, status, created_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, alert.ID, alert.TenantID, alert.Severity, alert.Type, alert.Title, alert.Description,
				nullable(string(alert.DeviceID)), nullable(string(alert.RolloutID)), alert.Status,
				alert.CreatedAt, alert.LastSeenAt)
			if err != nil {
				return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to insert alert")
			}

			evt, err := events.New(events.SubjectAlertRaised, events.AlertEvent{
				AlertID:  alert.ID,
				TenantID: alert.TenantID,
				Type:     string(alert.Type),
				Severity: string(alert.Severity),
				Status:   string(alert.Status),
				DeviceID: alert.DeviceID,
				Rollout:  alert.RolloutID,
			})
			if err != nil {
				return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to build event")
			}
			if err := events.InsertTx(ctx, tx, evt); err != nil {
				return err
			}

			e.logger.Info("Alert raised",
				"type", alert.Type,
				"severity", alert.Severity,
				"tenant", alert.TenantID,
				"rollout", alert.RolloutID,
			)
			result = alert
			return nil

		case err != nil:
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to look up active alert")

		default:
			// Duplicate signal: refresh, never a second alert.
			_, err := tx.ExecContext(ctx, `
				UPDATE alerts SET last_seen_at = ?, description = ? WHERE id = ?
			`, now, sig.Description, existing.ID)
			if err != nil {
				return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to refresh alert")
			}
			existing.TenantID = sig.TenantID
			existing.Type = sig.Type
			existing.Description = sig.Description
			existing.LastSeenAt = now
			if deviceID.Valid {
				existing.DeviceID = models.DeviceID(deviceID.String)
			}
			if rolloutID.Valid {
				existing.RolloutID = models.RolloutID(rolloutID.String)
			}
			result = &existing
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Acknowledge moves an active alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, tenantID models.TenantID, alertID, by string) error {
	return e.db.Transaction(ctx, func(tx *database.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE alerts SET status = ?, acknowledged_by = ?, acknowledged_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?
		`, StatusAcknowledged, by, now, alertID, tenantID, StatusActive)
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to acknowledge alert")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sberrors.Newf(sberrors.ErrCodeNotFound, "no active alert %s", alertID)
		}

		evt, err := events.New(events.SubjectAlertAcknowledged, events.AlertEvent{
			AlertID:  alertID,
			TenantID: tenantID,
			Status:   string(StatusAcknowledged),
		})
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to build event")
		}
		return events.InsertTx(ctx, tx, evt)
	})
}

// Resolve terminates an alert. Later signals of the same key open a
// fresh active alert.
func (e *Engine) Resolve(ctx context.Context, tenantID models.TenantID, alertID string) error {
	return e.db.Transaction(ctx, func(tx *database.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE alerts SET status = ?, resolved_at = ?
			WHERE id = ? AND tenant_id = ? AND status IN (?, ?)
		`, StatusResolved, now, alertID, tenantID, StatusActive, StatusAcknowledged)
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to resolve alert")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sberrors.Newf(sberrors.ErrCodeNotFound, "no open alert %s", alertID)
		}

		evt, err := events.New(events.SubjectAlertResolved, events.AlertEvent{
			AlertID:  alertID,
			TenantID: tenantID,
			Status:   string(StatusResolved),
		})
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to build event")
		}
		return events.InsertTx(ctx, tx, evt)
	})
}

// List returns a tenant's alerts, optionally filtered by status,
// newest first.
func (e *Engine) List(ctx context.Context, tenantID models.TenantID, status Status) ([]*Alert, error) {
	query := `
		SELECT id, tenant_id, severity, type, title, description, device_id, rollout_id, status,
		       created_at, last_seen_at, acknowledged_by, acknowledged_at, resolved_at
		FROM alerts
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY last_seen_at DESC"

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to list alerts")
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		var deviceID, rolloutID, ackBy sql.NullString
		var ackAt, resolvedAt sql.NullTime
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.Severity, &a.Type, &a.Title, &a.Description,
			&deviceID, &rolloutID, &a.Status,
			&a.CreatedAt, &a.LastSeenAt, &ackBy, &ackAt, &resolvedAt,
		); err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan alert")
		}
		if deviceID.Valid {
			a.DeviceID = models.DeviceID(deviceID.String)
		}
		if rolloutID.Valid {
			a.RolloutID = models.RolloutID(rolloutID.String)
		}
		if ackBy.Valid {
			a.AcknowledgedBy = ackBy.String
		}
		if ackAt.Valid {
			t := ackAt.Time
			a.AcknowledgedAt = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate alerts")
	}
	return alerts, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
