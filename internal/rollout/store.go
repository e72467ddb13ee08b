package rollout

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

// Store persists rollout aggregates. All writes go through Save, which
// bumps the rollout's version counter with an optimistic-concurrency
// check; a lost race surfaces as a Conflict error and the caller
// re-reads and retries.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates a rollout store.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "rollout-store"),
	}
}

// CreateRollout inserts a freshly planned aggregate and stages the
// created event atomically.
func (s *Store) CreateRollout(ctx context.Context, r *Rollout) error {
	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rollouts
				(id, tenant_id, bundle_id, target_version, previous_version, name, description,
				 status, failure_threshold, current_phase_number, created_by, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.TenantID, r.BundleID, r.TargetVersion, nullString(r.PreviousVersion),
			r.Name, r.Description, r.Status, r.FailureThreshold, r.CurrentPhaseNumber,
			r.CreatedBy, r.CreatedAt, r.Version)
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to insert rollout")
		}

		for _, p := range r.Phases {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rollout_phases
					(id, rollout_id, phase_number, name, target_device_count, target_percentage,
					 status, min_healthy_duration_ms, success_count, failure_count, stall_alerted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ID, p.RolloutID, p.PhaseNumber, p.Name, p.TargetDeviceCount, p.TargetPercentage,
				p.Status, p.MinHealthyDuration.Milliseconds(), p.SuccessCount, p.FailureCount,
				boolInt(p.StallAlerted))
			if err != nil {
				return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to insert phase")
			}

			for _, a := range p.Assignments {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO rollout_device_assignments
						(id, rollout_id, phase_id, device_id, status, retry_count)
					VALUES (?, ?, ?, ?, ?, ?)
				`, a.ID, a.RolloutID, a.PhaseID, a.DeviceID, a.Status, a.RetryCount)
				if database.IsUniqueViolation(err) {
					return sberrors.Wrapf(err, sberrors.ErrCodeConflict,
						"device %s already participates in a live rollout", a.DeviceID)
				}
				if err != nil {
					return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to insert assignment")
				}
			}
		}

		evt, err := createdEvent(r)
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to build event")
		}
		if err := events.InsertTx(ctx, tx, evt); err != nil {
			return err
		}
		return insertAudit(ctx, tx, r.ID, "", "created", "rollout plan materialized")
	})
}

// GetRollout loads the full aggregate: rollout, phases in order, and
// each phase's assignments ordered by device ID.
func (s *Store) GetRollout(ctx context.Context, tenantID models.TenantID, id models.RolloutID) (*Rollout, error) {
	r := &Rollout{}
	var prevVersion sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, bundle_id, target_version, previous_version, name, description,
		       status, failure_threshold, current_phase_number, created_by,
		       created_at, started_at, completed_at, version
		FROM rollouts
		WHERE id = ? AND tenant_id = ?
	`, id, tenantID).Scan(
		&r.ID, &r.TenantID, &r.BundleID, &r.TargetVersion, &prevVersion, &r.Name, &r.Description,
		&r.Status, &r.FailureThreshold, &r.CurrentPhaseNumber, &r.CreatedBy,
		&r.CreatedAt, &startedAt, &completedAt, &r.Version,
	)
	if err == sql.ErrNoRows {
		return nil, sberrors.Newf(sberrors.ErrCodeNotFound, "rollout %s not found", id)
	}
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to load rollout")
	}
	r.PreviousVersion = prevVersion.String
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)

	if err := s.loadPhases(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) loadPhases(ctx context.Context, r *Rollout) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phase_number, name, target_device_count, target_percentage,
		       status, min_healthy_duration_ms, success_count, failure_count,
		       started_at, completed_at, stall_alerted
		FROM rollout_phases
		WHERE rollout_id = ?
		ORDER BY phase_number
	`, r.ID)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to load phases")
	}
	defer rows.Close()

	byID := make(map[models.PhaseID]*Phase)
	for rows.Next() {
		p := &Phase{RolloutID: r.ID}
		var pct sql.NullFloat64
		var healthyMs int64
		var startedAt, completedAt sql.NullTime
		var stallAlerted int
		if err := rows.Scan(
			&p.ID, &p.PhaseNumber, &p.Name, &p.TargetDeviceCount, &pct,
			&p.Status, &healthyMs, &p.SuccessCount, &p.FailureCount,
			&startedAt, &completedAt, &stallAlerted,
		); err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan phase")
		}
		if pct.Valid {
			v := pct.Float64
			p.TargetPercentage = &v
		}
		p.MinHealthyDuration = time.Duration(healthyMs) * time.Millisecond
		p.StartedAt = timePtr(startedAt)
		p.CompletedAt = timePtr(completedAt)
		p.StallAlerted = stallAlerted != 0
		r.Phases = append(r.Phases, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate phases")
	}

	arows, err := s.db.QueryContext(ctx, `
		SELECT id, phase_id, device_id, status, retry_count, error_message,
		       assigned_at, last_report_at, reconciled_at
		FROM rollout_device_assignments
		WHERE rollout_id = ?
		ORDER BY device_id
	`, r.ID)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to load assignments")
	}
	defer arows.Close()

	for arows.Next() {
		a := &DeviceAssignment{RolloutID: r.ID}
		var errMsg sql.NullString
		var assignedAt, lastReportAt, reconciledAt sql.NullTime
		if err := arows.Scan(
			&a.ID, &a.PhaseID, &a.DeviceID, &a.Status, &a.RetryCount, &errMsg,
			&assignedAt, &lastReportAt, &reconciledAt,
		); err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan assignment")
		}
		a.ErrorMessage = errMsg.String
		a.AssignedAt = timePtr(assignedAt)
		a.LastReportAt = timePtr(lastReportAt)
		a.ReconciledAt = timePtr(reconciledAt)
		if p, ok := byID[a.PhaseID]; ok {
			p.Assignments = append(p.Assignments, a)
		}
	}
	if err := arows.Err(); err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate assignments")
	}
	return nil
}

// ListActive returns (tenant, rollout) pairs in a non-terminal status,
// the scheduler's work queue.
func (s *Store) ListActive(ctx context.Context) (map[models.RolloutID]models.TenantID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id FROM rollouts WHERE status IN (?, ?, ?)
	`, StatusPending, StatusInProgress, StatusPaused)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to list active rollouts")
	}
	defer rows.Close()

	active := make(map[models.RolloutID]models.TenantID)
	for rows.Next() {
		var id, tenant string
		if err := rows.Scan(&id, &tenant); err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan rollout id")
		}
		active[models.RolloutID(id)] = models.TenantID(tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate active rollouts")
	}
	return active, nil
}

// List returns a tenant's rollouts, newest first, without phase detail.
func (s *Store) List(ctx context.Context, tenantID models.TenantID) ([]*Rollout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, bundle_id, target_version, previous_version, name, description,
		       status, failure_threshold, current_phase_number, created_by,
		       created_at, started_at, completed_at, version
		FROM rollouts
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to list rollouts")
	}
	defer rows.Close()

	var out []*Rollout
	for rows.Next() {
		r := &Rollout{}
		var prevVersion sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.BundleID, &r.TargetVersion, &prevVersion, &r.Name, &r.Description,
			&r.Status, &r.FailureThreshold, &r.CurrentPhaseNumber, &r.CreatedBy,
			&r.CreatedAt, &startedAt, &completedAt, &r.Version,
		); err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan rollout")
		}
		r.PreviousVersion = prevVersion.String
		r.StartedAt = timePtr(startedAt)
		r.CompletedAt = timePtr(completedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate rollouts")
	}
	return out, nil
}

// AuditRecord is a pending history entry written alongside Save.
type AuditRecord struct {
	DeviceID  models.DeviceID
	EventType string
	Message   string
}

// Save persists a mutated aggregate. The rollout row update carries a
// WHERE version = ? guard; zero rows affected means another writer won
// the race and the whole transaction rolls back with a Conflict. On
// success the in-memory version counter is bumped to match the store.
func (s *Store) Save(ctx context.Context, r *Rollout, audits []AuditRecord, evts ...events.Event) error {
	err := s.db.Transaction(ctx, func(tx *database.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rollouts
			SET status = ?, current_phase_number = ?, previous_version = ?,
			    started_at = ?, completed_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, r.Status, r.CurrentPhaseNumber, nullString(r.PreviousVersion),
			nullTime(r.StartedAt), nullTime(r.CompletedAt), r.ID, r.Version)
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to update rollout")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sberrors.Newf(sberrors.ErrCodeConflict,
				"rollout %s version %d is stale", r.ID, r.Version)
		}

		for _, p := range r.Phases {
			_, err := tx.ExecContext(ctx, `
				UPDATE rollout_phases
				SET status = ?, success_count = ?, failure_count = ?,
				    started_at = ?, completed_at = ?, stall_alerted = ?
				WHERE id = ?
			`, p.Status, p.SuccessCount, p.FailureCount,
				nullTime(p.StartedAt), nullTime(p.CompletedAt), boolInt(p.StallAlerted), p.ID)
			if err != nil {
				return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to update phase")
			}

			for _, a := range p.Assignments {
				_, err := tx.ExecContext(ctx, `
					UPDATE rollout_device_assignments
					SET status = ?, retry_count = ?, error_message = ?,
					    assigned_at = ?, last_report_at = ?, reconciled_at = ?
					WHERE id = ?
				`, a.Status, a.RetryCount, nullString(a.ErrorMessage),
					nullTime(a.AssignedAt), nullTime(a.LastReportAt), nullTime(a.ReconciledAt), a.ID)
				if err != nil {
					return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to update assignment")
				}
			}
		}

		for _, rec := range audits {
			if err := insertAudit(ctx, tx, r.ID, rec.DeviceID, rec.EventType, rec.Message); err != nil {
				return err
			}
		}
		return events.InsertTx(ctx, tx, evts...)
	})
	if err != nil {
		return err
	}
	r.Version++
	return nil
}

// FindActiveRolloutForDevice returns the non-terminal rollout a device
// currently participates in, or NotFound.
func (s *Store) FindActiveRolloutForDevice(ctx context.Context, tenantID models.TenantID, deviceID models.DeviceID) (models.RolloutID, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id
		FROM rollout_device_assignments a
		JOIN rollouts r ON r.id = a.rollout_id
		WHERE a.device_id = ?
		  AND r.tenant_id = ?
		  AND r.status IN (?, ?, ?)
		LIMIT 1
	`, deviceID, tenantID, StatusPending, StatusInProgress, StatusPaused).Scan(&id)
	if err == sql.ErrNoRows {
		return "", sberrors.Newf(sberrors.ErrCodeNotFound, "device %s is not in an active rollout", deviceID)
	}
	if err != nil {
		return "", sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to look up device rollout")
	}
	return models.RolloutID(id), nil
}

// StageEvent stages a single outbox event outside the Save path.
func (s *Store) StageEvent(ctx context.Context, evt events.Event) error {
	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		return events.InsertTx(ctx, tx, evt)
	})
}

// AppendAudit records a rollout history entry outside the Save path.
func (s *Store) AppendAudit(ctx context.Context, rolloutID models.RolloutID, deviceID models.DeviceID, eventType, message string) error {
	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		return insertAudit(ctx, tx, rolloutID, deviceID, eventType, message)
	})
}

// AuditEntry is one row of a rollout's history.
type AuditEntry struct {
	ID        string           `json:"id"`
	RolloutID models.RolloutID `json:"rollout_id"`
	DeviceID  models.DeviceID  `json:"device_id,omitempty"`
	EventType string           `json:"event_type"`
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// History returns a rollout's audit trail, oldest first.
func (s *Store) History(ctx context.Context, rolloutID models.RolloutID) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rollout_id, device_id, event_type, message, created_at
		FROM rollout_events
		WHERE rollout_id = ?
		ORDER BY created_at
	`, rolloutID)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to load rollout history")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var deviceID sql.NullString
		if err := rows.Scan(&e.ID, &e.RolloutID, &deviceID, &e.EventType, &e.Message, &e.CreatedAt); err != nil {
			return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan history entry")
		}
		e.DeviceID = models.DeviceID(deviceID.String)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate history")
	}
	return entries, nil
}

func insertAudit(ctx context.Context, tx *database.Tx, rolloutID models.RolloutID, deviceID models.DeviceID, eventType, message string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rollout_events (id, rollout_id, device_id, event_type, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), rolloutID, nullString(string(deviceID)), eventType, message, time.Now().UTC())
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to append rollout event")
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
