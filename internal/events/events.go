package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"signalbeam.sh/internal/models"
)

// Bus subjects. The bus guarantees per-subject ordering for a given
// publisher; consumers must tolerate duplicates.
const (
	SubjectRolloutCreated       = "rollout.created"
	SubjectRolloutStarted       = "rollout.started"
	SubjectRolloutPhaseAdvanced = "rollout.phase-advanced"
	SubjectRolloutCompleted     = "rollout.completed"
	SubjectRolloutRolledBack    = "rollout.rolled-back"
	SubjectRolloutFailed        = "rollout.failed"

	SubjectDesiredStateChanged = "device.desired-state-changed"
	SubjectDeviceReported      = "device.reported-state"

	SubjectAlertRaised       = "alert.raised"
	SubjectAlertAcknowledged = "alert.acknowledged"
	SubjectAlertResolved     = "alert.resolved"
)

// RollbackReason explains why a rollout left the happy path.
type RollbackReason string

const (
	ReasonManual              RollbackReason = "manual"
	ReasonAutoThresholdBreach RollbackReason = "auto_threshold_breach"
	ReasonCancelled           RollbackReason = "cancelled"
)

// Event is one durable domain event, staged in the outbox before
// publication.
type Event struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an event, marshaling the payload eagerly so a bad payload
// fails at emission rather than in the relay.
func New(subject string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Subject:   subject,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// RolloutEvent is the payload for all rollout.* subjects.
type RolloutEvent struct {
	RolloutID   models.RolloutID `json:"rollout_id"`
	TenantID    models.TenantID  `json:"tenant_id"`
	BundleID    models.BundleID  `json:"bundle_id"`
	Version     string           `json:"version"`
	Status      string           `json:"status"`
	PhaseNumber int              `json:"phase_number,omitempty"`
	Reason      RollbackReason   `json:"reason,omitempty"`
}

// DesiredStateEvent is the payload for device.desired-state-changed.
type DesiredStateEvent struct {
	TenantID models.TenantID `json:"tenant_id"`
	DeviceID models.DeviceID `json:"device_id"`
	BundleID models.BundleID `json:"bundle_id,omitempty"`
	Version  string          `json:"version,omitempty"`
	Cleared  bool            `json:"cleared,omitempty"`
}

// DeviceReportEvent is the payload for device.reported-state.
type DeviceReportEvent struct {
	TenantID models.TenantID `json:"tenant_id"`
	DeviceID models.DeviceID `json:"device_id"`
	Version  string          `json:"version,omitempty"`
	Status   string          `json:"status"`
}

// AlertEvent is the payload for alert.* subjects.
type AlertEvent struct {
	AlertID  string           `json:"alert_id"`
	TenantID models.TenantID  `json:"tenant_id"`
	Type     string           `json:"type"`
	Severity string           `json:"severity"`
	Status   string           `json:"status"`
	DeviceID models.DeviceID  `json:"device_id,omitempty"`
	Rollout  models.RolloutID `json:"rollout_id,omitempty"`
}
