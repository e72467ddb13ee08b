package alerting

import (
	"time"

	"signalbeam.sh/internal/models"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Type identifies the condition an alert reports. Types participate in
// deduplication: one active alert per (tenant, type, device).
type Type string

const (
	// TypeRolloutFailed fires when a rollout auto-rolls back.
	TypeRolloutFailed Type = "rollout_failed"
	// TypeRolloutStalled fires when a phase stays in progress past the
	// stall deadline.
	TypeRolloutStalled Type = "rollout_stalled"
	// TypeHighFailureRate fires when a phase's failure rate crosses
	// half the rollout threshold, before rollback triggers.
	TypeHighFailureRate Type = "high_failure_rate"
)

// Status is the alert lifecycle state. Resolved is terminal; a repeated
// signal after resolution opens a fresh active alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Alert is one deduplicated alert record.
type Alert struct {
	ID          string           `json:"id"`
	TenantID    models.TenantID  `json:"tenant_id"`
	Severity    Severity         `json:"severity"`
	Type        Type             `json:"type"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	DeviceID    models.DeviceID  `json:"device_id,omitempty"`
	RolloutID   models.RolloutID `json:"rollout_id,omitempty"`
	Status      Status           `json:"status"`

	CreatedAt      time.Time  `json:"created_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Signal is the input to the engine: the condition observed, before
// deduplication.
type Signal struct {
	TenantID    models.TenantID
	Severity    Severity
	Type        Type
	Title       string
	Description string
	DeviceID    models.DeviceID
	RolloutID   models.RolloutID
}
