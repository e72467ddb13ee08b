package rollout

import (
	"time"

	"signalbeam.sh/internal/models"
)

// Status is the rollout lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for sticky end states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusFailed
}

// CanTransitionTo checks if a status transition is valid.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}

	switch s {
	case StatusPending:
		return target == StatusInProgress || target == StatusFailed
	case StatusInProgress:
		return target == StatusPaused ||
			target == StatusCompleted ||
			target == StatusRolledBack ||
			target == StatusFailed
	case StatusPaused:
		return target == StatusInProgress ||
			target == StatusRolledBack ||
			target == StatusFailed
	default:
		return false
	}
}

// PhaseStatus is the per-phase state.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// IsTerminal returns true for end states of a phase.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseSkipped
}

// AssignmentStatus is the per-device state within a rollout.
type AssignmentStatus string

const (
	AssignmentPending     AssignmentStatus = "pending"
	AssignmentAssigned    AssignmentStatus = "assigned"
	AssignmentReconciling AssignmentStatus = "reconciling"
	AssignmentSucceeded   AssignmentStatus = "succeeded"
	AssignmentFailed      AssignmentStatus = "failed"
	AssignmentSkipped     AssignmentStatus = "skipped"
)

// IsTerminal returns true when the device no longer counts as in-flight.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentSucceeded || s == AssignmentFailed || s == AssignmentSkipped
}

// Rollout is the central aggregate: one controlled, phased deployment
// of a bundle version to a frozen target device set.
//
// Phases and assignments reference their parent by ID, never by
// pointer; the aggregate is loaded and stored as rows.
type Rollout struct {
	ID              models.RolloutID `json:"id"`
	TenantID        models.TenantID  `json:"tenant_id"`
	BundleID        models.BundleID  `json:"bundle_id"`
	TargetVersion   string           `json:"target_version"`
	PreviousVersion string           `json:"previous_version,omitempty"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`

	Status           Status  `json:"status"`
	FailureThreshold float64 `json:"failure_threshold"`

	// CurrentPhaseNumber is 0 before start, the 1-based active phase
	// while running, and len(Phases)+1 after completion.
	CurrentPhaseNumber int `json:"current_phase_number"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is the optimistic-concurrency counter; every persisted
	// transition increments it.
	Version int64 `json:"-"`

	Phases []*Phase `json:"phases"`
}

// Phase is a contiguous slice of the rollout's target devices, advanced
// as a unit gated on health.
type Phase struct {
	ID          models.PhaseID   `json:"id"`
	RolloutID   models.RolloutID `json:"rollout_id"`
	PhaseNumber int              `json:"phase_number"`
	Name        string           `json:"name"`

	TargetDeviceCount int      `json:"target_device_count"`
	TargetPercentage  *float64 `json:"target_percentage,omitempty"`

	Status             PhaseStatus   `json:"status"`
	MinHealthyDuration time.Duration `json:"min_healthy_duration,omitempty"`

	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	StallAlerted bool       `json:"-"`

	Assignments []*DeviceAssignment `json:"device_assignments"`
}

// DeviceAssignment is one device's participation in one rollout phase.
// (rollout, device) is unique: a device joins at most one rollout at a
// time per tenant.
type DeviceAssignment struct {
	ID        models.AssignmentID `json:"id"`
	RolloutID models.RolloutID    `json:"rollout_id"`
	PhaseID   models.PhaseID      `json:"phase_id"`
	DeviceID  models.DeviceID     `json:"device_id"`

	Status       AssignmentStatus `json:"status"`
	RetryCount   int              `json:"retry_count"`
	ErrorMessage string           `json:"error_message,omitempty"`

	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	LastReportAt *time.Time `json:"last_report_at,omitempty"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
}

// CurrentPhase returns the active phase, or nil before start / after
// completion.
func (r *Rollout) CurrentPhase() *Phase {
	if r.CurrentPhaseNumber < 1 || r.CurrentPhaseNumber > len(r.Phases) {
		return nil
	}
	return r.Phases[r.CurrentPhaseNumber-1]
}

// FailureRate is the phase's cumulative failure fraction over devices
// that have reached a terminal outcome.
func (p *Phase) FailureRate() float64 {
	reported := p.SuccessCount + p.FailureCount
	if reported < 1 {
		reported = 1
	}
	return float64(p.FailureCount) / float64(reported)
}

// ReadyToAdvance reports whether the phase may complete: every device
// terminal, failure rate within threshold, and the minimum healthy
// duration elapsed.
func (p *Phase) ReadyToAdvance(threshold float64, now time.Time) bool {
	for _, a := range p.Assignments {
		if !a.Status.IsTerminal() {
			return false
		}
	}
	if p.FailureRate() > threshold {
		return false
	}
	if p.MinHealthyDuration > 0 {
		if p.StartedAt == nil || now.Sub(*p.StartedAt) < p.MinHealthyDuration {
			return false
		}
	}
	return true
}

// Progress summarizes assignment outcomes across all phases.
type Progress struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Assigned    int     `json:"assigned"`
	Reconciling int     `json:"reconciling"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Percentage  float64 `json:"percentage"`
}

// Progress computes the rollout-wide progress projection.
func (r *Rollout) Progress() Progress {
	var p Progress
	for _, phase := range r.Phases {
		for _, a := range phase.Assignments {
			p.Total++
			switch a.Status {
			case AssignmentPending:
				p.Pending++
			case AssignmentAssigned:
				p.Assigned++
			case AssignmentReconciling:
				p.Reconciling++
			case AssignmentSucceeded:
				p.Succeeded++
			case AssignmentFailed:
				p.Failed++
			case AssignmentSkipped:
				p.Skipped++
			}
		}
	}
	if p.Total > 0 {
		p.Percentage = 100 * float64(p.Succeeded+p.Failed+p.Skipped) / float64(p.Total)
	}
	return p
}

// FindAssignment locates a device's assignment across phases.
func (r *Rollout) FindAssignment(deviceID models.DeviceID) (*Phase, *DeviceAssignment) {
	for _, phase := range r.Phases {
		for _, a := range phase.Assignments {
			if a.DeviceID == deviceID {
				return phase, a
			}
		}
	}
	return nil, nil
}
