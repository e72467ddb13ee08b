package rollout

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"signalbeam.sh/internal/config"
	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/events"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/resolver"
	"signalbeam.sh/internal/sberrors"
)

// maxPhases caps how many phases a single plan may carry.
const maxPhases = 10

// PhaseSpec describes one phase of a rollout plan. Percentage is the
// cumulative share of the target set covered once this phase completes.
type PhaseSpec struct {
	Name               string        `json:"name"`
	Percentage         float64       `json:"percentage"`
	MinHealthyDuration time.Duration `json:"min_healthy_duration,omitempty"`
}

// CreateRequest is the input to rollout planning.
type CreateRequest struct {
	TenantID        models.TenantID   `json:"tenant_id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	BundleID        models.BundleID   `json:"bundle_id"`
	TargetVersion   string            `json:"target_version"`
	PreviousVersion string            `json:"previous_version,omitempty"`
	Selector        resolver.Selector `json:"selector"`
	Phases          []PhaseSpec       `json:"phases"`

	// FailureThreshold in [0, 1]; nil applies the engine default.
	FailureThreshold *float64 `json:"failure_threshold,omitempty"`
	CreatedBy        string   `json:"created_by,omitempty"`
}

// Planner validates rollout requests and materializes them into frozen
// phase plans. The target set is resolved exactly once, at planning
// time; devices added to a matching group or tag later never join.
type Planner struct {
	db       *database.DB
	resolver *resolver.Resolver
	store    *Store
	cfg      *config.EngineConfig
	logger   *slog.Logger
}

// NewPlanner creates a rollout planner.
func NewPlanner(db *database.DB, res *resolver.Resolver, store *Store, cfg *config.EngineConfig) *Planner {
	return &Planner{
		db:       db,
		resolver: res,
		store:    store,
		cfg:      cfg,
		logger:   slog.Default().With("component", "rollout-planner"),
	}
}

// Create plans and persists a new rollout in Pending state.
func (p *Planner) Create(ctx context.Context, req CreateRequest) (*Rollout, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	if err := p.checkVersionPublished(ctx, req.TenantID, req.BundleID, req.TargetVersion); err != nil {
		return nil, err
	}

	devices, err := p.resolver.Expand(ctx, req.TenantID, req.Selector)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, sberrors.New(sberrors.ErrCodeValidation, "selector resolves to an empty device set")
	}

	if err := p.checkDevicesFree(ctx, req.TenantID, devices); err != nil {
		return nil, err
	}

	r := p.materialize(req, devices)

	if err := p.store.CreateRollout(ctx, r); err != nil {
		return nil, err
	}

	p.logger.Info("Rollout created",
		"rollout", r.ID,
		"tenant", r.TenantID,
		"bundle", r.BundleID,
		"version", r.TargetVersion,
		"devices", len(devices),
		"phases", len(r.Phases),
	)
	return r, nil
}

func (p *Planner) validate(req CreateRequest) error {
	if req.TenantID == "" {
		return sberrors.New(sberrors.ErrCodeValidation, "tenant id is required")
	}
	if req.Name == "" {
		return sberrors.New(sberrors.ErrCodeValidation, "rollout name is required")
	}
	if req.BundleID == "" {
		return sberrors.New(sberrors.ErrCodeValidation, "bundle id is required")
	}
	if err := models.ValidateSemver(req.TargetVersion); err != nil {
		return sberrors.Wrapf(err, sberrors.ErrCodeValidation, "invalid target version %q", req.TargetVersion)
	}
	if req.PreviousVersion != "" {
		if err := models.ValidateSemver(req.PreviousVersion); err != nil {
			return sberrors.Wrapf(err, sberrors.ErrCodeValidation, "invalid previous version %q", req.PreviousVersion)
		}
	}
	if len(req.Phases) == 0 {
		return sberrors.New(sberrors.ErrCodeValidation, "at least one phase is required")
	}
	if len(req.Phases) > maxPhases {
		return sberrors.Newf(sberrors.ErrCodeValidation,
			"a rollout supports at most %d phases, got %d", maxPhases, len(req.Phases))
	}

	prev := 0.0
	for i, ph := range req.Phases {
		if ph.Percentage <= 0 || ph.Percentage > 100 {
			return sberrors.Newf(sberrors.ErrCodeValidation,
				"phase %d percentage %.2f outside (0, 100]", i+1, ph.Percentage)
		}
		if ph.Percentage <= prev {
			return sberrors.Newf(sberrors.ErrCodeValidation,
				"phase percentages must be strictly increasing, got %.2f after %.2f", ph.Percentage, prev)
		}
		if ph.MinHealthyDuration < 0 {
			return sberrors.Newf(sberrors.ErrCodeValidation, "phase %d has negative min healthy duration", i+1)
		}
		prev = ph.Percentage
	}
	if req.Phases[len(req.Phases)-1].Percentage != 100 {
		return sberrors.New(sberrors.ErrCodeValidation, "final phase must cover 100% of the target set")
	}

	if req.FailureThreshold != nil {
		t := *req.FailureThreshold
		if t < 0 || t > 1 {
			return sberrors.Newf(sberrors.ErrCodeValidation, "failure threshold %.3f outside [0, 1]", t)
		}
	}
	return nil
}

func (p *Planner) checkVersionPublished(ctx context.Context, tenantID models.TenantID, bundleID models.BundleID, version string) error {
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT bv.status
		FROM bundle_versions bv
		JOIN bundles b ON b.id = bv.bundle_id
		WHERE bv.bundle_id = ? AND bv.version = ? AND b.tenant_id = ?
	`, bundleID, version, tenantID).Scan(&status)
	if err == sql.ErrNoRows {
		return sberrors.Newf(sberrors.ErrCodeNotFound, "bundle %s version %s not found", bundleID, version)
	}
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to look up bundle version")
	}
	if models.VersionStatus(status) != models.VersionStatusPublished {
		return sberrors.Newf(sberrors.ErrCodeValidation,
			"bundle %s version %s is %s, only published versions can roll out", bundleID, version, status)
	}
	return nil
}

// checkDevicesFree rejects the plan when any target device already sits
// in a non-terminal rollout. A device participates in at most one
// rollout at a time.
func (p *Planner) checkDevicesFree(ctx context.Context, tenantID models.TenantID, devices []models.DeviceID) error {
	for _, id := range devices {
		var rolloutID string
		err := p.db.QueryRowContext(ctx, `
			SELECT r.id
			FROM rollout_device_assignments a
			JOIN rollouts r ON r.id = a.rollout_id
			WHERE a.device_id = ?
			  AND r.tenant_id = ?
			  AND r.status IN (?, ?, ?)
			LIMIT 1
		`, id, tenantID, StatusPending, StatusInProgress, StatusPaused).Scan(&rolloutID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to check device availability")
		}
		return sberrors.Newf(sberrors.ErrCodeConflict,
			"device %s already participates in rollout %s", id, rolloutID)
	}
	return nil
}

// materialize slices the resolved device set into phases. Devices are
// already sorted lexicographically; each phase covers the half-open
// slice up to ceil(n * pct / 100), so the plan is deterministic for a
// given device set and phase list.
func (p *Planner) materialize(req CreateRequest, devices []models.DeviceID) *Rollout {
	now := time.Now().UTC()
	threshold := p.cfg.DefaultFailureThreshold
	if req.FailureThreshold != nil {
		threshold = *req.FailureThreshold
	}

	r := &Rollout{
		ID:               models.NewRolloutID(),
		TenantID:         req.TenantID,
		BundleID:         req.BundleID,
		TargetVersion:    req.TargetVersion,
		PreviousVersion:  req.PreviousVersion,
		Name:             req.Name,
		Description:      req.Description,
		CreatedBy:        req.CreatedBy,
		Status:           StatusPending,
		FailureThreshold: threshold,
		CreatedAt:        now,
		Version:          1,
	}

	n := len(devices)
	start := 0
	for i, spec := range req.Phases {
		end := int(math.Ceil(float64(n) * spec.Percentage / 100))
		if end > n {
			end = n
		}
		if end < start {
			end = start
		}

		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("phase-%d", i+1)
		}
		pct := spec.Percentage
		phase := &Phase{
			ID:                 models.NewPhaseID(),
			RolloutID:          r.ID,
			PhaseNumber:        i + 1,
			Name:               name,
			TargetDeviceCount:  end - start,
			TargetPercentage:   &pct,
			Status:             PhasePending,
			MinHealthyDuration: spec.MinHealthyDuration,
		}
		for _, deviceID := range devices[start:end] {
			phase.Assignments = append(phase.Assignments, &DeviceAssignment{
				ID:        models.NewAssignmentID(),
				RolloutID: r.ID,
				PhaseID:   phase.ID,
				DeviceID:  deviceID,
				Status:    AssignmentPending,
			})
		}
		r.Phases = append(r.Phases, phase)
		start = end
	}
	return r
}

func createdEvent(r *Rollout) (events.Event, error) {
	return events.New(events.SubjectRolloutCreated, events.RolloutEvent{
		RolloutID: r.ID,
		TenantID:  r.TenantID,
		BundleID:  r.BundleID,
		Version:   r.TargetVersion,
		Status:    string(r.Status),
	})
}
