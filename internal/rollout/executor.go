package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signalbeam.sh/internal/alerting"
	"signalbeam.sh/internal/config"
	"signalbeam.sh/internal/desiredstate"
	"signalbeam.sh/internal/events"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/observability"
	"signalbeam.sh/internal/sberrors"
)

// Report is one agent state report routed into the engine.
type Report struct {
	DeviceID     models.DeviceID         `json:"device_id"`
	Version      string                  `json:"version,omitempty"`
	Status       models.DeploymentStatus `json:"status"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

// Executor drives rollouts through their lifecycle. All mutations of a
// given rollout funnel through a per-rollout actor goroutine, so two
// operations on the same rollout never interleave in-process; the
// store's version counter guards against concurrent writers elsewhere.
type Executor struct {
	store   *Store
	index   *desiredstate.Index
	alerts  *alerting.Engine
	cfg     *config.EngineConfig
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	mu     sync.Mutex
	actors map[models.RolloutID]*actor
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewExecutor creates a rollout executor. metrics may be nil.
func NewExecutor(store *Store, index *desiredstate.Index, alerts *alerting.Engine, cfg *config.EngineConfig, metrics *observability.MetricsCollector) *Executor {
	return &Executor{
		store:   store,
		index:   index,
		alerts:  alerts,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With("component", "rollout-executor"),
		actors:  make(map[models.RolloutID]*actor),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type task struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

type actor struct {
	rolloutID models.RolloutID
	ch        chan task
	closed    bool
}

func (e *Executor) runActor(a *actor) {
	defer e.wg.Done()
	for t := range a.ch {
		t.result <- t.fn(t.ctx)
	}
}

func (e *Executor) retire(id models.RolloutID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.actors[id]; ok {
		a.closed = true
		close(a.ch)
		delete(e.actors, id)
	}
}

// submit runs fn on the rollout's actor and waits for the result. The
// send happens under the executor mutex, so a concurrent retire can
// never close the channel out from under it; a retired actor is
// replaced with a fresh one on the next submit.
func (e *Executor) submit(ctx context.Context, id models.RolloutID, fn func(ctx context.Context) error) error {
	t := task{ctx: ctx, fn: fn, result: make(chan error, 1)}
	for {
		e.mu.Lock()
		a, ok := e.actors[id]
		if !ok || a.closed {
			a = &actor{rolloutID: id, ch: make(chan task, 16)}
			e.actors[id] = a
			e.wg.Add(1)
			go e.runActor(a)
		}
		var sent bool
		select {
		case a.ch <- t:
			sent = true
		default:
		}
		e.mu.Unlock()
		if sent {
			break
		}
		// Queue full; back off briefly before trying again.
		select {
		case <-ctx.Done():
			return sberrors.Wrap(ctx.Err(), sberrors.ErrCodeTimeout, "rollout actor queue full")
		case <-time.After(5 * time.Millisecond):
		}
	}
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return sberrors.Wrap(ctx.Err(), sberrors.ErrCodeTimeout, "rollout operation abandoned")
	}
}

// changes accumulates what a mutation wants persisted alongside Save.
type changes struct {
	dirty  bool
	audits []AuditRecord
	events []events.Event
}

func (c *changes) mark() { c.dirty = true }

func (c *changes) audit(deviceID models.DeviceID, eventType, message string) {
	c.audits = append(c.audits, AuditRecord{DeviceID: deviceID, EventType: eventType, Message: message})
}

func (c *changes) emit(subject string, payload any) error {
	evt, err := events.New(subject, payload)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to build event")
	}
	c.events = append(c.events, evt)
	return nil
}

// mutate loads the aggregate, applies fn, and saves, retrying the whole
// read-modify-write on version conflicts. Desired-state writes inside
// fn are idempotent, so replaying them on a retry is harmless.
func (e *Executor) mutate(ctx context.Context, tenantID models.TenantID, id models.RolloutID, fn func(ctx context.Context, r *Rollout, ch *changes) error) (*Rollout, error) {
	var result *Rollout
	err := e.submit(ctx, id, func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			r, err := e.store.GetRollout(ctx, tenantID, id)
			if err != nil {
				return err
			}

			ch := &changes{}
			if err := fn(ctx, r, ch); err != nil {
				return err
			}
			if !ch.dirty {
				result = r
				return nil
			}

			err = e.store.Save(ctx, r, ch.audits, ch.events...)
			if err == nil {
				result = r
				return nil
			}
			if sberrors.GetCode(err) == sberrors.ErrCodeConflict && attempt < e.cfg.MaxTickConflictRetries {
				if e.metrics != nil {
					e.metrics.RecordVersionConflict()
				}
				e.logger.Debug("Version conflict, retrying", "rollout", id, "attempt", attempt+1)
				continue
			}
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transition moves the rollout to a new lifecycle status after checking
// the step against the state machine.
func (e *Executor) transition(r *Rollout, to Status) error {
	if !r.Status.CanTransitionTo(to) {
		return sberrors.Newf(sberrors.ErrCodeConflict,
			"rollout %s cannot move from %s to %s", r.ID, r.Status, to)
	}
	r.Status = to
	e.recordTransition(to)
	return nil
}

// wake runs an immediate tick so a state change is acted on without
// waiting for the next scheduler interval. Failures only log; the
// periodic tick will catch up.
func (e *Executor) wake(ctx context.Context, tenantID models.TenantID, id models.RolloutID) {
	if err := e.Tick(ctx, tenantID, id); err != nil {
		e.logger.Error("Immediate tick failed", "rollout", id, "error", err)
	}
}

// Start moves a pending rollout into its first phase and assigns the
// phase's devices. Starting an already running rollout is a no-op.
func (e *Executor) Start(ctx context.Context, tenantID models.TenantID, id models.RolloutID) (*Rollout, error) {
	return e.mutate(ctx, tenantID, id, func(ctx context.Context, r *Rollout, ch *changes) error {
		switch r.Status {
		case StatusInProgress:
			return nil
		case StatusPending:
		default:
			return sberrors.Newf(sberrors.ErrCodeConflict, "cannot start rollout in status %s", r.Status)
		}

		now := e.now()
		if err := e.transition(r, StatusInProgress); err != nil {
			return err
		}
		r.StartedAt = &now
		r.CurrentPhaseNumber = 1
		if err := e.activatePhase(ctx, r, r.Phases[0]); err != nil {
			return err
		}

		ch.mark()
		ch.audit("", "started", fmt.Sprintf("phase 1 of %d activated", len(r.Phases)))
		e.logger.Info("Rollout started", "rollout", r.ID, "tenant", r.TenantID, "phases", len(r.Phases))
		return ch.emit(events.SubjectRolloutStarted, events.RolloutEvent{
			RolloutID:   r.ID,
			TenantID:    r.TenantID,
			BundleID:    r.BundleID,
			Version:     r.TargetVersion,
			Status:      string(r.Status),
			PhaseNumber: 1,
		})
	})
}

// Pause suspends an in-progress rollout. Devices already assigned keep
// reconciling and their reports are still processed; the rollout just
// stops advancing.
func (e *Executor) Pause(ctx context.Context, tenantID models.TenantID, id models.RolloutID) (*Rollout, error) {
	return e.mutate(ctx, tenantID, id, func(ctx context.Context, r *Rollout, ch *changes) error {
		if r.Status == StatusPaused {
			return nil
		}
		if r.Status != StatusInProgress {
			return sberrors.Newf(sberrors.ErrCodeConflict, "cannot pause rollout in status %s", r.Status)
		}
		if err := e.transition(r, StatusPaused); err != nil {
			return err
		}
		ch.mark()
		ch.audit("", "paused", "")
		e.logger.Info("Rollout paused", "rollout", r.ID)
		return nil
	})
}

// Resume returns a paused rollout to in-progress and reconciles it
// right away, so a phase that became ready while paused advances
// without waiting for the scheduler.
func (e *Executor) Resume(ctx context.Context, tenantID models.TenantID, id models.RolloutID) (*Rollout, error) {
	var resumed bool
	r, err := e.mutate(ctx, tenantID, id, func(ctx context.Context, r *Rollout, ch *changes) error {
		if r.Status == StatusInProgress {
			return nil
		}
		if r.Status != StatusPaused {
			return sberrors.Newf(sberrors.ErrCodeConflict, "cannot resume rollout in status %s", r.Status)
		}
		if err := e.transition(r, StatusInProgress); err != nil {
			return err
		}
		resumed = true
		ch.mark()
		ch.audit("", "resumed", "")
		e.logger.Info("Rollout resumed", "rollout", r.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resumed {
		e.wake(ctx, tenantID, id)
		return e.store.GetRollout(ctx, tenantID, id)
	}
	return r, nil
}

// Cancel abandons a rollout without touching devices: whatever state
// each device reached stays as is, remaining work is skipped, and the
// rollout lands in Failed.
func (e *Executor) Cancel(ctx context.Context, tenantID models.TenantID, id models.RolloutID) (*Rollout, error) {
	return e.mutate(ctx, tenantID, id, func(ctx context.Context, r *Rollout, ch *changes) error {
		if r.Status.IsTerminal() {
			return sberrors.Newf(sberrors.ErrCodeConflict, "cannot cancel rollout in status %s", r.Status)
		}

		now := e.now()
		for _, p := range r.Phases {
			for _, a := range p.Assignments {
				if !a.Status.IsTerminal() {
					a.Status = AssignmentSkipped
				}
			}
			if !p.Status.IsTerminal() {
				p.Status = PhaseSkipped
				p.CompletedAt = &now
			}
		}
		if err := e.transition(r, StatusFailed); err != nil {
			return err
		}
		r.CompletedAt = &now

		ch.mark()
		ch.audit("", "cancelled", "")
		e.logger.Info("Rollout cancelled", "rollout", r.ID)
		return ch.emit(events.SubjectRolloutFailed, events.RolloutEvent{
			RolloutID: r.ID,
			TenantID:  r.TenantID,
			BundleID:  r.BundleID,
			Version:   r.TargetVersion,
			Status:    string(r.Status),
			Reason:    events.ReasonCancelled,
		})
	})
}

// Rollback manually reverts an active rollout: every device that was
// pointed at the target version is reset to the previous version, or
// cleared when none is recorded.
func (e *Executor) Rollback(ctx context.Context, tenantID models.TenantID, id models.RolloutID) (*Rollout, error) {
	return e.mutate(ctx, tenantID, id, func(ctx context.Context, r *Rollout, ch *changes) error {
		if r.Status != StatusInProgress && r.Status != StatusPaused {
			return sberrors.Newf(sberrors.ErrCodeConflict, "cannot roll back rollout in status %s", r.Status)
		}
		return e.applyRollback(ctx, r, ch, events.ReasonManual)
	})
}

// RetryFailed gives one failed device another reconcile attempt, up to
// the configured retry budget. The rollout is reconciled immediately
// afterwards so the retry feeds back into phase health.
func (e *Executor) RetryFailed(ctx context.Context, tenantID models.TenantID, id models.RolloutID, deviceID models.DeviceID) (*Rollout, error) {
	_, err := e.mutate(ctx, tenantID, id, func(ctx context.Context, r *Rollout, ch *changes) error {
		if r.Status != StatusInProgress && r.Status != StatusPaused {
			return sberrors.Newf(sberrors.ErrCodeConflict, "cannot retry in rollout status %s", r.Status)
		}
		phase, a := r.FindAssignment(deviceID)
		if a == nil {
			return sberrors.Newf(sberrors.ErrCodeNotFound, "device %s is not part of rollout %s", deviceID, id)
		}
		if a.Status != AssignmentFailed {
			return sberrors.Newf(sberrors.ErrCodeConflict, "device %s is %s, only failed devices can retry", deviceID, a.Status)
		}
		if a.RetryCount >= e.cfg.MaxAssignmentRetries {
			return sberrors.Newf(sberrors.ErrCodeValidation,
				"device %s exhausted its %d retries", deviceID, e.cfg.MaxAssignmentRetries)
		}

		now := e.now()
		a.Status = AssignmentReconciling
		a.RetryCount++
		a.ErrorMessage = ""
		a.LastReportAt = &now
		if phase.FailureCount > 0 {
			phase.FailureCount--
		}

		if err := e.index.Set(ctx, r.TenantID, deviceID, r.BundleID, r.TargetVersion, "rollout:"+r.ID.String()); err != nil {
			return err
		}

		ch.mark()
		ch.audit(deviceID, "retry", fmt.Sprintf("attempt %d of %d", a.RetryCount, e.cfg.MaxAssignmentRetries))
		e.logger.Info("Assignment retried", "rollout", r.ID, "device", deviceID, "attempt", a.RetryCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.wake(ctx, tenantID, id)
	return e.store.GetRollout(ctx, tenantID, id)
}

// HandleDeviceReport routes an agent report into the device's active
// rollout, if any, and keeps the desired-state projection current.
// Reports are processed while the rollout is paused too; pausing stops
// advancement, not observation.
func (e *Executor) HandleDeviceReport(ctx context.Context, tenantID models.TenantID, report Report) error {
	if e.metrics != nil {
		e.metrics.RecordAgentReport(string(report.Status))
	}
	if err := e.index.SetStatus(ctx, tenantID, report.DeviceID, report.Status); err != nil {
		e.logger.Warn("Failed to project deployment status", "device", report.DeviceID, "error", err)
	}

	rolloutID, err := e.store.FindActiveRolloutForDevice(ctx, tenantID, report.DeviceID)
	if err != nil {
		if sberrors.GetCode(err) == sberrors.ErrCodeNotFound {
			// No rollout to fold the report into; the observation still
			// goes out on the bus.
			evt, eerr := events.New(events.SubjectDeviceReported, events.DeviceReportEvent{
				TenantID: tenantID,
				DeviceID: report.DeviceID,
				Version:  report.Version,
				Status:   string(report.Status),
			})
			if eerr != nil {
				return sberrors.Wrap(eerr, sberrors.ErrCodeInternal, "failed to build event")
			}
			return e.store.StageEvent(ctx, evt)
		}
		return err
	}

	_, err = e.mutate(ctx, tenantID, rolloutID, func(ctx context.Context, r *Rollout, ch *changes) error {
		return e.applyReport(r, ch, report)
	})
	if err != nil {
		return err
	}
	// Reconcile right away instead of waiting for the scheduler; a
	// report can complete a phase or breach the failure threshold.
	e.wake(ctx, tenantID, rolloutID)
	return nil
}

func (e *Executor) applyReport(r *Rollout, ch *changes, report Report) error {
	phase, a := r.FindAssignment(report.DeviceID)
	if a == nil {
		return nil
	}

	now := e.now()
	a.LastReportAt = &now
	ch.mark()
	if err := ch.emit(events.SubjectDeviceReported, events.DeviceReportEvent{
		TenantID: r.TenantID,
		DeviceID: report.DeviceID,
		Version:  report.Version,
		Status:   string(report.Status),
	}); err != nil {
		return err
	}

	if a.Status.IsTerminal() {
		// Late or duplicate report; keep the timestamp, nothing else.
		return nil
	}

	switch report.Status {
	case models.DeploymentStatusReconciling:
		if a.Status == AssignmentAssigned {
			a.Status = AssignmentReconciling
		}

	case models.DeploymentStatusSucceeded:
		if a.Status != AssignmentAssigned && a.Status != AssignmentReconciling {
			// The device's phase has not activated yet; a pending
			// assignment only records the observation.
			return nil
		}
		if report.Version != r.TargetVersion {
			// Stale success for a prior version; the device has not
			// reconciled this rollout yet.
			return nil
		}
		a.Status = AssignmentSucceeded
		a.ReconciledAt = &now
		a.ErrorMessage = ""
		phase.SuccessCount++
		e.recordOutcome(AssignmentSucceeded)
		ch.audit(report.DeviceID, "device_succeeded", report.Version)

	case models.DeploymentStatusFailed:
		if a.Status != AssignmentAssigned && a.Status != AssignmentReconciling {
			return nil
		}
		a.Status = AssignmentFailed
		a.ErrorMessage = report.ErrorMessage
		phase.FailureCount++
		e.recordOutcome(AssignmentFailed)
		ch.audit(report.DeviceID, "device_failed", report.ErrorMessage)
		e.logger.Warn("Device reported failure",
			"rollout", r.ID, "device", report.DeviceID, "error", report.ErrorMessage)
	}
	return nil
}

// Tick reconciles one rollout: fails silent devices, enforces the
// failure threshold, raises health alerts, and advances the phase when
// it is ready. A tick that changes nothing persists nothing.
func (e *Executor) Tick(ctx context.Context, tenantID models.TenantID, id models.RolloutID) error {
	start := time.Now()
	var advanced bool
	_, err := e.mutate(ctx, tenantID, id, func(ctx context.Context, r *Rollout, ch *changes) error {
		a, err := e.tick(ctx, r, ch)
		advanced = a
		return err
	})
	if e.metrics != nil {
		result := "quiescent"
		switch {
		case err != nil:
			result = "error"
		case advanced:
			result = "advanced"
		}
		e.metrics.RecordTick(result, time.Since(start))
	}
	return err
}

func (e *Executor) tick(ctx context.Context, r *Rollout, ch *changes) (bool, error) {
	if r.Status != StatusInProgress {
		return false, nil
	}
	phase := r.CurrentPhase()
	if phase == nil {
		return false, nil
	}
	now := e.now()

	// Devices that stopped reporting mid-reconcile count as failures.
	for _, a := range phase.Assignments {
		if a.Status != AssignmentAssigned && a.Status != AssignmentReconciling {
			continue
		}
		last := a.AssignedAt
		if a.LastReportAt != nil {
			last = a.LastReportAt
		}
		if last != nil && now.Sub(*last) > e.cfg.HeartbeatDeadline {
			a.Status = AssignmentFailed
			a.ErrorMessage = "heartbeat deadline exceeded"
			phase.FailureCount++
			ch.mark()
			ch.audit(a.DeviceID, "device_failed", a.ErrorMessage)
			e.recordOutcome(AssignmentFailed)
			e.logger.Warn("Device went silent", "rollout", r.ID, "device", a.DeviceID)
		}
	}

	rate := phase.FailureRate()
	if rate > r.FailureThreshold {
		phase.Status = PhaseFailed
		phase.CompletedAt = &now
		if err := e.applyRollback(ctx, r, ch, events.ReasonAutoThresholdBreach); err != nil {
			return false, err
		}
		// Only alert once the rollback itself went through; a failed
		// rollback must not report the rollout as already reverted.
		e.raiseAlert(ctx, alerting.Signal{
			TenantID:    r.TenantID,
			Severity:    alerting.SeverityCritical,
			Type:        alerting.TypeRolloutFailed,
			Title:       fmt.Sprintf("Rollout %s rolled back automatically", r.Name),
			Description: fmt.Sprintf("phase %d failure rate %.1f%% exceeded threshold %.1f%%", phase.PhaseNumber, rate*100, r.FailureThreshold*100),
			RolloutID:   r.ID,
		})
		return true, nil
	}

	// Early warning once the rate crosses half the budget.
	if r.FailureThreshold > 0 && phase.FailureCount > 0 && rate > r.FailureThreshold/2 {
		e.raiseAlert(ctx, alerting.Signal{
			TenantID:    r.TenantID,
			Severity:    alerting.SeverityWarning,
			Type:        alerting.TypeHighFailureRate,
			Title:       fmt.Sprintf("Rollout %s failure rate climbing", r.Name),
			Description: fmt.Sprintf("phase %d failure rate %.1f%% against threshold %.1f%%", phase.PhaseNumber, rate*100, r.FailureThreshold*100),
			RolloutID:   r.ID,
		})
	}

	if !phase.StallAlerted && phase.StartedAt != nil && now.Sub(*phase.StartedAt) > e.cfg.StallAlertAfter {
		phase.StallAlerted = true
		ch.mark()
		e.raiseAlert(ctx, alerting.Signal{
			TenantID:    r.TenantID,
			Severity:    alerting.SeverityWarning,
			Type:        alerting.TypeRolloutStalled,
			Title:       fmt.Sprintf("Rollout %s stalled", r.Name),
			Description: fmt.Sprintf("phase %d in progress since %s", phase.PhaseNumber, phase.StartedAt.Format(time.RFC3339)),
			RolloutID:   r.ID,
		})
	}

	if !phase.ReadyToAdvance(r.FailureThreshold, now) {
		return false, nil
	}

	phase.Status = PhaseCompleted
	phase.CompletedAt = &now
	ch.mark()

	if r.CurrentPhaseNumber == len(r.Phases) {
		if err := e.transition(r, StatusCompleted); err != nil {
			return false, err
		}
		r.CompletedAt = &now
		r.CurrentPhaseNumber++
		ch.audit("", "completed", "")
		e.logger.Info("Rollout completed", "rollout", r.ID, "tenant", r.TenantID)
		return true, ch.emit(events.SubjectRolloutCompleted, events.RolloutEvent{
			RolloutID: r.ID,
			TenantID:  r.TenantID,
			BundleID:  r.BundleID,
			Version:   r.TargetVersion,
			Status:    string(r.Status),
		})
	}

	r.CurrentPhaseNumber++
	next := r.CurrentPhase()
	if err := e.activatePhase(ctx, r, next); err != nil {
		return false, err
	}
	ch.audit("", "phase_advanced", fmt.Sprintf("phase %d activated", next.PhaseNumber))
	e.logger.Info("Rollout phase advanced", "rollout", r.ID, "phase", next.PhaseNumber)
	return true, ch.emit(events.SubjectRolloutPhaseAdvanced, events.RolloutEvent{
		RolloutID:   r.ID,
		TenantID:    r.TenantID,
		BundleID:    r.BundleID,
		Version:     r.TargetVersion,
		Status:      string(r.Status),
		PhaseNumber: next.PhaseNumber,
	})
}

// activatePhase marks a phase in progress and points its devices at the
// target version.
func (e *Executor) activatePhase(ctx context.Context, r *Rollout, phase *Phase) error {
	now := e.now()
	phase.Status = PhaseInProgress
	phase.StartedAt = &now
	for _, a := range phase.Assignments {
		if a.Status != AssignmentPending {
			continue
		}
		a.Status = AssignmentAssigned
		a.AssignedAt = &now
		if err := e.index.Set(ctx, r.TenantID, a.DeviceID, r.BundleID, r.TargetVersion, "rollout:"+r.ID.String()); err != nil {
			return err
		}
	}
	return nil
}

// applyRollback reverts devices and finalizes the aggregate. Every
// device whose phase activated was pointed at the target, whatever it
// reported since; they all go back to the previous version, or lose
// their desired state when the rollout recorded none. Pending
// assignments never had a desired state written.
func (e *Executor) applyRollback(ctx context.Context, r *Rollout, ch *changes, reason events.RollbackReason) error {
	now := e.now()

	for _, p := range r.Phases {
		for _, a := range p.Assignments {
			switch a.Status {
			case AssignmentAssigned, AssignmentReconciling, AssignmentSucceeded, AssignmentFailed:
				if r.PreviousVersion != "" {
					if err := e.index.Set(ctx, r.TenantID, a.DeviceID, r.BundleID, r.PreviousVersion, "rollback:"+r.ID.String()); err != nil {
						return err
					}
				} else {
					if err := e.index.Clear(ctx, r.TenantID, a.DeviceID); err != nil {
						return err
					}
				}
			}
			if !a.Status.IsTerminal() {
				a.Status = AssignmentSkipped
			}
		}
		if !p.Status.IsTerminal() {
			p.Status = PhaseSkipped
			p.CompletedAt = &now
		}
	}

	if err := e.transition(r, StatusRolledBack); err != nil {
		return err
	}
	r.CompletedAt = &now
	ch.mark()
	ch.audit("", "rolled_back", string(reason))
	if e.metrics != nil {
		e.metrics.RecordRollback(string(reason))
	}
	e.logger.Warn("Rollout rolled back", "rollout", r.ID, "reason", reason)
	return ch.emit(events.SubjectRolloutRolledBack, events.RolloutEvent{
		RolloutID: r.ID,
		TenantID:  r.TenantID,
		BundleID:  r.BundleID,
		Version:   r.TargetVersion,
		Status:    string(r.Status),
		Reason:    reason,
	})
}

// Run drives the tick scheduler until the context is cancelled, then
// drains the actors.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.tickAll(ctx)
		}
	}
}

func (e *Executor) tickAll(ctx context.Context) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		e.logger.Error("Failed to list active rollouts", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.SetActiveRollouts(len(active))
	}

	// Retire actors for rollouts that reached a terminal status.
	e.mu.Lock()
	var stale []models.RolloutID
	for id := range e.actors {
		if _, ok := active[id]; !ok {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()
	for _, id := range stale {
		e.retire(id)
	}

	for id, tenant := range active {
		tickCtx, cancel := context.WithTimeout(ctx, e.cfg.TickDeadline)
		if err := e.Tick(tickCtx, tenant, id); err != nil {
			e.logger.Error("Tick failed", "rollout", id, "error", err)
		}
		cancel()
	}
}

func (e *Executor) shutdown() {
	e.mu.Lock()
	for id, a := range e.actors {
		a.closed = true
		close(a.ch)
		delete(e.actors, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) raiseAlert(ctx context.Context, sig alerting.Signal) {
	if e.alerts == nil {
		return
	}
	if _, err := e.alerts.Raise(ctx, sig); err != nil {
		e.logger.Error("Failed to raise alert", "type", sig.Type, "error", err)
	}
}

func (e *Executor) recordTransition(to Status) {
	if e.metrics != nil {
		e.metrics.RecordRolloutTransition(string(to))
	}
}

func (e *Executor) recordOutcome(s AssignmentStatus) {
	if e.metrics != nil {
		e.metrics.RecordAssignmentOutcome(string(s))
	}
}
