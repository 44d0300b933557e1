package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/assetlock"
	"github.com/maraxen/praxis/internal/event"
	"github.com/maraxen/praxis/internal/history"
	"github.com/maraxen/praxis/internal/metrics"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/internal/protocol"
	"github.com/maraxen/praxis/internal/registry"
	"github.com/maraxen/praxis/internal/scheduler"
	"github.com/maraxen/praxis/pkg/log"
	"gorm.io/gorm"
)

const defaultStepTimeout = 10 * time.Minute

// Orchestrator drives one admitted entry through the run state
// machine: PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED},
// with RUNNING <-> PAUSED as a reversible side transition.
type Orchestrator struct {
	db          *gorm.DB
	registry    *registry.Registry
	locks       *assetlock.Manager
	history     *history.Log
	protocols   *protocol.Store
	bus         event.Bus
	control     *Controller
	stepTimeout time.Duration
	lockTTL     time.Duration
}

func New(
	db *gorm.DB,
	reg *registry.Registry,
	locks *assetlock.Manager,
	historyLog *history.Log,
	protocols *protocol.Store,
	bus event.Bus,
	control *Controller,
	stepTimeout time.Duration,
	lockTTL time.Duration,
) *Orchestrator {
	if db == nil || reg == nil || locks == nil || historyLog == nil || protocols == nil || bus == nil || control == nil {
		panic("orchestrator requires all collaborators")
	}
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}

	return &Orchestrator{
		db:          db,
		registry:    reg,
		locks:       locks,
		history:     historyLog,
		protocols:   protocols,
		bus:         bus,
		control:     control,
		stepTimeout: stepTimeout,
		lockTTL:     lockTTL,
	}
}

// Controller exposes the pause/resume/cancel surface for runs this
// orchestrator executes.
func (o *Orchestrator) Controller() *Controller {
	return o.control
}

type outcome struct {
	status models.RunStatus
	err    error
}

// Execute processes one task queue message end to end. It is the
// TaskExecutor handed to the worker pool.
func (o *Orchestrator) Execute(ctx context.Context, msg scheduler.Message) {
	entry := &models.ScheduleEntry{}
	if err := o.db.WithContext(ctx).First(entry, "id = ?", msg.ScheduleEntryID).Error; err != nil {
		log.Error("failed to load schedule entry", "entry_id", msg.ScheduleEntryID, "error", err)
		return
	}

	if entry.Status != models.ScheduleEntryStatusAdmitted {
		log.Warn("skipping entry not in admitted state", "entry_id", entry.ID, "status", entry.Status)
		return
	}

	run := &models.ProtocolRun{
		ID:              uuid.New(),
		ScheduleEntryID: entry.ID,
		Status:          models.RunStatusPending,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := o.db.WithContext(ctx).Create(run).Error; err != nil {
		log.Error("failed to create protocol run", "entry_id", entry.ID, "error", err)
		return
	}

	ctl := o.control.register(run.ID)
	defer o.control.drop(run.ID)

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	result := o.run(ctx, entry, run, ctl)
	o.finalize(ctx, entry, run, result)
}

// run executes the protocol steps. A panic anywhere inside resolves
// to a FAILED outcome so finalize still releases every reservation.
func (o *Orchestrator) run(ctx context.Context, entry *models.ScheduleEntry, run *models.ProtocolRun, ctl *runControl) (result outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("run panicked", "run_id", run.ID, "panic", p)
			result = outcome{status: models.RunStatusFailed, err: fmt.Errorf("step dispatch panic: %v", p)}
		}
	}()

	_, def, err := o.protocols.Get(ctx, entry.ProtocolRef)
	if err != nil {
		return outcome{status: models.RunStatusFailed, err: err}
	}

	if _, err := o.registry.AcquireHandles(ctx, entry.ID); err != nil {
		return outcome{status: models.RunStatusFailed, err: err}
	}

	if err := o.markRunning(ctx, entry, run); err != nil {
		return outcome{status: models.RunStatusFailed, err: err}
	}

	// Heartbeat keeps the asset leases alive while the run is live.
	// A missed renewal means the locks may have been reclaimed; the
	// run fails at the next yield point rather than mid-step.
	var lockLost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeat(hbCtx, entry, &lockLost)

	targets := func(refs []string) ([]uuid.UUID, error) {
		ids := make([]uuid.UUID, 0, len(refs))
		for _, ref := range refs {
			raw, ok := entry.AssignedAssets[ref].(string)
			if !ok {
				return nil, fmt.Errorf("no assigned asset for ref %q", ref)
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	for i, step := range def.Steps {
		sequence := i + 1

		cancelled := ctl.yield(
			func() { o.markPaused(ctx, run) },
			func() { o.markResumed(ctx, run) },
		)
		if cancelled {
			return outcome{status: models.RunStatusCancelled}
		}

		if lockLost.Load() {
			return outcome{
				status: models.RunStatusFailed,
				err:    errors.New("asset lock lease lost during execution"),
			}
		}

		stateBefore, err := o.registry.Snapshot(ctx, entry.ID)
		if err != nil {
			return outcome{status: models.RunStatusFailed, err: err}
		}

		o.publish(event.TypeStepStarted, run, entry, sequence, map[string]any{
			"step": step.Name,
		})

		stepIDs, err := targets(step.Targets)
		if err != nil {
			return o.failStep(ctx, run, entry, sequence, step, stateBefore, err)
		}

		timeout := o.stepTimeout
		if step.Timeout > 0 {
			timeout = time.Duration(step.Timeout)
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)

		started := time.Now()
		stepResult, execErr := o.registry.Execute(stepCtx, entry.ID, &registry.ExecuteRequest{
			Function:   step.Name,
			Kind:       string(step.Kind),
			Targets:    stepIDs,
			Parameters: step.Parameters,
		})
		cancel()

		metrics.StepDurationSeconds.WithLabelValues(string(step.Kind)).
			Observe(time.Since(started).Seconds())

		if execErr != nil {
			if errors.Is(execErr, context.DeadlineExceeded) {
				execErr = fmt.Errorf("step %q timed out after %s", step.Name, timeout)
			}
			return o.failStep(ctx, run, entry, sequence, step, stateBefore, execErr)
		}

		stateAfter, err := o.registry.Snapshot(ctx, entry.ID)
		if err != nil {
			return o.failStep(ctx, run, entry, sequence, step, stateBefore, err)
		}

		if _, err := o.history.AppendCall(ctx, run.ID, history.Call{
			Function:    step.Name,
			Arguments:   step.Parameters,
			StateBefore: stateBefore,
			StateAfter:  stateAfter,
			Status:      models.CallStatusOK,
		}); err != nil {
			return outcome{status: models.RunStatusFailed, err: err}
		}

		metrics.StepsTotal.WithLabelValues("ok").Inc()
		o.publish(event.TypeStepCompleted, run, entry, sequence, map[string]any{
			"step":   step.Name,
			"result": stepResult,
		})
	}

	return outcome{status: models.RunStatusCompleted}
}

// failStep records the failing call and resolves the run to FAILED.
// History for the steps that already succeeded is preserved.
func (o *Orchestrator) failStep(
	ctx context.Context,
	run *models.ProtocolRun,
	entry *models.ScheduleEntry,
	sequence int,
	step protocol.Step,
	stateBefore map[string]any,
	stepErr error,
) outcome {
	if _, err := o.history.AppendCall(ctx, run.ID, history.Call{
		Function:    step.Name,
		Arguments:   step.Parameters,
		StateBefore: stateBefore,
		Status:      models.CallStatusError,
		ErrorDetail: stepErr.Error(),
	}); err != nil {
		log.Error("failed to persist step failure", "run_id", run.ID, "error", err)
	}

	metrics.StepsTotal.WithLabelValues("error").Inc()
	o.publish(event.TypeStepFailed, run, entry, sequence, map[string]any{
		"step":  step.Name,
		"error": stepErr.Error(),
	})

	return outcome{status: models.RunStatusFailed, err: stepErr}
}

// finalize applies the terminal transition and always releases the
// entry's handles, reservations, and locks — even after a panic or a
// failed acquisition.
func (o *Orchestrator) finalize(ctx context.Context, entry *models.ScheduleEntry, run *models.ProtocolRun, result outcome) {
	if err := o.registry.ReleaseHandles(ctx, entry.ID); err != nil {
		log.Error("failed to release handles", "entry_id", entry.ID, "error", err)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":   result.status,
		"ended_at": now,
	}
	if result.err != nil {
		updates["error"] = result.err.Error()
	}

	// Terminal states are absorbing; the guard keeps a late writer
	// from resurrecting a finished run.
	updateResult := o.db.WithContext(ctx).
		Model(&models.ProtocolRun{}).
		Where(
			"id = ? AND status NOT IN ?",
			run.ID,
			[]models.RunStatus{models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled},
		).
		Updates(updates)
	if updateResult.Error != nil {
		log.Error("failed to finalize run", "run_id", run.ID, "error", updateResult.Error)
		return
	}
	if updateResult.RowsAffected == 0 {
		return
	}

	entryStatus := map[models.RunStatus]models.ScheduleEntryStatus{
		models.RunStatusCompleted: models.ScheduleEntryStatusCompleted,
		models.RunStatusFailed:    models.ScheduleEntryStatusFailed,
		models.RunStatusCancelled: models.ScheduleEntryStatusCancelled,
	}[result.status]

	entryUpdates := map[string]interface{}{"status": entryStatus}
	if result.err != nil {
		entryUpdates["reason"] = result.err.Error()
	}
	if err := o.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Updates(entryUpdates).Error; err != nil {
		log.Error("failed to finalize schedule entry", "entry_id", entry.ID, "error", err)
	}

	eventType := map[models.RunStatus]event.Type{
		models.RunStatusCompleted: event.TypeRunCompleted,
		models.RunStatusFailed:    event.TypeRunFailed,
		models.RunStatusCancelled: event.TypeRunCancelled,
	}[result.status]

	historyType := map[models.RunStatus]models.HistoryEventType{
		models.RunStatusCompleted: models.HistoryEventRunCompleted,
		models.RunStatusFailed:    models.HistoryEventRunFailed,
		models.RunStatusCancelled: models.HistoryEventRunCancelled,
	}[result.status]

	payload := map[string]any{"run_id": run.ID.String()}
	if result.err != nil {
		payload["error"] = result.err.Error()
	}

	if err := o.history.Append(ctx, entry.ID, historyType, payload); err != nil {
		log.Error("failed to append run history", "entry_id", entry.ID, "error", err)
	}
	if err := o.history.Append(ctx, entry.ID, models.HistoryEventReleased, nil); err != nil {
		log.Error("failed to append release history", "entry_id", entry.ID, "error", err)
	}

	o.publish(eventType, run, entry, 0, payload)

	metrics.RunsTotal.WithLabelValues(string(result.status)).Inc()
	if run.StartedAt != nil {
		metrics.RunDurationSeconds.WithLabelValues(string(result.status)).
			Observe(now.Sub(*run.StartedAt).Seconds())
	}
}

func (o *Orchestrator) markRunning(ctx context.Context, entry *models.ScheduleEntry, run *models.ProtocolRun) error {
	now := time.Now().UTC()

	err := o.db.WithContext(ctx).
		Model(&models.ProtocolRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":     models.RunStatusRunning,
			"started_at": now,
		}).Error
	if err != nil {
		return err
	}
	run.StartedAt = &now

	err = o.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Update("status", models.ScheduleEntryStatusRunning).Error
	if err != nil {
		return err
	}

	if err := o.history.Append(ctx, entry.ID, models.HistoryEventRunStarted, map[string]any{
		"run_id": run.ID.String(),
	}); err != nil {
		return err
	}

	o.publish(event.TypeRunStarted, run, entry, 0, nil)
	return nil
}

func (o *Orchestrator) markPaused(ctx context.Context, run *models.ProtocolRun) {
	err := o.db.WithContext(ctx).
		Model(&models.ProtocolRun{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusRunning).
		Update("status", models.RunStatusPaused).Error
	if err != nil {
		log.Error("failed to persist pause", "run_id", run.ID, "error", err)
	}

	o.bus.Publish(event.Event{Type: event.TypeRunPaused, RunID: run.ID, EntryID: run.ScheduleEntryID})
}

func (o *Orchestrator) markResumed(ctx context.Context, run *models.ProtocolRun) {
	err := o.db.WithContext(ctx).
		Model(&models.ProtocolRun{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusPaused).
		Update("status", models.RunStatusRunning).Error
	if err != nil {
		log.Error("failed to persist resume", "run_id", run.ID, "error", err)
	}

	o.bus.Publish(event.Event{Type: event.TypeRunResumed, RunID: run.ID, EntryID: run.ScheduleEntryID})
}

// heartbeat renews every lock held by the entry at a third of the
// lease TTL. On a lost lease it flags the run and stops; the step
// loop fails the run at its next yield point.
func (o *Orchestrator) heartbeat(ctx context.Context, entry *models.ScheduleEntry, lockLost *atomic.Bool) {
	holder := entry.ID.String()

	locks := make([]*assetlock.Lock, 0, len(entry.AssignedAssets))
	for _, assetID := range entry.AssignedAssetIDs() {
		lock, err := o.locks.Lookup(ctx, assetID, holder)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to look up asset lock", "asset_id", assetID, "error", err)
			}
			continue
		}
		if lock == nil {
			lockLost.Store(true)
			return
		}
		locks = append(locks, lock)
	}

	if len(locks) == 0 {
		return
	}

	interval := o.lockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, lock := range locks {
				if err := o.locks.Renew(ctx, lock); err != nil {
					if errors.Is(err, assetlock.ErrExpired) {
						lockLost.Store(true)
						return
					}
					if ctx.Err() == nil {
						log.Error("asset lock renewal failure", "asset_id", lock.AssetID, "error", err)
					}
					continue
				}

				if err := o.registry.ExtendReservation(ctx, entry.ID, lock.AssetID, lock.ExpiresAt); err != nil && ctx.Err() == nil {
					log.Error("reservation lease extension failure", "asset_id", lock.AssetID, "error", err)
				}
			}
		}
	}
}

func (o *Orchestrator) publish(eventType event.Type, run *models.ProtocolRun, entry *models.ScheduleEntry, sequence int, payload map[string]any) {
	e := event.Event{
		Type:     eventType,
		RunID:    run.ID,
		EntryID:  entry.ID,
		Sequence: sequence,
	}

	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}

	o.bus.Publish(e)
}
