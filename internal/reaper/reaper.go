package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/assetlock"
	"github.com/maraxen/praxis/internal/history"
	"github.com/maraxen/praxis/internal/metrics"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/internal/reservation"
	"github.com/maraxen/praxis/pkg/log"
	"github.com/robfig/cron"
	"gorm.io/gorm"
)

// Reaper periodically reclaims lapsed asset locks and active
// reservations whose leases expired. A missed heartbeat is treated
// as holder death; this sweep is what keeps a crashed orchestrator
// from pinning assets forever.
type Reaper struct {
	db           *gorm.DB
	locks        *assetlock.Manager
	reservations *reservation.Store
	history      *history.Log
	schedule     cron.Schedule
}

func New(db *gorm.DB, locks *assetlock.Manager, reservations *reservation.Store, historyLog *history.Log, spec string) (*Reaper, error) {
	if db == nil || locks == nil || reservations == nil || historyLog == nil {
		panic("reaper requires all collaborators")
	}

	parser := cron.NewParser(
		cron.Minute |
			cron.Hour |
			cron.Dom |
			cron.Month |
			cron.Dow,
	)

	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, err
	}

	return &Reaper{
		db:           db,
		locks:        locks,
		reservations: reservations,
		history:      historyLog,
		schedule:     schedule,
	}, nil
}

// Run sweeps on the configured schedule until the context is
// cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		next := r.schedule.Next(time.Now())

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error("reaper sweep failure", "error", err)
		}
	}
}

// Sweep performs one reclamation pass.
func (r *Reaper) Sweep(ctx context.Context) error {
	reclaimed, err := r.locks.ReclaimExpired(ctx)
	if err != nil {
		return err
	}

	for _, assetID := range reclaimed {
		metrics.ReaperReclaimsTotal.WithLabelValues("lock").Inc()
		log.Warn("reclaimed expired asset lock", "asset_id", assetID)
	}

	expired, err := r.reservations.ReleaseExpired(ctx)
	if err != nil {
		return err
	}

	for _, res := range expired {
		metrics.ReaperReclaimsTotal.WithLabelValues("reservation").Inc()

		if err := r.history.Append(ctx, res.ScheduleEntryID, models.HistoryEventLockExpired, map[string]any{
			"asset_id":       res.AssetID.String(),
			"reservation_id": res.ID.String(),
		}); err != nil {
			return err
		}

		if err := r.failDeadHolder(ctx, res.ScheduleEntryID); err != nil {
			return err
		}

		log.Warn(
			"released expired reservation",
			"reservation_id", res.ID,
			"asset_id", res.AssetID,
			"entry_id", res.ScheduleEntryID,
		)
	}

	return nil
}

// failDeadHolder fails the run and entry behind an expired
// reservation. A live holder renews its leases on every heartbeat, so
// expiry means the orchestrator that owned the run is gone and the run
// will never reach a terminal state on its own.
func (r *Reaper) failDeadHolder(ctx context.Context, entryID uuid.UUID) error {
	now := time.Now().UTC()

	run := r.db.WithContext(ctx).Model(&models.ProtocolRun{}).
		Where(
			"schedule_entry_id = ? AND status NOT IN ?",
			entryID,
			[]models.RunStatus{models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled},
		).
		Updates(map[string]interface{}{
			"status":   models.RunStatusFailed,
			"error":    "asset lock lease expired",
			"ended_at": now,
		})
	if run.Error != nil {
		return run.Error
	}

	entry := r.db.WithContext(ctx).Model(&models.ScheduleEntry{}).
		Where(
			"id = ? AND status NOT IN ?",
			entryID,
			[]models.ScheduleEntryStatus{
				models.ScheduleEntryStatusCompleted,
				models.ScheduleEntryStatusFailed,
				models.ScheduleEntryStatusCancelled,
			},
		).
		Updates(map[string]interface{}{
			"status": models.ScheduleEntryStatusFailed,
			"reason": "asset lock lease expired",
		})
	if entry.Error != nil {
		return entry.Error
	}

	if run.RowsAffected == 0 && entry.RowsAffected == 0 {
		return nil
	}

	log.Warn("failed run of dead holder", "entry_id", entryID)

	return r.history.Append(ctx, entryID, models.HistoryEventRunFailed, map[string]any{
		"error": "asset lock lease expired",
	})
}
