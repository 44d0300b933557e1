package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/assetlock"
	"github.com/maraxen/praxis/internal/history"
	"github.com/maraxen/praxis/internal/metrics"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/internal/protocol"
	"github.com/maraxen/praxis/internal/reservation"
	"github.com/maraxen/praxis/pkg/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultRetryCeiling   = 8
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffCeiling = 30 * time.Second
	defaultLockTTL        = 5 * time.Minute
	defaultClaimTTL       = time.Minute
)

// ReasonReservationTimeout marks entries failed after exhausting the
// reservation retry ceiling.
const ReasonReservationTimeout = "reservation timeout: retry ceiling exceeded"

// Config tunes one scheduler instance.
type Config struct {
	LockTTL        time.Duration
	PollInterval   time.Duration
	RetryCeiling   int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	ClaimTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = defaultRetryCeiling
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = defaultBackoffCeiling
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaultClaimTTL
	}
	return c
}

// Scheduler turns queued schedule entries into sets of exclusively
// held asset reservations, or fails them fast. Multiple scheduler
// instances may run concurrently; correctness rests on the lock
// manager and the sorted acquisition order, not on in-process
// coordination.
type Scheduler struct {
	db           *gorm.DB
	locks        *assetlock.Manager
	reservations *reservation.Store
	protocols    *protocol.Store
	history      *history.Log
	queue        *Queue
	cfg          Config
}

func New(
	db *gorm.DB,
	locks *assetlock.Manager,
	reservations *reservation.Store,
	protocols *protocol.Store,
	historyLog *history.Log,
	queue *Queue,
	cfg Config,
) *Scheduler {
	if db == nil || locks == nil || reservations == nil || protocols == nil || historyLog == nil || queue == nil {
		panic("scheduler requires all collaborators")
	}

	return &Scheduler{
		db:           db,
		locks:        locks,
		reservations: reservations,
		protocols:    protocols,
		history:      historyLog,
		queue:        queue,
		cfg:          cfg.withDefaults(),
	}
}

// Submit creates a queued schedule entry for the protocol registered
// under ref. Lower priority values are served first.
func (s *Scheduler) Submit(ctx context.Context, ref string, priority int) (*models.ScheduleEntry, error) {
	record, def, err := s.protocols.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &models.ScheduleEntry{
		ID:          uuid.New(),
		ProtocolID:  record.ID,
		ProtocolRef: ref,
		Priority:    priority,
		Status:      models.ScheduleEntryStatusQueued,
		AssetSpecs:  datatypes.NewJSONSlice(def.Specs()),
		RequestedAt: now,
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	return entry, nil
}

// Cancel cancels a still-queued entry. Entries past admission are
// cancelled through the orchestrator's control surface instead.
func (s *Scheduler) Cancel(ctx context.Context, entryID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ? AND status = ?", entryID, models.ScheduleEntryStatusQueued).
		Update("status", models.ScheduleEntryStatusCancelled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}

	return s.history.Append(ctx, entryID, models.HistoryEventRunCancelled, map[string]any{
		"stage": "queued",
	})
}

// Run serves the pending queue until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entry, err := s.claimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("failed to claim next schedule entry", "error", err)
		}

		if err != nil || entry == nil {
			if sleepErr := sleepWithContext(ctx, s.cfg.PollInterval); sleepErr != nil {
				return nil
			}
			continue
		}

		if err := s.admit(ctx, entry); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("admission failure", "entry_id", entry.ID, "error", err)
		}
	}
}

// claimNext picks the most urgent serviceable entry and claims it by
// flipping queued to reserving. The guarded update keeps concurrent
// schedulers from admitting the same entry twice. Claims themselves
// are leased: an entry stuck in reserving past the claim TTL means
// its scheduler died or errored mid-admission, and it goes back to
// the pending queue.
func (s *Scheduler) claimNext(ctx context.Context) (*models.ScheduleEntry, error) {
	now := time.Now().UTC()

	reclaim := s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where(
			"status = ? AND claimed_at IS NOT NULL AND claimed_at < ?",
			models.ScheduleEntryStatusReserving,
			now.Add(-s.cfg.ClaimTTL),
		).
		Updates(map[string]interface{}{
			"status":     models.ScheduleEntryStatusQueued,
			"claimed_at": nil,
		})
	if reclaim.Error != nil {
		return nil, reclaim.Error
	}
	if reclaim.RowsAffected > 0 {
		log.Warn("reclaimed stale reserving entries", "count", reclaim.RowsAffected)
	}

	var candidate models.ScheduleEntry
	err := s.db.WithContext(ctx).
		Where(
			"status = ? AND (not_before IS NULL OR not_before <= ?)",
			models.ScheduleEntryStatusQueued,
			now,
		).
		Order("priority ASC, requested_at ASC").
		First(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ? AND status = ?", candidate.ID, models.ScheduleEntryStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.ScheduleEntryStatusReserving,
			"claimed_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Another scheduler won the race.
		return nil, nil
	}

	claimed := &models.ScheduleEntry{}
	if err := s.db.WithContext(ctx).First(claimed, "id = ?", candidate.ID).Error; err != nil {
		return nil, err
	}

	return claimed, nil
}

// admit resolves the entry's asset specs, acquires the locks in
// sorted id order, persists the reservations, and hands the entry to
// the task queue. Any Busy along the way releases everything acquired
// so far and requeues with backoff.
func (s *Scheduler) admit(ctx context.Context, entry *models.ScheduleEntry) error {
	assigned, ok, err := s.resolve(ctx, entry)
	if err != nil {
		return err
	}
	if !ok {
		// Not enough available candidates right now; same recovery
		// path as lock contention.
		return s.requeue(ctx, entry, "no available asset for spec")
	}

	ids := make([]uuid.UUID, 0, len(assigned))
	for _, id := range assigned {
		ids = append(ids, id)
	}

	// The global sort order is the deadlock-avoidance mechanism:
	// every scheduler acquires any pair of assets in the same
	// relative order, so circular wait is impossible.
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	holder := entry.ID.String()
	acquired := make([]*assetlock.Lock, 0, len(ids))

	releaseAcquired := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := s.locks.Release(ctx, acquired[i]); err != nil {
				log.Error("failed to release asset lock", "asset_id", acquired[i].AssetID, "error", err)
			}
		}
	}

	for _, assetID := range ids {
		lock, err := s.locks.Acquire(ctx, assetID, holder, s.cfg.LockTTL)
		if err != nil {
			releaseAcquired()
			return err
		}
		if lock == nil {
			releaseAcquired()
			metrics.AdmissionsTotal.WithLabelValues("busy").Inc()
			return s.requeue(ctx, entry, "asset lock busy")
		}
		acquired = append(acquired, lock)
	}

	reservationIDs := make([]uuid.UUID, 0, len(acquired))
	for _, lock := range acquired {
		r, err := s.reservations.CreateActive(ctx, entry.ID, lock.AssetID, lock.ExpiresAt)
		if err != nil {
			for _, id := range reservationIDs {
				if relErr := s.reservations.Release(ctx, id); relErr != nil {
					log.Error("failed to roll back reservation", "reservation_id", id, "error", relErr)
				}
			}
			releaseAcquired()

			var corruption *reservation.CorruptionError
			if errors.As(err, &corruption) {
				return s.fail(ctx, entry, corruption.Error())
			}
			return err
		}
		reservationIDs = append(reservationIDs, r.ID)
	}

	assignedMap := datatypes.JSONMap{}
	for ref, id := range assigned {
		assignedMap[ref] = id.String()
	}

	err = s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":          models.ScheduleEntryStatusAdmitted,
			"assigned_assets": assignedMap,
			"not_before":      nil,
			"claimed_at":      nil,
		}).Error
	if err != nil {
		return err
	}

	assetIDs := make([]any, len(ids))
	for i, id := range ids {
		assetIDs[i] = id.String()
	}
	if err := s.history.Append(ctx, entry.ID, models.HistoryEventReserved, map[string]any{
		"asset_ids": assetIDs,
	}); err != nil {
		return err
	}

	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()

	return s.queue.Enqueue(ctx, Message{
		ScheduleEntryID:     entry.ID,
		ProtocolRef:         entry.ProtocolRef,
		AssetReservationIDs: reservationIDs,
	})
}

// resolve maps each asset spec to a concrete asset id. Candidates are
// ordered by id, so ties on capability resolve deterministically to
// the lowest id.
func (s *Scheduler) resolve(ctx context.Context, entry *models.ScheduleEntry) (map[string]uuid.UUID, bool, error) {
	assigned := make(map[string]uuid.UUID, len(entry.AssetSpecs))
	taken := make(map[uuid.UUID]struct{}, len(entry.AssetSpecs))

	for _, spec := range entry.AssetSpecs {
		candidates, err := s.reservations.Candidates(ctx, spec)
		if err != nil {
			return nil, false, err
		}

		var chosen *models.Asset
		for i := range candidates {
			if _, used := taken[candidates[i].ID]; used {
				continue
			}
			chosen = &candidates[i]
			break
		}

		if chosen == nil {
			return nil, false, nil
		}

		assigned[spec.Ref] = chosen.ID
		taken[chosen.ID] = struct{}{}
	}

	return assigned, true, nil
}

// requeue pushes the entry back to the pending queue with bounded
// exponential backoff, or fails it once the retry ceiling is hit.
func (s *Scheduler) requeue(ctx context.Context, entry *models.ScheduleEntry, cause string) error {
	retry := entry.RetryCount + 1
	if retry > s.cfg.RetryCeiling {
		metrics.AdmissionsTotal.WithLabelValues("failed").Inc()
		return s.fail(ctx, entry, ReasonReservationTimeout)
	}

	backoff := s.cfg.BackoffBase << (retry - 1)
	if backoff > s.cfg.BackoffCeiling || backoff <= 0 {
		backoff = s.cfg.BackoffCeiling
	}
	notBefore := time.Now().UTC().Add(backoff)

	err := s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":      models.ScheduleEntryStatusQueued,
			"retry_count": retry,
			"not_before":  notBefore,
			"claimed_at":  nil,
		}).Error
	if err != nil {
		return err
	}

	metrics.AdmissionsTotal.WithLabelValues("requeued").Inc()

	return s.history.Append(ctx, entry.ID, models.HistoryEventRequeued, map[string]any{
		"cause":   cause,
		"retry":   retry,
		"backoff": backoff.String(),
	})
}

func (s *Scheduler) fail(ctx context.Context, entry *models.ScheduleEntry, reason string) error {
	err := s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":     models.ScheduleEntryStatusFailed,
			"reason":     reason,
			"claimed_at": nil,
		}).Error
	if err != nil {
		return err
	}

	return s.history.Append(ctx, entry.ID, models.HistoryEventFailed, map[string]any{
		"reason": reason,
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
