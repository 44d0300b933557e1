package assetlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/metrics"
	"github.com/maraxen/praxis/internal/models"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultTTL     = 5 * time.Minute
	defaultTimeout = 3 * time.Second
)

var (
	// ErrExpired is returned by Renew when the lease has lapsed or
	// another holder has taken the lock in the meantime.
	ErrExpired = errors.New("asset lock lease expired")
	// ErrNotReentrant is returned when a holder attempts to acquire
	// a lock it already holds.
	ErrNotReentrant = errors.New("asset lock is not reentrant")
)

// Lock is a live claim on one asset. It is only valid until
// ExpiresAt unless renewed.
type Lock struct {
	AssetID    uuid.UUID
	Holder     string
	Generation int64
	TTL        time.Duration
	ExpiresAt  time.Time
}

// Manager implements distributed mutual exclusion over asset ids,
// backed by an atomic set-if-absent-with-expiry row per asset.
// Ownership survives process crashes; expiry reclaims orphans.
type Manager struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewManager(db *gorm.DB, timeout time.Duration) *Manager {
	if db == nil {
		panic("asset lock manager requires database")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Manager{db: db, timeout: timeout}
}

// Acquire attempts to claim the lock for holder. A nil lock with a
// nil error means the lock is busy; busy is the normal contention
// signal, not a failure. Acquire never blocks past the manager's
// timeout.
func (m *Manager) Acquire(ctx context.Context, assetID uuid.UUID, holder string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	acquireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	now := time.Now().UTC()
	expiry := now.Add(ttl)

	// Seed the row so the claim below is a pure compare-and-set.
	err := m.db.WithContext(acquireCtx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.AssetLock{AssetID: assetID}).Error
	if err != nil {
		if m.isBusy(ctx, holder, err) {
			return nil, nil
		}
		return nil, err
	}

	result := m.db.WithContext(acquireCtx).
		Model(&models.AssetLock{}).
		Where(
			"asset_id = ? AND (holder = '' OR expires_at IS NULL OR expires_at < ?)",
			assetID,
			now,
		).
		Updates(map[string]interface{}{
			"holder":      holder,
			"acquired_at": now,
			"expires_at":  expiry,
			"generation":  gorm.Expr("generation + 1"),
		})
	if result.Error != nil {
		if m.isBusy(ctx, holder, result.Error) {
			return nil, nil
		}
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		var current models.AssetLock
		if err := m.db.WithContext(acquireCtx).First(&current, "asset_id = ?", assetID).Error; err == nil {
			if current.Holder == holder && current.ExpiresAt != nil && current.ExpiresAt.After(now) {
				return nil, ErrNotReentrant
			}
		}
		metrics.LockContentionTotal.WithLabelValues(holder).Inc()
		metrics.LockAcquisitionsTotal.WithLabelValues("busy").Inc()
		return nil, nil
	}

	claimed := &models.AssetLock{}
	if err := m.db.WithContext(acquireCtx).First(claimed, "asset_id = ?", assetID).Error; err != nil {
		return nil, err
	}
	if claimed.Holder != holder {
		// Lost a race between the update and the read-back.
		metrics.LockContentionTotal.WithLabelValues(holder).Inc()
		metrics.LockAcquisitionsTotal.WithLabelValues("busy").Inc()
		return nil, nil
	}

	metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()

	return &Lock{
		AssetID:    assetID,
		Holder:     holder,
		Generation: claimed.Generation,
		TTL:        ttl,
		ExpiresAt:  expiry,
	}, nil
}

// Renew extends the lease by the lock's TTL. Returns ErrExpired when
// the lease has lapsed and the lock may have been reclaimed.
func (m *Manager) Renew(ctx context.Context, lock *Lock) error {
	renewCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	expiry := time.Now().UTC().Add(lock.TTL)

	result := m.db.WithContext(renewCtx).
		Model(&models.AssetLock{}).
		Where(
			"asset_id = ? AND holder = ? AND generation = ?",
			lock.AssetID,
			lock.Holder,
			lock.Generation,
		).
		Update("expires_at", expiry)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		metrics.LockExpirationsTotal.Inc()
		return ErrExpired
	}

	lock.ExpiresAt = expiry
	return nil
}

// Release surrenders the lock. Releasing a lease that has already
// been reclaimed is a no-op.
func (m *Manager) Release(ctx context.Context, lock *Lock) error {
	releaseCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result := m.db.WithContext(releaseCtx).
		Model(&models.AssetLock{}).
		Where(
			"asset_id = ? AND holder = ? AND generation = ?",
			lock.AssetID,
			lock.Holder,
			lock.Generation,
		).
		Updates(map[string]interface{}{
			"holder":      "",
			"acquired_at": nil,
			"expires_at":  nil,
		})
	if result.Error != nil {
		return result.Error
	}

	return nil
}

// Lookup reconstructs the live lock on assetID if holder still owns
// it, nil otherwise. Used by an orchestrator taking over heartbeat
// duty for locks acquired in another process.
func (m *Manager) Lookup(ctx context.Context, assetID uuid.UUID, holder string) (*Lock, error) {
	var row models.AssetLock
	err := m.db.WithContext(ctx).First(&row, "asset_id = ?", assetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if row.Holder != holder || row.ExpiresAt == nil {
		return nil, nil
	}

	ttl := defaultTTL
	if row.AcquiredAt != nil {
		ttl = row.ExpiresAt.Sub(*row.AcquiredAt)
	}

	return &Lock{
		AssetID:    row.AssetID,
		Holder:     row.Holder,
		Generation: row.Generation,
		TTL:        ttl,
		ExpiresAt:  *row.ExpiresAt,
	}, nil
}

// ReleaseHeldBy surrenders every lock held by holder, returning the
// number cleared. Used at teardown so no lease leaks past a run.
func (m *Manager) ReleaseHeldBy(ctx context.Context, holder string) (int64, error) {
	result := m.db.WithContext(ctx).
		Model(&models.AssetLock{}).
		Where("holder = ?", holder).
		Updates(map[string]interface{}{
			"holder":      "",
			"acquired_at": nil,
			"expires_at":  nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

// ReclaimExpired forcibly clears every lapsed lease and returns the
// asset ids reclaimed. Used by the reaper to recover from holder
// death.
func (m *Manager) ReclaimExpired(ctx context.Context) ([]uuid.UUID, error) {
	now := time.Now().UTC()

	var lapsed []models.AssetLock
	err := m.db.WithContext(ctx).
		Where("holder <> '' AND expires_at IS NOT NULL AND expires_at < ?", now).
		Find(&lapsed).Error
	if err != nil {
		return nil, err
	}

	reclaimed := make([]uuid.UUID, 0, len(lapsed))
	for _, row := range lapsed {
		result := m.db.WithContext(ctx).
			Model(&models.AssetLock{}).
			Where(
				"asset_id = ? AND holder = ? AND generation = ? AND expires_at < ?",
				row.AssetID,
				row.Holder,
				row.Generation,
				now,
			).
			Updates(map[string]interface{}{
				"holder":      "",
				"acquired_at": nil,
				"expires_at":  nil,
			})
		if result.Error != nil {
			return reclaimed, result.Error
		}
		if result.RowsAffected > 0 {
			metrics.LockExpirationsTotal.Inc()
			reclaimed = append(reclaimed, row.AssetID)
		}
	}

	return reclaimed, nil
}

// isBusy maps sqlite busy/locked errors and the acquisition
// sub-timeout onto the busy signal. The parent context decides
// whether a deadline error is ours or the caller's.
func (m *Manager) isBusy(parent context.Context, holder string, err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			metrics.LockContentionTotal.WithLabelValues(holder).Inc()
			metrics.LockAcquisitionsTotal.WithLabelValues("busy").Inc()
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		metrics.LockAcquisitionsTotal.WithLabelValues("timeout").Inc()
		return true
	}
	return false
}
