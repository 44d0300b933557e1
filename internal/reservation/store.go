package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/metrics"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/pkg/log"
	"gorm.io/gorm"
)

// CorruptionError reports a broken mutual-exclusion invariant: two
// active reservations referencing the same asset. The asset is
// quarantined and admission for it halts until an operator resolves
// the conflict; automatic retry risks commanding hardware into an
// unknown state.
type CorruptionError struct {
	AssetID uuid.UUID
	Holders []uuid.UUID
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf(
		"state corruption: asset %v has %d active reservations",
		e.AssetID,
		len(e.Holders),
	)
}

// Store persists AssetReservation rows and owns asset status
// transitions on the reservation path. Reservation rows are
// append/terminate-only: nothing edits them in place except status
// and timestamps.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		panic("reservation store requires database")
	}
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Candidates returns the assets that could satisfy the spec, ordered
// by id ascending so resolution is deterministic. Only available
// assets qualify; quarantined assets never appear.
func (s *Store) Candidates(ctx context.Context, spec models.AssetSpec) ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ?", spec.Kind, models.AssetStatusAvailable).
		Order("id ASC").
		Find(&assets).Error
	if err != nil {
		return nil, err
	}

	if spec.Capability == "" {
		return assets, nil
	}

	matched := assets[:0]
	for i := range assets {
		if assets[i].HasCapability(spec.Capability) {
			matched = append(matched, assets[i])
		}
	}

	return matched, nil
}

// CreateActive writes an active reservation binding the asset to the
// entry, enforcing the at-most-one-active invariant. A violation
// quarantines the asset and returns a CorruptionError.
func (s *Store) CreateActive(ctx context.Context, entryID, assetID uuid.UUID, expiresAt time.Time) (*models.AssetReservation, error) {
	var reservation *models.AssetReservation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.AssetReservation
		err := tx.
			Where("asset_id = ? AND status = ?", assetID, models.ReservationStatusActive).
			Find(&existing).Error
		if err != nil {
			return err
		}

		if len(existing) > 0 {
			holders := make([]uuid.UUID, 0, len(existing)+1)
			for _, r := range existing {
				holders = append(holders, r.ScheduleEntryID)
			}
			holders = append(holders, entryID)

			return &CorruptionError{AssetID: assetID, Holders: holders}
		}

		now := time.Now().UTC()
		reservation = &models.AssetReservation{
			ID:              uuid.New(),
			AssetID:         assetID,
			ScheduleEntryID: entryID,
			Status:          models.ReservationStatusActive,
			AcquiredAt:      now,
			ExpiresAt:       expiresAt,
		}
		if err := tx.Create(reservation).Error; err != nil {
			return err
		}

		return tx.Model(&models.Asset{}).
			Where("id = ?", assetID).
			Update("status", models.AssetStatusReserved).Error
	})
	if err != nil {
		// Quarantine outside the transaction so the status change
		// survives the rollback.
		var corruption *CorruptionError
		if errors.As(err, &corruption) {
			if qErr := s.db.WithContext(ctx).Model(&models.Asset{}).
				Where("id = ?", assetID).
				Update("status", models.AssetStatusMaintenance).Error; qErr != nil {
				log.Error("failed to quarantine corrupted asset", "asset_id", assetID, "error", qErr)
			}
			metrics.QuarantinesTotal.Inc()
			log.Error("asset reservation invariant violated", "asset_id", assetID, "holders", len(corruption.Holders))
		}
		return nil, err
	}

	return reservation, nil
}

// Release terminates one reservation and restores the asset to
// available. Releasing an already-released reservation is a no-op.
func (s *Store) Release(ctx context.Context, reservationID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r models.AssetReservation
		if err := tx.First(&r, "id = ?", reservationID).Error; err != nil {
			return err
		}

		if r.Status == models.ReservationStatusReleased {
			return nil
		}

		now := time.Now().UTC()
		err := tx.Model(&models.AssetReservation{}).
			Where("id = ?", r.ID).
			Updates(map[string]interface{}{
				"status":      models.ReservationStatusReleased,
				"released_at": now,
			}).Error
		if err != nil {
			return err
		}

		return tx.Model(&models.Asset{}).
			Where("id = ? AND status <> ?", r.AssetID, models.AssetStatusMaintenance).
			Update("status", models.AssetStatusAvailable).Error
	})
}

// ExtendActive pushes the lease expiry of the entry's active
// reservation on one asset, in step with lock renewal.
func (s *Store) ExtendActive(ctx context.Context, entryID, assetID uuid.UUID, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.AssetReservation{}).
		Where(
			"schedule_entry_id = ? AND asset_id = ? AND status = ?",
			entryID,
			assetID,
			models.ReservationStatusActive,
		).
		Update("expires_at", expiresAt).Error
}

// ActiveForEntry returns the active reservations held by one entry.
func (s *Store) ActiveForEntry(ctx context.Context, entryID uuid.UUID) ([]models.AssetReservation, error) {
	var reservations []models.AssetReservation
	err := s.db.WithContext(ctx).
		Where("schedule_entry_id = ? AND status = ?", entryID, models.ReservationStatusActive).
		Find(&reservations).Error
	return reservations, err
}

// ActiveForAsset returns the active reservation on one asset, nil if
// the asset is free.
func (s *Store) ActiveForAsset(ctx context.Context, assetID uuid.UUID) (*models.AssetReservation, error) {
	var r models.AssetReservation
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND status = ?", assetID, models.ReservationStatusActive).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReleaseExpired terminates every active reservation whose lock TTL
// has lapsed. This is the holder-death recovery path; the reaper
// calls it periodically.
func (s *Store) ReleaseExpired(ctx context.Context) ([]models.AssetReservation, error) {
	now := time.Now().UTC()

	var expired []models.AssetReservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.ReservationStatusActive, now).
		Find(&expired).Error
	if err != nil {
		return nil, err
	}

	for _, r := range expired {
		if err := s.Release(ctx, r.ID); err != nil {
			log.Error("failed to release expired reservation", "reservation_id", r.ID, "error", err)
			return nil, err
		}
	}

	return expired, nil
}

// SetAssetInUse flips a reserved asset to in_use once its handle is
// live. Only the runtime registry calls this.
func (s *Store) SetAssetInUse(ctx context.Context, assetID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("id = ?", assetID).
		Update("status", models.AssetStatusInUse).Error
}
