package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ScheduleEntryStatus string

const (
	ScheduleEntryStatusQueued    ScheduleEntryStatus = "queued"
	ScheduleEntryStatusReserving ScheduleEntryStatus = "reserving"
	ScheduleEntryStatusAdmitted  ScheduleEntryStatus = "admitted"
	ScheduleEntryStatusRunning   ScheduleEntryStatus = "running"
	ScheduleEntryStatusCompleted ScheduleEntryStatus = "completed"
	ScheduleEntryStatusFailed    ScheduleEntryStatus = "failed"
	ScheduleEntryStatusCancelled ScheduleEntryStatus = "cancelled"
)

// Terminal reports whether the entry can no longer change status.
func (s ScheduleEntryStatus) Terminal() bool {
	switch s {
	case ScheduleEntryStatusCompleted, ScheduleEntryStatusFailed, ScheduleEntryStatusCancelled:
		return true
	}
	return false
}

// AssetSpec names one asset requirement of a protocol, by capability
// rather than concrete id. Ref is the name steps use to address the
// asset once resolved.
type AssetSpec struct {
	Ref        string    `json:"ref"`
	Kind       AssetKind `json:"kind"`
	Capability string    `json:"capability,omitempty"`
}

// ScheduleEntry is one queued or admitted request to run a protocol.
type ScheduleEntry struct {
	ID             uuid.UUID                      `gorm:"type:uuid;primaryKey" json:"id"`
	ProtocolID     uuid.UUID                      `gorm:"type:uuid;index;not null" json:"protocol_id"`
	ProtocolRef    string                         `gorm:"type:text;not null" json:"protocol_ref"`
	Priority       int                            `gorm:"not null;default:0;index" json:"priority"`
	Status         ScheduleEntryStatus            `gorm:"type:text;index;not null" json:"status"`
	Reason         string                         `json:"reason,omitempty"`
	AssetSpecs     datatypes.JSONSlice[AssetSpec] `gorm:"type:json" json:"asset_specs"`
	AssignedAssets datatypes.JSONMap              `gorm:"type:json" json:"assigned_assets,omitempty"`
	RetryCount     int                            `gorm:"not null;default:0" json:"retry_count"`
	RequestedAt    time.Time                      `gorm:"index;not null" json:"requested_at"`
	NotBefore      *time.Time                     `gorm:"index" json:"not_before,omitempty"`
	ClaimedAt      *time.Time                     `gorm:"index" json:"claimed_at,omitempty"`
	CreatedAt      time.Time                      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time                      `gorm:"not null" json:"updated_at"`
}

// AssignedAssetIDs returns the resolved concrete asset ids, sorted by
// the ref name for stable iteration.
func (e *ScheduleEntry) AssignedAssetIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(e.AssignedAssets))

	for _, raw := range e.AssignedAssets {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}

	return ids
}

type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusReleased ReservationStatus = "released"
)

// AssetReservation binds one concrete asset to one ScheduleEntry.
// At most one active reservation may exist per asset at any time.
type AssetReservation struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	AssetID         uuid.UUID         `gorm:"type:uuid;index;not null" json:"asset_id"`
	ScheduleEntryID uuid.UUID         `gorm:"type:uuid;index;not null" json:"schedule_entry_id"`
	Status          ReservationStatus `gorm:"type:text;index;not null" json:"status"`
	AcquiredAt      time.Time         `gorm:"not null" json:"acquired_at"`
	ReleasedAt      *time.Time        `json:"released_at,omitempty"`
	ExpiresAt       time.Time         `gorm:"index;not null" json:"expires_at"`
	CreatedAt       time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"not null" json:"updated_at"`
}

type HistoryEventType string

const (
	HistoryEventReserved     HistoryEventType = "reserved"
	HistoryEventRequeued     HistoryEventType = "requeued"
	HistoryEventReleased     HistoryEventType = "released"
	HistoryEventFailed       HistoryEventType = "failed"
	HistoryEventRunStarted   HistoryEventType = "run_started"
	HistoryEventRunCompleted HistoryEventType = "run_completed"
	HistoryEventRunFailed    HistoryEventType = "run_failed"
	HistoryEventRunCancelled HistoryEventType = "run_cancelled"
	HistoryEventLockExpired  HistoryEventType = "lock_expired"
	HistoryEventQuarantined  HistoryEventType = "quarantined"
)

// ScheduleHistoryEvent is one append-only audit record. Rows are never
// updated or deleted.
type ScheduleHistoryEvent struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	EntryID   uuid.UUID         `gorm:"type:uuid;index" json:"entry_id"`
	Type      HistoryEventType  `gorm:"type:text;index;not null" json:"type"`
	Payload   datatypes.JSONMap `gorm:"type:json" json:"payload,omitempty"`
	CreatedAt time.Time         `gorm:"index;not null" json:"created_at"`
}
