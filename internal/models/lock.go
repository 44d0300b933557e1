package models

import (
	"time"

	"github.com/google/uuid"
)

// AssetLock is the backing row for the distributed asset mutex. One
// row per asset; ownership is claimed by an atomic update guarded on
// the holder being empty or the lease having expired. Generation
// increments on every successful acquisition so a stale holder cannot
// renew or release a lock it has lost.
type AssetLock struct {
	AssetID    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"asset_id"`
	Holder     string     `gorm:"type:text;index;not null;default:''" json:"holder"`
	Generation int64      `gorm:"not null;default:0" json:"generation"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
}
