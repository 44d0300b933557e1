package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AssetKind string

const (
	AssetKindMachine  AssetKind = "machine"
	AssetKindResource AssetKind = "resource"
)

type AssetStatus string

const (
	AssetStatusAvailable   AssetStatus = "available"
	AssetStatusReserved    AssetStatus = "reserved"
	AssetStatusInUse       AssetStatus = "in_use"
	AssetStatusMaintenance AssetStatus = "maintenance"
)

// Asset is one machine or consumable resource on the workcell.
type Asset struct {
	ID           uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	Name         string                      `gorm:"type:text;uniqueIndex;not null" json:"name"`
	Kind         AssetKind                   `gorm:"type:text;not null" json:"kind"`
	Status       AssetStatus                 `gorm:"type:text;index;not null" json:"status"`
	Capabilities datatypes.JSONSlice[string] `gorm:"type:json" json:"capabilities,omitempty"`
	CreatedAt    time.Time                   `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time                   `gorm:"not null" json:"updated_at"`
}

// HasCapability reports whether the asset carries the given tag.
// An empty tag matches any asset of the right kind.
func (a *Asset) HasCapability(tag string) bool {
	if tag == "" {
		return true
	}

	for _, capability := range a.Capabilities {
		if capability == tag {
			return true
		}
	}

	return false
}
