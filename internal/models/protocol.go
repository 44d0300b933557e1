package models

import (
	"time"

	"github.com/google/uuid"
)

// Protocol is a registered protocol manifest. Source holds the
// original YAML document; the parsed form lives in internal/protocol.
type Protocol struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Alias     string    `gorm:"type:text;uniqueIndex;not null" json:"alias"`
	Source    string    `gorm:"type:text;not null" json:"source"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}
