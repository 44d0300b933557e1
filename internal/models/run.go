package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ProtocolRun is the execution record of an admitted ScheduleEntry,
// 1:1 with the entry once admitted.
type ProtocolRun struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ScheduleEntryID uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null" json:"schedule_entry_id"`
	Status          RunStatus  `gorm:"type:text;index;not null" json:"status"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
}

type CallStatus string

const (
	CallStatusOK    CallStatus = "ok"
	CallStatusError CallStatus = "error"
)

// FunctionCallLog records one executed protocol step. Sequence numbers
// are strictly increasing per run, starting at 1, and immutable once
// written.
type FunctionCallLog struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	RunID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_call_log_run_seq" json:"run_id"`
	Sequence    int               `gorm:"not null;uniqueIndex:idx_call_log_run_seq" json:"sequence"`
	Function    string            `gorm:"type:text;not null" json:"function"`
	Arguments   datatypes.JSONMap `gorm:"type:json" json:"arguments,omitempty"`
	StateBefore datatypes.JSONMap `gorm:"type:json" json:"state_before,omitempty"`
	StateAfter  datatypes.JSONMap `gorm:"type:json" json:"state_after,omitempty"`
	Status      CallStatus        `gorm:"type:text;not null" json:"status"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
}
