package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Log appends scheduling and execution records for audit and replay.
// History rows are append-only; nothing here updates or deletes.
type Log struct {
	db *gorm.DB
}

func NewLog(db *gorm.DB) *Log {
	if db == nil {
		panic("history log requires database")
	}
	return &Log{db: db}
}

// Append writes one schedule history event.
func (l *Log) Append(ctx context.Context, entryID uuid.UUID, eventType models.HistoryEventType, payload map[string]any) error {
	return l.db.WithContext(ctx).Create(&models.ScheduleHistoryEvent{
		ID:        uuid.New(),
		EntryID:   entryID,
		Type:      eventType,
		Payload:   datatypes.JSONMap(payload),
		CreatedAt: time.Now().UTC(),
	}).Error
}

// Events returns the audit trail for one entry, oldest first.
func (l *Log) Events(ctx context.Context, entryID uuid.UUID) ([]models.ScheduleHistoryEvent, error) {
	var events []models.ScheduleHistoryEvent
	err := l.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}

// Call captures the inputs to one function call log row. Snapshots
// are opaque payloads, persisted verbatim.
type Call struct {
	Function    string
	Arguments   map[string]any
	StateBefore map[string]any
	StateAfter  map[string]any
	Status      models.CallStatus
	ErrorDetail string
}

// AppendCall writes a FunctionCallLog row for the run, allocating the
// next sequence number under a transaction so sequences stay gapless
// and strictly increasing even across concurrent appenders.
func (l *Log) AppendCall(ctx context.Context, runID uuid.UUID, call Call) (int, error) {
	var sequence int

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		err := tx.Model(&models.FunctionCallLog{}).
			Where("run_id = ?", runID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error
		if err != nil {
			return err
		}

		sequence = last + 1

		return tx.Create(&models.FunctionCallLog{
			ID:          uuid.New(),
			RunID:       runID,
			Sequence:    sequence,
			Function:    call.Function,
			Arguments:   datatypes.JSONMap(call.Arguments),
			StateBefore: datatypes.JSONMap(call.StateBefore),
			StateAfter:  datatypes.JSONMap(call.StateAfter),
			Status:      call.Status,
			ErrorDetail: call.ErrorDetail,
			CreatedAt:   time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return 0, err
	}

	return sequence, nil
}

// Calls returns the function call log for one run in sequence order,
// the total order used for replay.
func (l *Log) Calls(ctx context.Context, runID uuid.UUID) ([]models.FunctionCallLog, error) {
	var calls []models.FunctionCallLog
	err := l.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence ASC").
		Find(&calls).Error
	return calls, err
}
