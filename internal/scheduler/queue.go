package scheduler

import (
	"context"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/metrics"
)

// Message is the task queue payload carrying one admitted entry to an
// orchestrator worker.
type Message struct {
	ScheduleEntryID     uuid.UUID   `json:"schedule_entry_id"`
	ProtocolRef         string      `json:"protocol_ref"`
	AssetReservationIDs []uuid.UUID `json:"asset_reservation_ids"`
}

// Queue is the bounded in-process task queue between admission and
// execution. Enqueue blocks when the queue is full; cancellation
// always unblocks it.
type Queue struct {
	ch chan Message
}

func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{ch: make(chan Message, depth)}
}

func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages exposes the receive side for workers. Receivers should
// call Drained after taking a message.
func (q *Queue) Messages() <-chan Message {
	return q.ch
}

// Drained updates the depth gauge after a receive.
func (q *Queue) Drained() {
	metrics.QueueDepth.Set(float64(len(q.ch)))
}
