package worker

import (
	"context"

	"github.com/maraxen/praxis/internal/scheduler"
	"github.com/maraxen/praxis/pkg/log"
)

// Executor processes one admitted entry delivered by the task queue.
type Executor func(ctx context.Context, msg scheduler.Message)

// Worker drains the task queue into a bounded pool of executors, one
// concurrent unit of work per run.
type Worker struct {
	queue    *scheduler.Queue
	pool     *Pool
	executor Executor
}

func NewWorker(queue *scheduler.Queue, pool *Pool, executor Executor) *Worker {
	if queue == nil {
		panic("worker requires task queue")
	}
	if pool == nil {
		pool = NewPool(1)
	}
	if executor == nil {
		executor = func(context.Context, scheduler.Message) {}
	}

	return &Worker{
		queue:    queue,
		pool:     pool,
		executor: executor,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.pool.Wait()
			return nil
		case msg := <-w.queue.Messages():
			w.queue.Drained()

			if err := w.pool.Submit(ctx, func() {
				w.executor(ctx, msg)
			}); err != nil {
				if ctx.Err() != nil {
					w.pool.Wait()
					return nil
				}
				log.Error("failed to submit run to pool", "entry_id", msg.ScheduleEntryID, "error", err)
			}
		}
	}
}
