package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskEnqueuer is the enqueue surface consumed by the webhook gateway,
// the connect flow and the worker itself.
type TaskEnqueuer interface {
	EnqueueTargetedSync(ctx context.Context, payload *TargetedSyncPayload) error
	EnqueueIncrementalSync(ctx context.Context, payload *IncrementalSyncPayload, opts ...asynq.Option) error
	EnqueueBackfill(ctx context.Context, payload *BackfillSyncPayload) error
	RescheduleIn(ctx context.Context, task *asynq.Task, delay time.Duration) error
}

// Enqueuer wraps the asynq client behind sync-engine-shaped methods.
// Webhook handlers and the connect flow only ever enqueue through it;
// scheduled work never calls back into them.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(redisOpt asynq.RedisClientOpt) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(redisOpt)}
}

func (e *Enqueuer) EnqueueTargetedSync(ctx context.Context, payload *TargetedSyncPayload) error {
	task, err := NewTargetedSyncTask(payload)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue targeted sync: %w", err)
	}
	return nil
}

func (e *Enqueuer) EnqueueIncrementalSync(ctx context.Context, payload *IncrementalSyncPayload, opts ...asynq.Option) error {
	task, err := NewIncrementalSyncTask(payload)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue incremental sync: %w", err)
	}
	return nil
}

func (e *Enqueuer) EnqueueBackfill(ctx context.Context, payload *BackfillSyncPayload) error {
	task, err := NewBackfillSyncTask(payload)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue backfill: %w", err)
	}
	return nil
}

// RescheduleIn re-enqueues a copy of a task after a delay, used when a
// cycle aborts on a rate-limit window.
func (e *Enqueuer) RescheduleIn(ctx context.Context, task *asynq.Task, delay time.Duration) error {
	if _, err := e.client.EnqueueContext(ctx, task, asynq.ProcessIn(delay)); err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

func (e *Enqueuer) Close() error {
	return e.client.Close()
}
