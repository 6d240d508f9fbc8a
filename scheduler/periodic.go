package scheduler

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// PeriodicSpecs carries the cron expressions for the recurring sweeps.
type PeriodicSpecs struct {
	SyncSweep         string
	TokenSweep        string
	SubscriptionRenew string
}

// Periodic owns the asynq cron scheduler that feeds the sweep tasks
// into the queues. The sweeps themselves fan out per-integration work.
type Periodic struct {
	scheduler *asynq.Scheduler
}

func NewPeriodic(redisOpt asynq.RedisClientOpt, specs PeriodicSpecs) (*Periodic, error) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	entries := []struct {
		spec string
		task *asynq.Task
	}{
		{specs.SyncSweep, asynq.NewTask(TypeSyncSweep, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))},
		{specs.TokenSweep, asynq.NewTask(TypeTokenSweep, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))},
		{specs.SubscriptionRenew, asynq.NewTask(TypeSubscriptionRenew, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if _, err := scheduler.Register(e.spec, e.task); err != nil {
			return nil, fmt.Errorf("failed to register %s schedule: %w", e.task.Type(), err)
		}
	}
	return &Periodic{scheduler: scheduler}, nil
}

func (p *Periodic) Start() error {
	return p.scheduler.Start()
}

func (p *Periodic) Shutdown() {
	p.scheduler.Shutdown()
}
