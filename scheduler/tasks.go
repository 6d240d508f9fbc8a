package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task types handled by the sync worker pool.
const (
	TypeSyncTargeted      = "sync:targeted"
	TypeSyncIncremental   = "sync:incremental"
	TypeSyncBackfill      = "sync:backfill"
	TypeSyncSweep         = "sync:sweep"
	TypeTokenSweep        = "tokens:sweep"
	TypeSubscriptionRenew = "subscriptions:renew"
)

// Queue names in priority order. Webhook-triggered work preempts
// periodic sweeps; backfills run when nothing else is waiting.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// QueuePriorities is the asynq queue weighting used by the server.
var QueuePriorities = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// TargetedSyncPayload describes a webhook-derived sync of a single
// object or day.
type TargetedSyncPayload struct {
	IntegrationID string `json:"integration_id"`
	DataType      string `json:"data_type"`
	ObjectID      string `json:"object_id,omitempty"`
	Date          string `json:"date,omitempty"`
	Deleted       bool   `json:"deleted,omitempty"`
}

// IncrementalSyncPayload describes a cursor-driven periodic sync.
type IncrementalSyncPayload struct {
	IntegrationID string `json:"integration_id"`
	DataType      string `json:"data_type"`
}

// BackfillSyncPayload describes the one-time historical import run at
// connect time.
type BackfillSyncPayload struct {
	IntegrationID string `json:"integration_id"`
	LookbackDays  int    `json:"lookback_days"`
}

func NewTargetedSyncTask(payload *TargetedSyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal targeted sync payload: %w", err)
	}
	return asynq.NewTask(TypeSyncTargeted, data,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
	), nil
}

func NewIncrementalSyncTask(payload *IncrementalSyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal incremental sync payload: %w", err)
	}
	return asynq.NewTask(TypeSyncIncremental, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		// One pending incremental per (integration, data type) at a
		// time; duplicates within the TTL are dropped at enqueue.
		asynq.Unique(10*time.Minute),
	), nil
}

func NewBackfillSyncTask(payload *BackfillSyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backfill payload: %w", err)
	}
	return asynq.NewTask(TypeSyncBackfill, data,
		asynq.Queue(QueueLow),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Unique(time.Hour),
	), nil
}
