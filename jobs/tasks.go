package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tokoroti/tokoroti/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockExpireBatches writes off batches past their expiry date.
	TaskStockExpireBatches = "stock:expire_batches"
	// TaskStockReconcile compares stock levels with their movement history.
	TaskStockReconcile = "stock:reconcile"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ExpireBatchesPayload configures a batch expiry run. A zero AsOf means now.
type ExpireBatchesPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// ReconcilePayload scopes a reconciliation run to a branch. Empty means all.
type ReconcilePayload struct {
	BranchID string `json:"branch_id,omitempty"`
}

// IdempotencyCleanupPayload sets how long idempotency keys are retained.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewExpireBatchesTask constructs the expiry task.
func NewExpireBatchesTask(payload ExpireBatchesPayload) (*asynq.Task, error) {
	return newTask(TaskStockExpireBatches, payload)
}

// NewReconcileTask constructs the reconciliation task.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	return newTask(TaskStockReconcile, payload)
}

// NewIdempotencyCleanupTask constructs the idempotency cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, payload)
}

func newTask(kind string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(kind, data), nil
}

func decodePayload(t *asynq.Task, target any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), target); err != nil {
		return asynq.SkipRetry
	}
	return nil
}
