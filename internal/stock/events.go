package stock

import (
	"context"
	"time"
)

// ChangeEvent is published after a level change has been committed.
type ChangeEvent struct {
	ProductID      string    `json:"product_id"`
	BranchID       string    `json:"branch_id"`
	Quantity       int64     `json:"quantity"`
	QuantityChange int64     `json:"quantity_change"`
	Cause          Cause     `json:"cause"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher pushes change events to open sessions. Delivery is advisory.
type Publisher interface {
	Publish(ctx context.Context, evt ChangeEvent) error
}

// Subscriber streams change events for one branch until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, branchID string) (<-chan ChangeEvent, error)
}

// MetricsRecorder receives ledger counters.
type MetricsRecorder interface {
	ObserveMovement(cause Cause, delta int64)
	ObserveDrift(branchID string, count int)
}
