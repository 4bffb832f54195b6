package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tokoroti/tokoroti/internal/jobs"
	"github.com/tokoroti/tokoroti/internal/stock"
)

// Reconciler is the slice of the stock service the reconcile job needs.
type Reconciler interface {
	Reconcile(ctx context.Context, branchID string) ([]stock.Discrepancy, error)
}

// ReconcileJob reports drift between stock levels and their movement history.
// It never corrects anything; fixes go through the stock API with an actor.
type ReconcileJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one reconciliation scan.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}

	tracker := j.metrics().Track(TaskStockReconcile)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("branch_id", payload.BranchID))
	found, err := j.Service.Reconcile(ctx, payload.BranchID)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}
	j.metrics().AddDrift(payload.BranchID, len(found))
	logger.Info("reconcile completed", slog.Int("discrepancies", len(found)))
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockReconcile))
	}
	return slog.Default().With(slog.String("job", TaskStockReconcile))
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
