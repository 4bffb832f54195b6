package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tokoroti/tokoroti/internal/jobs"
	"github.com/tokoroti/tokoroti/internal/stock"
)

// BatchExpirer is the slice of the stock service the expiry job needs.
type BatchExpirer interface {
	ExpireBatches(ctx context.Context, asOf time.Time) (stock.ExpiryResult, error)
}

// ExpireBatchesJob removes expired batch quantities from stock.
type ExpireBatchesJob struct {
	Service BatchExpirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewExpireBatchesJob initialises the expiry handler.
func NewExpireBatchesJob(service BatchExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpireBatchesJob {
	return &ExpireBatchesJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one expiry sweep.
func (j *ExpireBatchesJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("expire batches: handler not configured")
	}
	var payload ExpireBatchesPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	tracker := j.metrics().Track(TaskStockExpireBatches)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.Time("as_of", asOf))
	res, err := j.Service.ExpireBatches(ctx, asOf)
	if err != nil {
		logger.Error("expire batches failed", slog.Any("error", err))
		return err
	}
	j.metrics().AddExpired(res.QuantityRemoved)
	logger.Info("expire batches completed",
		slog.Int("expired", res.Expired),
		slog.Int64("quantity_removed", res.QuantityRemoved),
		slog.Int("failed", res.Failed),
	)
	return nil
}

func (j *ExpireBatchesJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockExpireBatches))
	}
	return slog.Default().With(slog.String("job", TaskStockExpireBatches))
}

func (j *ExpireBatchesJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ExpireBatchesJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
