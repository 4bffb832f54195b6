package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokoroti/tokoroti/internal/shared"
)

// ExpireBatches closes every active batch whose expiry date is before asOf and
// removes what is left of it from the level. Each batch commits on its own so a
// single failure does not block the rest.
func (s *Service) ExpireBatches(ctx context.Context, asOf time.Time) (ExpiryResult, error) {
	if !s.cfg.InventoryModuleEnabled {
		return ExpiryResult{}, ErrModuleDisabled
	}
	candidates, err := s.repo.ListExpiredBatches(ctx, asOf)
	if err != nil {
		return ExpiryResult{}, fmt.Errorf("list expired batches: %w", err)
	}

	var result ExpiryResult
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		removed, expired, err := s.expireOne(ctx, candidate)
		if err != nil {
			result.Failed++
			s.logger.Error("expire batch",
				slog.String("batch_id", candidate.ID),
				slog.String("batch_number", candidate.BatchNumber),
				slog.Any("error", err))
			continue
		}
		if expired {
			result.Expired++
			result.QuantityRemoved += removed
		}
	}
	return result, nil
}

// expireOne locks the level before the batch, the same order sales take, and
// re-reads the batch under its lock.
func (s *Service) expireOne(ctx context.Context, candidate Batch) (int64, bool, error) {
	var (
		removed int64
		expired bool
		level   Level
		mv      Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetLevelForUpdate(ctx, candidate.ProductID, candidate.BranchID)
		if err != nil && !errors.Is(err, ErrLevelNotFound) {
			return err
		}
		batch, err := tx.GetBatchForUpdate(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if batch.Status != BatchActive {
			return nil
		}
		removed = min(batch.Quantity, max(current.Quantity, 0))
		if err := tx.UpdateBatch(ctx, batch.ID, batch.Quantity, BatchExpired); err != nil {
			return err
		}
		expired = true
		if removed == 0 {
			return nil
		}
		level, mv, err = s.shift(ctx, tx, DeltaInput{
			ProductID:   batch.ProductID,
			BranchID:    batch.BranchID,
			Delta:       -removed,
			Cause:       CauseBatchExpiry,
			Reason:      fmt.Sprintf("Batch %s kedaluwarsa %s", batch.BatchNumber, batch.ExpiryDate.Format("2006-01-02")),
			PerformedBy: shared.SystemActor,
			ReferenceID: batch.ID,
		}, false)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if removed > 0 {
		s.committed(ctx, level, mv)
	}
	return removed, expired, nil
}
