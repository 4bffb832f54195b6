package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ApplyDelta atomically changes a level and appends its movement. The level is
// created at zero when absent. An outbound change that would leave the level
// below zero is rejected unless the input carries an override grant.
func (s *Service) ApplyDelta(ctx context.Context, in DeltaInput) (int64, error) {
	if !s.cfg.InventoryModuleEnabled {
		return 0, ErrModuleDisabled
	}
	if in.ProductID == "" || in.BranchID == "" {
		return 0, ErrMissingIdentity
	}
	if in.Delta == 0 {
		return 0, ErrInvalidQuantity
	}
	if !in.Cause.Valid() || in.Cause.internal() || !in.Cause.acceptsDelta(in.Delta) {
		return 0, ErrInvalidCause
	}
	if err := s.checkGrant(in.Override); err != nil {
		return 0, err
	}

	var level Level
	var mv Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		level, mv, err = s.shift(ctx, tx, in, true)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.committed(ctx, level, mv)
	return level.Quantity, nil
}

// shift applies in.Delta inside tx. With enforce set, an outbound delta that
// ends below zero without a grant aborts the transaction.
func (s *Service) shift(ctx context.Context, tx TxRepository, in DeltaInput, enforce bool) (Level, Movement, error) {
	level, err := tx.IncrementLevel(ctx, in.ProductID, in.BranchID, in.Delta)
	if err != nil {
		return Level{}, Movement{}, err
	}
	if enforce && in.Delta < 0 && level.Quantity < 0 && in.Override == nil {
		return Level{}, Movement{}, ErrNegativeStock
	}
	if in.Delta < 0 && in.Cause != CauseBatchExpiry {
		if err := consumeBatches(ctx, tx, in.ProductID, in.BranchID, -in.Delta); err != nil {
			return Level{}, Movement{}, err
		}
	}
	mv, err := s.insertMovement(ctx, tx, Movement{
		ProductID:      in.ProductID,
		BranchID:       in.BranchID,
		QuantityChange: in.Delta,
		Cause:          in.Cause,
		Reason:         withOverrideReason(in.Reason, in.Override),
		PerformedBy:    in.PerformedBy,
		ReferenceID:    in.ReferenceID,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return Level{}, Movement{}, err
	}
	return level, mv, nil
}

// consumeBatches decrements active batches earliest expiry first. Quantity not
// covered by batches is untracked stock and is left alone.
func consumeBatches(ctx context.Context, tx TxRepository, productID, branchID string, qty int64) error {
	rows, err := tx.ActiveBatchesForUpdate(ctx, productID, branchID)
	if err != nil {
		return err
	}
	remaining := qty
	for _, b := range fefo(rows) {
		if remaining <= 0 {
			break
		}
		take := min(b.Quantity, remaining)
		left := b.Quantity - take
		status := BatchActive
		if left == 0 {
			status = BatchSoldOut
		}
		if err := tx.UpdateBatch(ctx, b.ID, left, status); err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

// BulkApply runs administrative corrections against existing levels. Each
// operation commits on its own; failures are reported next to successes.
func (s *Service) BulkApply(ctx context.Context, ops []BulkOperation, performedBy, reason string) BulkResult {
	result := BulkResult{Updated: []BulkUpdated{}, Failed: []BulkFailed{}}
	for _, op := range ops {
		updated, err := s.bulkOne(ctx, op, performedBy, reason)
		if err != nil {
			result.Failed = append(result.Failed, BulkFailed{InventoryID: op.InventoryID, Error: UserMessage(err)})
			continue
		}
		result.Updated = append(result.Updated, updated)
	}
	s.record(ctx, performedBy, "stock:bulk_edit", "bulk", map[string]any{
		"reason":  reason,
		"updated": len(result.Updated),
		"failed":  len(result.Failed),
	})
	return result
}

func (s *Service) bulkOne(ctx context.Context, op BulkOperation, performedBy, reason string) (BulkUpdated, error) {
	if !s.cfg.InventoryModuleEnabled {
		return BulkUpdated{}, ErrModuleDisabled
	}
	if strings.TrimSpace(op.InventoryID) == "" {
		return BulkUpdated{}, ErrLevelNotFound
	}
	if op.Value < 0 {
		return BulkUpdated{}, ErrInvalidQuantity
	}
	switch op.Operation {
	case BulkSet, BulkAdd, BulkSubtract, BulkReset:
	default:
		return BulkUpdated{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidQuantity, op.Operation)
	}

	var out BulkUpdated
	var level Level
	var mv Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetLevelByIDForUpdate(ctx, op.InventoryID)
		if err != nil {
			return err
		}
		next := bulkTarget(current.Quantity, op)
		delta := next - current.Quantity
		level = current
		if delta != 0 {
			level, err = tx.IncrementLevel(ctx, current.ProductID, current.BranchID, delta)
			if err != nil {
				return err
			}
			if delta < 0 {
				if err := consumeBatches(ctx, tx, current.ProductID, current.BranchID, -delta); err != nil {
					return err
				}
			}
		}
		mv, err = s.insertMovement(ctx, tx, Movement{
			ProductID:      current.ProductID,
			BranchID:       current.BranchID,
			QuantityChange: delta,
			Cause:          bulkCause(op.Operation),
			Reason:         bulkReason(op, reason),
			PerformedBy:    performedBy,
			ReferenceID:    current.ID,
			CreatedAt:      s.now(),
		})
		if err != nil {
			return err
		}
		out = BulkUpdated{
			InventoryID:      current.ID,
			ProductID:        current.ProductID,
			BranchID:         current.BranchID,
			PreviousQuantity: current.Quantity,
			NewQuantity:      next,
		}
		return nil
	})
	if err != nil {
		return BulkUpdated{}, err
	}
	s.committed(ctx, level, mv)
	return out, nil
}

// bulkTarget computes the new quantity. Subtract never pushes a level below
// zero and never raises a level that is already negative.
func bulkTarget(current int64, op BulkOperation) int64 {
	switch op.Operation {
	case BulkSet:
		return op.Value
	case BulkAdd:
		return current + op.Value
	case BulkSubtract:
		next := current - op.Value
		if next < 0 {
			return min(current, 0)
		}
		return next
	default:
		return 0
	}
}

func bulkCause(kind BulkOperationKind) Cause {
	switch kind {
	case BulkAdd:
		return CauseManualAdjustIn
	case BulkSubtract:
		return CauseManualAdjustOut
	default:
		return CauseBulkEdit
	}
}

func bulkReason(op BulkOperation, reason string) string {
	prefix := fmt.Sprintf("bulk %s %d", op.Operation, op.Value)
	if op.Operation == BulkReset {
		prefix = "bulk reset"
	}
	if strings.TrimSpace(reason) == "" {
		return prefix
	}
	return prefix + ": " + reason
}

// VoidTransactionStock returns the sold quantities of a cancelled sale. The
// caller must have checked that the transaction was not already cancelled;
// this method does not deduplicate by transaction id.
func (s *Service) VoidTransactionStock(ctx context.Context, transactionID string, lines []LineItem, branchID, performedBy, reason string) (VoidResult, error) {
	if !s.cfg.InventoryModuleEnabled {
		return VoidResult{}, ErrModuleDisabled
	}
	if transactionID == "" || branchID == "" {
		return VoidResult{}, ErrMissingIdentity
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Pembatalan transaksi " + transactionID
	}
	result := VoidResult{Failures: []VoidFailure{}}
	for _, line := range lines {
		if line.Quantity <= 0 {
			result.Failures = append(result.Failures, VoidFailure{ProductID: line.ProductID, Error: UserMessage(ErrInvalidQuantity)})
			continue
		}
		_, err := s.ApplyDelta(ctx, DeltaInput{
			ProductID:   line.ProductID,
			BranchID:    branchID,
			Delta:       line.Quantity,
			Cause:       CauseVoidReturn,
			Reason:      reason,
			PerformedBy: performedBy,
			ReferenceID: transactionID,
		})
		if err != nil {
			result.Failures = append(result.Failures, VoidFailure{ProductID: line.ProductID, Error: UserMessage(err)})
			continue
		}
		result.StockReturned += line.Quantity
	}
	return result, nil
}

// ReceiveProduction books finished goods and optionally registers their batch
// in the same transaction.
func (s *Service) ReceiveProduction(ctx context.Context, in ProductionReceipt) (int64, error) {
	if !s.cfg.InventoryModuleEnabled {
		return 0, ErrModuleDisabled
	}
	if in.ProductID == "" || in.BranchID == "" {
		return 0, ErrMissingIdentity
	}
	if in.Quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	if in.Batch != nil {
		if strings.TrimSpace(in.Batch.BatchNumber) == "" || in.Batch.ExpiryDate.IsZero() {
			return 0, fmt.Errorf("%w: batch number and expiry date required", ErrInvalidQuantity)
		}
		if !in.Batch.ProductionDate.IsZero() && in.Batch.ExpiryDate.Before(in.Batch.ProductionDate) {
			return 0, fmt.Errorf("%w: expiry before production date", ErrInvalidQuantity)
		}
	}

	var level Level
	var mv Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		level, err = tx.IncrementLevel(ctx, in.ProductID, in.BranchID, in.Quantity)
		if err != nil {
			return err
		}
		ref := in.ReferenceID
		if in.Batch != nil {
			// batches decompose the level, so never register more than is on hand
			batchQty := min(in.Quantity, max(level.Quantity, 0))
			productionDate := in.Batch.ProductionDate
			if productionDate.IsZero() {
				productionDate = s.now()
			}
			batch, err := tx.InsertBatch(ctx, Batch{
				ProductID:      in.ProductID,
				BranchID:       in.BranchID,
				BatchNumber:    in.Batch.BatchNumber,
				Quantity:       batchQty,
				ProductionDate: productionDate,
				ExpiryDate:     in.Batch.ExpiryDate,
				Status:         batchStatusFor(batchQty),
			})
			if err != nil {
				return err
			}
			if ref == "" {
				ref = batch.ID
			}
		}
		mv, err = s.insertMovement(ctx, tx, Movement{
			ProductID:      in.ProductID,
			BranchID:       in.BranchID,
			QuantityChange: in.Quantity,
			Cause:          CauseProductionReceipt,
			Reason:         in.Reason,
			PerformedBy:    in.PerformedBy,
			ReferenceID:    ref,
			CreatedAt:      s.now(),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	s.committed(ctx, level, mv)
	return level.Quantity, nil
}

func batchStatusFor(qty int64) BatchStatus {
	if qty > 0 {
		return BatchActive
	}
	return BatchSoldOut
}

// Transfer moves stock between branches as an out and an in movement sharing a
// transfer reference.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (int64, int64, error) {
	if !s.cfg.InventoryModuleEnabled {
		return 0, 0, ErrModuleDisabled
	}
	if in.ProductID == "" || in.FromBranchID == "" || in.ToBranchID == "" {
		return 0, 0, ErrMissingIdentity
	}
	if in.FromBranchID == in.ToBranchID {
		return 0, 0, errors.New("stock: source and destination branch must differ")
	}
	if in.Quantity <= 0 {
		return 0, 0, ErrInvalidQuantity
	}
	if err := s.checkGrant(in.Override); err != nil {
		return 0, 0, err
	}

	ref := "TRF-" + uuid.NewString()
	out := DeltaInput{
		ProductID:   in.ProductID,
		BranchID:    in.FromBranchID,
		Delta:       -in.Quantity,
		Cause:       CauseTransfer,
		Reason:      fmt.Sprintf("Transfer ke %s: %s", in.ToBranchID, in.Reason),
		PerformedBy: in.PerformedBy,
		ReferenceID: ref,
		Override:    in.Override,
	}
	inbound := DeltaInput{
		ProductID:   in.ProductID,
		BranchID:    in.ToBranchID,
		Delta:       in.Quantity,
		Cause:       CauseTransfer,
		Reason:      fmt.Sprintf("Transfer dari %s: %s", in.FromBranchID, in.Reason),
		PerformedBy: in.PerformedBy,
		ReferenceID: ref,
	}

	var srcLevel, dstLevel Level
	var srcMv, dstMv Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// rows are locked in branch order
		first, second := &out, &inbound
		if in.ToBranchID < in.FromBranchID {
			first, second = &inbound, &out
		}
		l1, m1, err := s.shift(ctx, tx, *first, true)
		if err != nil {
			return err
		}
		l2, m2, err := s.shift(ctx, tx, *second, true)
		if err != nil {
			return err
		}
		if first == &out {
			srcLevel, srcMv, dstLevel, dstMv = l1, m1, l2, m2
		} else {
			srcLevel, srcMv, dstLevel, dstMv = l2, m2, l1, m1
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	s.committed(ctx, srcLevel, srcMv)
	s.committed(ctx, dstLevel, dstMv)
	return srcLevel.Quantity, dstLevel.Quantity, nil
}

// ListMovements returns audit history for reporting.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Limit <= 0 {
		filter.Limit = 200
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	if filter.Cause != "" && !filter.Cause.Valid() {
		return nil, ErrInvalidCause
	}
	return s.repo.ListMovements(ctx, filter)
}
