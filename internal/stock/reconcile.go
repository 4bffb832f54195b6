package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Reconcile replays movement history for every level of branchID (all
// branches when empty) and reports levels whose stored quantity disagrees with
// baseline plus movements. Levels that cannot be read are logged and skipped.
func (s *Service) Reconcile(ctx context.Context, branchID string) ([]Discrepancy, error) {
	levels, err := s.repo.ListLevels(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}

	var (
		mu    sync.Mutex
		drift = make([]Discrepancy, 0)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkReadConcurrency)
	for _, level := range levels {
		g.Go(func() error {
			sum, err := s.repo.SumMovements(gctx, level.ProductID, level.BranchID)
			if err != nil {
				s.logger.Warn("reconcile skip level",
					slog.String("product_id", level.ProductID),
					slog.String("branch_id", level.BranchID),
					slog.Any("error", err))
				return nil
			}
			calculated := level.BaselineQuantity + sum
			if calculated == level.Quantity {
				return nil
			}
			mu.Lock()
			drift = append(drift, Discrepancy{
				LevelID:         level.ID,
				ProductID:       level.ProductID,
				BranchID:        level.BranchID,
				CurrentStock:    level.Quantity,
				CalculatedStock: calculated,
				Difference:      level.Quantity - calculated,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(drift, func(i, j int) bool {
		if drift[i].BranchID != drift[j].BranchID {
			return drift[i].BranchID < drift[j].BranchID
		}
		return drift[i].ProductID < drift[j].ProductID
	})
	for _, d := range drift {
		s.logger.Warn("stock drift detected",
			slog.String("product_id", d.ProductID),
			slog.String("branch_id", d.BranchID),
			slog.Int64("current", d.CurrentStock),
			slog.Int64("calculated", d.CalculatedStock))
	}
	if s.metrics != nil {
		s.metrics.ObserveDrift(branchID, len(drift))
	}
	return drift, nil
}

// Fix brings each listed level back in line with its movement history. A
// discrepancy only names the level; the target quantity is recomputed from
// baseline plus movements under the level lock, so stock sold after the scan is
// kept. A target below zero needs an override grant. Fix keeps going after a
// failed item; ok is false and err joins every failure when any item fails.
func (s *Service) Fix(ctx context.Context, discrepancies []Discrepancy, performedBy string, override *OverrideGrant) (bool, error) {
	if !s.cfg.InventoryModuleEnabled {
		return false, ErrModuleDisabled
	}
	if err := s.checkGrant(override); err != nil {
		return false, err
	}
	var errs []error
	fixed := 0
	for _, d := range discrepancies {
		if err := s.fixOne(ctx, d, performedBy, override); err != nil {
			s.logger.Error("reconcile fix",
				slog.String("product_id", d.ProductID),
				slog.String("branch_id", d.BranchID),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s@%s: %w", d.ProductID, d.BranchID, err))
			continue
		}
		fixed++
	}
	s.record(ctx, performedBy, "stock:reconcile_fix", "reconcile", map[string]any{
		"requested": len(discrepancies),
		"fixed":     fixed,
		"failed":    len(errs),
	})
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}

func (s *Service) fixOne(ctx context.Context, d Discrepancy, performedBy string, override *OverrideGrant) error {
	if d.ProductID == "" || d.BranchID == "" {
		return ErrMissingIdentity
	}
	var (
		level   Level
		mv      Movement
		changed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetLevelForUpdate(ctx, d.ProductID, d.BranchID)
		if err != nil {
			return err
		}
		sum, err := tx.SumMovements(ctx, d.ProductID, d.BranchID)
		if err != nil {
			return fmt.Errorf("sum movements: %w", err)
		}
		calculated := current.BaselineQuantity + sum
		if calculated < 0 && override == nil {
			return ErrNegativeStock
		}
		delta := calculated - current.Quantity
		if delta == 0 {
			return nil
		}
		level, mv, err = s.shift(ctx, tx, DeltaInput{
			ProductID:   d.ProductID,
			BranchID:    d.BranchID,
			Delta:       delta,
			Cause:       CauseReconciliationFix,
			Reason:      fmt.Sprintf("Koreksi rekonsiliasi: %d menjadi %d", current.Quantity, calculated),
			PerformedBy: performedBy,
			ReferenceID: current.ID,
			Override:    override,
		}, false)
		changed = err == nil
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		s.committed(ctx, level, mv)
	}
	return nil
}
