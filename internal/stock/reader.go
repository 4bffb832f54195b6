package stock

import (
	"context"
	"errors"
	"sort"
)

// GetStock returns the on-hand quantity for a product at a branch. A missing
// level reads as zero.
func (s *Service) GetStock(ctx context.Context, productID, branchID string) (int64, error) {
	if productID == "" || branchID == "" {
		return 0, ErrMissingIdentity
	}
	if !s.cfg.InventoryModuleEnabled {
		return 0, nil
	}
	level, err := s.repo.GetLevel(ctx, productID, branchID)
	if err != nil {
		if errors.Is(err, ErrLevelNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return level.Quantity, nil
}

// GetBatches returns active batches with remaining quantity, earliest expiry
// first. Results are read fresh on every call.
func (s *Service) GetBatches(ctx context.Context, productID, branchID string) ([]Batch, error) {
	if productID == "" || branchID == "" {
		return nil, ErrMissingIdentity
	}
	if !s.cfg.InventoryModuleEnabled {
		return []Batch{}, nil
	}
	rows, err := s.repo.ListActiveBatches(ctx, productID, branchID)
	if err != nil {
		return nil, err
	}
	return fefo(rows), nil
}

// fefo filters allocatable batches and orders them by expiry. Ties keep the
// input order.
func fefo(rows []Batch) []Batch {
	batches := make([]Batch, 0, len(rows))
	for _, b := range rows {
		if b.Status == BatchActive && b.Quantity > 0 {
			batches = append(batches, b)
		}
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
	})
	return batches
}
