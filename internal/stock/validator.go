package stock

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	bulkReadConcurrency = 8
	maxPackageDepth     = 8
)

var printer = message.NewPrinter(language.Indonesian)

func deficitMessage(available, required int64) string {
	return printer.Sprintf("Stok tidak mencukupi. Tersedia: %d, dibutuhkan: %d", available, required)
}

func valid(productID string, available, required int64) ValidationResult {
	return ValidationResult{Kind: ResultValid, ProductID: productID, AvailableStock: available, RequiredStock: required}
}

func (s *Service) invalid(productID string, available, required int64) ValidationResult {
	return ValidationResult{
		Kind:           ResultInvalid,
		ProductID:      productID,
		AvailableStock: available,
		RequiredStock:  required,
		Deficit:        required - available,
		CanOverride:    s.cfg.AllowNegativeStockOverride,
		Message:        deficitMessage(available, required),
	}
}

func failed(productID string, required int64, msg string) ValidationResult {
	return ValidationResult{Kind: ResultInvalid, ProductID: productID, RequiredStock: required, Message: msg}
}

// Validate checks whether requiredQty can be taken from the level. It never
// writes and never returns an error: data access failures yield an invalid
// result with zero available stock.
func (s *Service) Validate(ctx context.Context, productID, branchID string, requiredQty int64) ValidationResult {
	if productID == "" || branchID == "" {
		return failed(productID, requiredQty, "Produk dan cabang wajib diisi")
	}
	if requiredQty < 0 {
		return failed(productID, requiredQty, "Jumlah tidak boleh negatif")
	}
	if !s.cfg.InventoryModuleEnabled {
		return valid(productID, 0, requiredQty)
	}
	available, err := s.GetStock(ctx, productID, branchID)
	if err != nil {
		return failed(productID, requiredQty, fmt.Sprintf("Gagal memeriksa stok: %v", err))
	}
	if available >= requiredQty {
		return valid(productID, available, requiredQty)
	}
	return s.invalid(productID, available, requiredQty)
}

// ValidateBulk validates every line independently and reports all deficits.
func (s *Service) ValidateBulk(ctx context.Context, items []LineItem, branchID string) BulkValidation {
	results := make([]ValidationResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkReadConcurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = s.Validate(gctx, item.ProductID, branchID, item.Quantity)
			return nil
		})
	}
	_ = g.Wait()

	out := BulkValidation{IsValid: true, InvalidItems: []InvalidItem{}}
	for _, res := range results {
		if res.IsValid() {
			continue
		}
		out.IsValid = false
		out.InvalidItems = append(out.InvalidItems, InvalidItem{
			ProductID:      res.ProductID,
			AvailableStock: res.AvailableStock,
			RequiredStock:  res.RequiredStock,
			Message:        res.Message,
		})
	}
	return out
}

// ValidatePackageStock expands a bundle into its leaf components, requiring
// QuantityPerUnit * requestedQty of each, and reports every missing one. A
// product without components is validated as itself.
func (s *Service) ValidatePackageStock(ctx context.Context, packageProductID, branchID string, requestedQty int64) PackageValidation {
	if packageProductID == "" || branchID == "" {
		return PackageValidation{Missing: []MissingComponent{}, Message: "Produk dan cabang wajib diisi"}
	}
	if requestedQty <= 0 {
		return PackageValidation{Missing: []MissingComponent{}, Message: "Jumlah paket harus lebih dari 0"}
	}
	required := make(map[string]int64)
	if err := s.expandPackage(ctx, packageProductID, requestedQty, map[string]bool{}, 0, required); err != nil {
		return PackageValidation{Missing: []MissingComponent{}, Message: fmt.Sprintf("Gagal memeriksa komponen paket: %v", err)}
	}

	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]LineItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, LineItem{ProductID: id, Quantity: required[id]})
	}

	bulk := s.ValidateBulk(ctx, items, branchID)
	out := PackageValidation{IsValid: bulk.IsValid, Missing: make([]MissingComponent, 0, len(bulk.InvalidItems))}
	names := make([]string, 0, len(bulk.InvalidItems))
	for _, item := range bulk.InvalidItems {
		out.Missing = append(out.Missing, MissingComponent{
			ComponentID:    item.ProductID,
			AvailableStock: item.AvailableStock,
			RequiredStock:  item.RequiredStock,
		})
		names = append(names, item.ProductID)
	}
	if !out.IsValid {
		out.Message = "Stok komponen tidak mencukupi: " + strings.Join(names, ", ")
	}
	return out
}

func (s *Service) expandPackage(ctx context.Context, productID string, qty int64, path map[string]bool, depth int, acc map[string]int64) error {
	if path[productID] || depth > maxPackageDepth {
		return fmt.Errorf("%w: %s", ErrPackageCycle, productID)
	}
	components, err := s.repo.ListComponents(ctx, productID)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		acc[productID] += qty
		return nil
	}
	path[productID] = true
	defer delete(path, productID)
	for _, c := range components {
		if c.QuantityPerUnit <= 0 {
			continue
		}
		if err := s.expandPackage(ctx, c.ComponentID, c.QuantityPerUnit*qty, path, depth+1, acc); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOverride authorises the caller to bypass the non-negativity check for
// one movement. It returns false when the policy is disabled or reason is
// blank. The grant's reason must end up in the movement reason.
func (s *Service) ApplyOverride(reason string) (OverrideGrant, bool) {
	reason = strings.TrimSpace(reason)
	if !s.cfg.AllowNegativeStockOverride || reason == "" {
		return OverrideGrant{}, false
	}
	return OverrideGrant{Reason: reason, GrantedAt: s.now()}, true
}

func (s *Service) checkGrant(grant *OverrideGrant) error {
	if grant == nil {
		return nil
	}
	if !s.cfg.AllowNegativeStockOverride || strings.TrimSpace(grant.Reason) == "" {
		return ErrOverrideDenied
	}
	return nil
}

// withOverrideReason makes sure the override reason is part of the audit reason.
func withOverrideReason(reason string, grant *OverrideGrant) string {
	if grant == nil {
		return reason
	}
	if strings.Contains(reason, grant.Reason) {
		return reason
	}
	if strings.TrimSpace(reason) == "" {
		return "override: " + grant.Reason
	}
	return reason + " [override: " + grant.Reason + "]"
}
