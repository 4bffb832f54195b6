package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu         sync.Mutex
	levels     map[string]Level
	batches    map[string]Batch
	movements  []Movement
	components map[string][]Component
	nextID     int64

	failMovement bool
	failGet      error
	failSum      map[string]error

	// locks lists row locks taken inside transactions, in order.
	locks []string
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		levels:     make(map[string]Level),
		batches:    make(map[string]Batch),
		components: make(map[string][]Component),
		failSum:    make(map[string]error),
	}
}

func key(productID, branchID string) string {
	return productID + "@" + branchID
}

func (r *memoryRepo) seedLevel(id, productID, branchID string, qty int64) Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	level := Level{ID: id, ProductID: productID, BranchID: branchID, Quantity: qty, BaselineQuantity: qty}
	r.levels[key(productID, branchID)] = level
	return level
}

func (r *memoryRepo) seedBatch(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID] = b
}

// overwrite changes a quantity behind the ledger's back.
func (r *memoryRepo) overwrite(productID, branchID string, qty int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	level := r.levels[key(productID, branchID)]
	level.Quantity = qty
	r.levels[key(productID, branchID)] = level
}

func (r *memoryRepo) level(productID, branchID string) Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[key(productID, branchID)]
}

func (r *memoryRepo) movementsFor(productID, branchID string) []Movement {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for _, mv := range r.movements {
		if mv.ProductID == productID && mv.BranchID == branchID {
			out = append(out, mv)
		}
	}
	return out
}

// WithTx serialises callbacks and restores the previous state when fn fails.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	levels := make(map[string]Level, len(r.levels))
	for k, v := range r.levels {
		levels[k] = v
	}
	batches := make(map[string]Batch, len(r.batches))
	for k, v := range r.batches {
		batches[k] = v
	}
	movements := append([]Movement(nil), r.movements...)
	nextID := r.nextID
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.levels, r.batches, r.movements, r.nextID = levels, batches, movements, nextID
		return err
	}
	return nil
}

func (r *memoryRepo) GetLevel(ctx context.Context, productID, branchID string) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet != nil {
		return Level{}, r.failGet
	}
	level, ok := r.levels[key(productID, branchID)]
	if !ok {
		return Level{}, ErrLevelNotFound
	}
	return level, nil
}

func (r *memoryRepo) ListLevels(ctx context.Context, branchID string) ([]Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Level
	for _, level := range r.levels {
		if branchID == "" || level.BranchID == branchID {
			out = append(out, level)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListActiveBatches(ctx context.Context, productID, branchID string) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeBatches(productID, branchID), nil
}

func (r *memoryRepo) activeBatches(productID, branchID string) []Batch {
	var out []Batch
	for _, b := range r.batches {
		if b.ProductID == productID && b.BranchID == branchID && b.Status == BatchActive {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepo) ListExpiredBatches(ctx context.Context, asOf time.Time) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Batch
	for _, b := range r.batches {
		if b.Status == BatchActive && b.ExpiryDate.Before(asOf) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryDate.Before(out[j].ExpiryDate) })
	return out, nil
}

func (r *memoryRepo) ListComponents(ctx context.Context, packageID string) ([]Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.components[packageID], nil
}

func (r *memoryRepo) SumMovements(ctx context.Context, productID, branchID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sumMovements(productID, branchID)
}

func (r *memoryRepo) sumMovements(productID, branchID string) (int64, error) {
	if err := r.failSum[key(productID, branchID)]; err != nil {
		return 0, err
	}
	var sum int64
	for _, mv := range r.movements {
		if mv.ProductID == productID && mv.BranchID == branchID && mv.Cause != CauseReconciliationFix {
			sum += mv.QuantityChange
		}
	}
	return sum, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for i := len(r.movements) - 1; i >= 0; i-- {
		mv := r.movements[i]
		if filter.ProductID != "" && mv.ProductID != filter.ProductID {
			continue
		}
		if filter.BranchID != "" && mv.BranchID != filter.BranchID {
			continue
		}
		if filter.Cause != "" && mv.Cause != filter.Cause {
			continue
		}
		out = append(out, mv)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (tx *memoryTx) IncrementLevel(ctx context.Context, productID, branchID string, delta int64) (Level, error) {
	k := key(productID, branchID)
	tx.repo.locks = append(tx.repo.locks, "level:"+k)
	level, ok := tx.repo.levels[k]
	if !ok {
		level = Level{ID: "lvl-" + k, ProductID: productID, BranchID: branchID}
	}
	level.Quantity += delta
	tx.repo.levels[k] = level
	return level, nil
}

func (tx *memoryTx) GetLevelForUpdate(ctx context.Context, productID, branchID string) (Level, error) {
	tx.repo.locks = append(tx.repo.locks, "level:"+key(productID, branchID))
	level, ok := tx.repo.levels[key(productID, branchID)]
	if !ok {
		return Level{ProductID: productID, BranchID: branchID}, ErrLevelNotFound
	}
	return level, nil
}

func (tx *memoryTx) GetLevelByIDForUpdate(ctx context.Context, id string) (Level, error) {
	for _, level := range tx.repo.levels {
		if level.ID == id {
			return level, nil
		}
	}
	return Level{}, ErrLevelNotFound
}

func (tx *memoryTx) ActiveBatchesForUpdate(ctx context.Context, productID, branchID string) ([]Batch, error) {
	tx.repo.locks = append(tx.repo.locks, "batches:"+key(productID, branchID))
	return tx.repo.activeBatches(productID, branchID), nil
}

func (tx *memoryTx) GetBatchForUpdate(ctx context.Context, id string) (Batch, error) {
	tx.repo.locks = append(tx.repo.locks, "batch:"+id)
	b, ok := tx.repo.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (tx *memoryTx) UpdateBatch(ctx context.Context, id string, qty int64, status BatchStatus) error {
	b, ok := tx.repo.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.Quantity = qty
	b.Status = status
	tx.repo.batches[id] = b
	return nil
}

func (tx *memoryTx) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	b.ID = fmt.Sprintf("batch-%d", len(tx.repo.batches)+1)
	tx.repo.batches[b.ID] = b
	return b, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, mv Movement) (Movement, error) {
	if tx.repo.failMovement {
		return Movement{}, errors.New("disk full")
	}
	tx.repo.nextID++
	mv.ID = tx.repo.nextID
	tx.repo.movements = append(tx.repo.movements, mv)
	return mv, nil
}

func (tx *memoryTx) SumMovements(ctx context.Context, productID, branchID string) (int64, error) {
	return tx.repo.sumMovements(productID, branchID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, evt ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

var enabled = ServiceConfig{InventoryModuleEnabled: true}

func newTestService(repo *memoryRepo, cfg ServiceConfig) *Service {
	svc := NewService(repo, nil, nil, cfg, nil)
	svc.clock = func() time.Time { return time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC) }
	return svc
}

func TestGetStockMissingLevelIsZero(t *testing.T) {
	svc := newTestService(newMemoryRepo(), enabled)
	qty, err := svc.GetStock(context.Background(), "P1", "B1")
	require.NoError(t, err)
	require.Zero(t, qty)

	_, err = svc.GetStock(context.Background(), "", "B1")
	require.ErrorIs(t, err, ErrMissingIdentity)
}

func TestValidateReportsDeficit(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	res := svc.Validate(ctx, "P1", "B1", 15)
	require.False(t, res.IsValid())
	require.EqualValues(t, 10, res.AvailableStock)
	require.EqualValues(t, 5, res.Deficit)
	require.False(t, res.CanOverride)
	require.Contains(t, res.Message, "Tersedia: 10")

	res = svc.Validate(ctx, "P1", "B1", 10)
	require.True(t, res.IsValid())

	overrideSvc := newTestService(repo, ServiceConfig{InventoryModuleEnabled: true, AllowNegativeStockOverride: true})
	require.True(t, overrideSvc.Validate(ctx, "P1", "B1", 15).CanOverride)
}

func TestValidateDegradesOnReadFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.failGet = errors.New("connection reset")
	svc := newTestService(repo, enabled)

	res := svc.Validate(context.Background(), "P1", "B1", 1)
	require.False(t, res.IsValid())
	require.Zero(t, res.AvailableStock)
	require.False(t, res.CanOverride)
	require.True(t, strings.HasPrefix(res.Message, "Gagal memeriksa stok"))
}

func TestValidatePassesWhenModuleDisabled(t *testing.T) {
	svc := newTestService(newMemoryRepo(), ServiceConfig{})
	require.True(t, svc.Validate(context.Background(), "P1", "B1", 99).IsValid())
}

func TestValidateBulkReportsEveryDeficit(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("a", "roti-tawar", "B1", 2)
	repo.seedLevel("b", "croissant", "B1", 10)
	svc := newTestService(repo, enabled)

	res := svc.ValidateBulk(context.Background(), []LineItem{
		{ProductID: "roti-tawar", Quantity: 5},
		{ProductID: "croissant", Quantity: 3},
		{ProductID: "donat", Quantity: 1},
	}, "B1")
	require.False(t, res.IsValid)
	require.Len(t, res.InvalidItems, 2)
	require.Equal(t, "roti-tawar", res.InvalidItems[0].ProductID)
	require.EqualValues(t, 2, res.InvalidItems[0].AvailableStock)
	require.Equal(t, "donat", res.InvalidItems[1].ProductID)
}

func TestValidatePackageStockExpandsNestedComponents(t *testing.T) {
	repo := newMemoryRepo()
	repo.components["parcel"] = []Component{
		{PackageID: "parcel", ComponentID: "box-mini", QuantityPerUnit: 2},
		{PackageID: "parcel", ComponentID: "brownies", QuantityPerUnit: 1},
	}
	repo.components["box-mini"] = []Component{
		{PackageID: "box-mini", ComponentID: "donat", QuantityPerUnit: 3},
		{PackageID: "box-mini", ComponentID: "brownies", QuantityPerUnit: 1},
	}
	repo.seedLevel("d", "donat", "B1", 12)
	repo.seedLevel("b", "brownies", "B1", 5)
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	// 2 parcels need 12 donat and 2*1 + 2*2 = 6 brownies
	res := svc.ValidatePackageStock(ctx, "parcel", "B1", 2)
	require.False(t, res.IsValid)
	require.Len(t, res.Missing, 1)
	require.Equal(t, "brownies", res.Missing[0].ComponentID)
	require.EqualValues(t, 6, res.Missing[0].RequiredStock)

	res = svc.ValidatePackageStock(ctx, "parcel", "B1", 1)
	require.True(t, res.IsValid)
	require.Empty(t, res.Missing)
}

func TestValidatePackageStockDetectsCycle(t *testing.T) {
	repo := newMemoryRepo()
	repo.components["a"] = []Component{{PackageID: "a", ComponentID: "b", QuantityPerUnit: 1}}
	repo.components["b"] = []Component{{PackageID: "b", ComponentID: "a", QuantityPerUnit: 1}}
	svc := newTestService(repo, enabled)

	res := svc.ValidatePackageStock(context.Background(), "a", "B1", 1)
	require.False(t, res.IsValid)
	require.Contains(t, res.Message, "cycle")
}

func TestApplyDeltaRecordsMovement(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	pub := &recordingPublisher{}
	svc := newTestService(repo, enabled)
	svc.publisher = pub

	qty, err := svc.ApplyDelta(context.Background(), DeltaInput{
		ProductID: "P1", BranchID: "B1", Delta: -4, Cause: CauseSale,
		Reason: "penjualan", PerformedBy: "cashier1", ReferenceID: "tx1",
	})
	require.NoError(t, err)
	require.EqualValues(t, 6, qty)

	mvs := repo.movementsFor("P1", "B1")
	require.Len(t, mvs, 1)
	require.EqualValues(t, -4, mvs[0].QuantityChange)
	require.Equal(t, CauseSale, mvs[0].Cause)
	require.Equal(t, "tx1", mvs[0].ReferenceID)

	require.Len(t, pub.events, 1)
	require.EqualValues(t, 6, pub.events[0].Quantity)
}

func TestApplyDeltaRejectsNegativeWithoutOverride(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 3)
	svc := newTestService(repo, ServiceConfig{InventoryModuleEnabled: true, AllowNegativeStockOverride: true})

	_, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: "P1", BranchID: "B1", Delta: -4, Cause: CauseSale})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.EqualValues(t, 3, repo.level("P1", "B1").Quantity)
	require.Empty(t, repo.movementsFor("P1", "B1"))
}

func TestApplyDeltaCreatesMissingLevel(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, enabled)

	qty, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: "P9", BranchID: "B1", Delta: 7, Cause: CauseManualAdjustIn, Reason: "stok awal"})
	require.NoError(t, err)
	require.EqualValues(t, 7, qty)
}

func TestApplyDeltaValidatesInput(t *testing.T) {
	svc := newTestService(newMemoryRepo(), enabled)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: 0, Cause: CauseSale})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: 5, Cause: CauseSale})
	require.ErrorIs(t, err, ErrInvalidCause)

	_, err = svc.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: 5, Cause: Cause("gift")})
	require.ErrorIs(t, err, ErrInvalidCause)

	_, err = svc.ApplyDelta(ctx, DeltaInput{BranchID: "B1", Delta: 5, Cause: CauseManualAdjustIn})
	require.ErrorIs(t, err, ErrMissingIdentity)

	disabled := newTestService(newMemoryRepo(), ServiceConfig{})
	_, err = disabled.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: 5, Cause: CauseManualAdjustIn})
	require.ErrorIs(t, err, ErrModuleDisabled)
}

func TestOverrideAllowsNegativeSale(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	svc := newTestService(repo, ServiceConfig{InventoryModuleEnabled: true, AllowNegativeStockOverride: true})
	ctx := context.Background()

	grant, ok := svc.ApplyOverride("stok fisik ada, belum input sistem")
	require.True(t, ok)

	qty, err := svc.ApplyDelta(ctx, DeltaInput{
		ProductID: "P1", BranchID: "B1", Delta: -15, Cause: CauseSale,
		Reason: "penjualan", PerformedBy: "cashier1", ReferenceID: "tx123", Override: &grant,
	})
	require.NoError(t, err)
	require.EqualValues(t, -5, qty)

	mvs := repo.movementsFor("P1", "B1")
	require.Len(t, mvs, 1)
	require.EqualValues(t, -15, mvs[0].QuantityChange)
	require.Contains(t, mvs[0].Reason, "stok fisik ada, belum input sistem")
}

func TestApplyOverrideRefusals(t *testing.T) {
	repo := newMemoryRepo()
	off := newTestService(repo, enabled)
	_, ok := off.ApplyOverride("alasan")
	require.False(t, ok)

	on := newTestService(repo, ServiceConfig{InventoryModuleEnabled: true, AllowNegativeStockOverride: true})
	_, ok = on.ApplyOverride("   ")
	require.False(t, ok)

	_, err := off.ApplyDelta(context.Background(), DeltaInput{
		ProductID: "P1", BranchID: "B1", Delta: -1, Cause: CauseSale,
		Override: &OverrideGrant{Reason: "forged"},
	})
	require.ErrorIs(t, err, ErrOverrideDenied)
	require.Empty(t, repo.movements)
}

func TestApplyDeltaAuditFailureRollsBack(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	repo.failMovement = true
	svc := newTestService(repo, enabled)

	_, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: "P1", BranchID: "B1", Delta: -2, Cause: CauseSale})
	require.ErrorIs(t, err, ErrAuditWrite)
	require.EqualValues(t, 10, repo.level("P1", "B1").Quantity)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	svc := newTestService(repo, enabled)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: "P1", BranchID: "B1", Delta: -1, Cause: CauseSale})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	require.Zero(t, repo.level("P1", "B1").Quantity)
	require.Len(t, repo.movementsFor("P1", "B1"), 10)
}

func TestValidateThenSellSucceeds(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 4)
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	require.True(t, svc.Validate(ctx, "P1", "B1", 4).IsValid())
	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: -4, Cause: CauseSale})
	require.NoError(t, err)
}

func TestBulkApplyIsolatesFailures(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 5)
	repo.seedLevel("inv2", "P2", "B1", 3)
	repo.seedLevel("inv3", "P3", "B1", 8)
	repo.seedLevel("inv4", "P4", "B1", 6)
	svc := newTestService(repo, enabled)

	res := svc.BulkApply(context.Background(), []BulkOperation{
		{InventoryID: "inv1", Operation: BulkAdd, Value: 20},
		{InventoryID: "bad-id", Operation: BulkSet, Value: 5},
		{InventoryID: "inv2", Operation: BulkSubtract, Value: 10},
		{InventoryID: "inv3", Operation: BulkReset},
		{InventoryID: "inv4", Operation: BulkSet, Value: -1},
	}, "admin1", "restock")

	require.Len(t, res.Updated, 3)
	require.Len(t, res.Failed, 2)
	require.Equal(t, "bad-id", res.Failed[0].InventoryID)
	require.Equal(t, "Item tidak ditemukan", res.Failed[0].Error)
	require.Equal(t, "inv4", res.Failed[1].InventoryID)

	require.EqualValues(t, 25, repo.level("P1", "B1").Quantity)
	require.Zero(t, repo.level("P2", "B1").Quantity)
	require.Zero(t, repo.level("P3", "B1").Quantity)
	require.EqualValues(t, 6, repo.level("P4", "B1").Quantity)

	add := repo.movementsFor("P1", "B1")
	require.Len(t, add, 1)
	require.EqualValues(t, 20, add[0].QuantityChange)
	require.Equal(t, CauseManualAdjustIn, add[0].Cause)
	require.Contains(t, add[0].Reason, "restock")

	sub := repo.movementsFor("P2", "B1")
	require.Len(t, sub, 1)
	require.EqualValues(t, -3, sub[0].QuantityChange)

	reset := repo.movementsFor("P3", "B1")
	require.Len(t, reset, 1)
	require.Equal(t, CauseBulkEdit, reset[0].Cause)
	require.EqualValues(t, -8, reset[0].QuantityChange)
}

func TestBulkSubtractKeepsNegativeLevel(t *testing.T) {
	require.EqualValues(t, -2, bulkTarget(-2, BulkOperation{Operation: BulkSubtract, Value: 5}))
	require.EqualValues(t, 0, bulkTarget(3, BulkOperation{Operation: BulkSubtract, Value: 5}))
	require.EqualValues(t, 1, bulkTarget(3, BulkOperation{Operation: BulkSubtract, Value: 2}))
}

func TestVoidTransactionStockReturnsQuantities(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P2", "B1", 8)
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P2", BranchID: "B1", Delta: -3, Cause: CauseSale, ReferenceID: "TX1"})
	require.NoError(t, err)
	require.EqualValues(t, 5, repo.level("P2", "B1").Quantity)

	res, err := svc.VoidTransactionStock(ctx, "TX1", []LineItem{{ProductID: "P2", Quantity: 3}, {ProductID: "P7", Quantity: 2}}, "B1", "spv1", "")
	require.NoError(t, err)
	require.EqualValues(t, 5, res.StockReturned)
	require.Empty(t, res.Failures)
	require.EqualValues(t, 8, repo.level("P2", "B1").Quantity)
	require.EqualValues(t, 2, repo.level("P7", "B1").Quantity)

	mvs := repo.movementsFor("P2", "B1")
	require.Len(t, mvs, 2)
	require.Equal(t, CauseVoidReturn, mvs[1].Cause)
	require.EqualValues(t, 3, mvs[1].QuantityChange)
	require.Equal(t, "TX1", mvs[1].ReferenceID)
}

func TestGetBatchesOrdersByExpiry(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBatch(Batch{ID: "a", ProductID: "P3", BranchID: "B1", BatchNumber: "A", Quantity: 5, ExpiryDate: day(1), Status: BatchActive})
	repo.seedBatch(Batch{ID: "b", ProductID: "P3", BranchID: "B1", BatchNumber: "B", Quantity: 10, ExpiryDate: day(3), Status: BatchActive})
	repo.seedBatch(Batch{ID: "c", ProductID: "P3", BranchID: "B1", BatchNumber: "C", Quantity: 0, ExpiryDate: day(2), Status: BatchSoldOut})
	repo.seedBatch(Batch{ID: "d", ProductID: "P3", BranchID: "B1", BatchNumber: "D", Quantity: 0, ExpiryDate: day(2), Status: BatchActive})
	svc := newTestService(repo, enabled)

	batches, err := svc.GetBatches(context.Background(), "P3", "B1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, "A", batches[0].BatchNumber)
	require.Equal(t, "B", batches[1].BatchNumber)
}

func TestSaleConsumesBatchesFirstExpiredFirstOut(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P3", "B1", 15)
	repo.seedBatch(Batch{ID: "b", ProductID: "P3", BranchID: "B1", Quantity: 10, ExpiryDate: day(3), Status: BatchActive})
	repo.seedBatch(Batch{ID: "a", ProductID: "P3", BranchID: "B1", Quantity: 5, ExpiryDate: day(1), Status: BatchActive})
	svc := newTestService(repo, enabled)

	_, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: "P3", BranchID: "B1", Delta: -7, Cause: CauseSale})
	require.NoError(t, err)
	require.Equal(t, BatchSoldOut, repo.batches["a"].Status)
	require.Zero(t, repo.batches["a"].Quantity)
	require.EqualValues(t, 8, repo.batches["b"].Quantity)
	require.Equal(t, BatchActive, repo.batches["b"].Status)
}

func TestReceiveProductionRegistersBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, enabled)

	qty, err := svc.ReceiveProduction(context.Background(), ProductionReceipt{
		ProductID: "roti-sobek", BranchID: "B1", Quantity: 24, PerformedBy: "baker1",
		Batch: &BatchInput{BatchNumber: "RS-0102", ExpiryDate: day(4)},
	})
	require.NoError(t, err)
	require.EqualValues(t, 24, qty)

	batches, err := svc.GetBatches(context.Background(), "roti-sobek", "B1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.EqualValues(t, 24, batches[0].Quantity)

	mvs := repo.movementsFor("roti-sobek", "B1")
	require.Len(t, mvs, 1)
	require.Equal(t, CauseProductionReceipt, mvs[0].Cause)
	require.Equal(t, batches[0].ID, mvs[0].ReferenceID)

	_, err = svc.ReceiveProduction(context.Background(), ProductionReceipt{
		ProductID: "roti-sobek", BranchID: "B1", Quantity: 1,
		Batch: &BatchInput{BatchNumber: "X", ProductionDate: day(5), ExpiryDate: day(4)},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestExpireBatchesRemovesRemainingQuantity(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P3", "B1", 12)
	repo.seedBatch(Batch{ID: "old", ProductID: "P3", BranchID: "B1", BatchNumber: "OLD", Quantity: 4, ExpiryDate: day(1), Status: BatchActive})
	repo.seedBatch(Batch{ID: "new", ProductID: "P3", BranchID: "B1", BatchNumber: "NEW", Quantity: 8, ExpiryDate: day(9), Status: BatchActive})
	svc := newTestService(repo, enabled)

	res, err := svc.ExpireBatches(context.Background(), day(2))
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	require.EqualValues(t, 4, res.QuantityRemoved)
	require.Zero(t, res.Failed)

	require.EqualValues(t, 8, repo.level("P3", "B1").Quantity)
	require.Equal(t, BatchExpired, repo.batches["old"].Status)
	require.EqualValues(t, 8, repo.batches["new"].Quantity)

	mvs := repo.movementsFor("P3", "B1")
	require.Len(t, mvs, 1)
	require.Equal(t, CauseBatchExpiry, mvs[0].Cause)
	require.Equal(t, "old", mvs[0].ReferenceID)
}

func TestTransferMovesStockBetweenBranches(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B2", 20)
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	from, to, err := svc.Transfer(ctx, TransferInput{ProductID: "P1", FromBranchID: "B2", ToBranchID: "B1", Quantity: 5, PerformedBy: "spv"})
	require.NoError(t, err)
	require.EqualValues(t, 15, from)
	require.EqualValues(t, 5, to)

	out := repo.movementsFor("P1", "B2")
	in := repo.movementsFor("P1", "B1")
	require.Len(t, out, 1)
	require.Len(t, in, 1)
	require.Equal(t, out[0].ReferenceID, in[0].ReferenceID)
	require.EqualValues(t, -5, out[0].QuantityChange)

	_, _, err = svc.Transfer(ctx, TransferInput{ProductID: "P1", FromBranchID: "B2", ToBranchID: "B1", Quantity: 50})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.EqualValues(t, 15, repo.level("P1", "B2").Quantity)
	require.EqualValues(t, 5, repo.level("P1", "B1").Quantity)
}

func TestReconcileReportsAndFixesDrift(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	repo.seedLevel("inv2", "P2", "B1", 4)
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: -3, Cause: CauseSale})
	require.NoError(t, err)

	drift, err := svc.Reconcile(ctx, "B1")
	require.NoError(t, err)
	require.Empty(t, drift)

	// an out-of-band write the ledger never saw
	repo.mu.Lock()
	lvl := repo.levels[key("P1", "B1")]
	lvl.Quantity = 11
	repo.levels[key("P1", "B1")] = lvl
	repo.mu.Unlock()

	drift, err = svc.Reconcile(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.EqualValues(t, 11, drift[0].CurrentStock)
	require.EqualValues(t, 7, drift[0].CalculatedStock)
	require.EqualValues(t, 4, drift[0].Difference)

	ok, err := svc.Fix(ctx, drift, "admin1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, repo.level("P1", "B1").Quantity)

	mvs := repo.movementsFor("P1", "B1")
	require.Equal(t, CauseReconciliationFix, mvs[len(mvs)-1].Cause)
	require.EqualValues(t, -4, mvs[len(mvs)-1].QuantityChange)

	drift, err = svc.Reconcile(ctx, "B1")
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestReconcileSkipsUnreadableLevels(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	repo.seedLevel("inv2", "P2", "B1", 4)
	repo.failSum[key("P1", "B1")] = errors.New("timeout")
	repo.mu.Lock()
	lvl := repo.levels[key("P2", "B1")]
	lvl.Quantity = 1
	repo.levels[key("P2", "B1")] = lvl
	repo.mu.Unlock()
	svc := newTestService(repo, enabled)

	drift, err := svc.Reconcile(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.Equal(t, "P2", drift[0].ProductID)
}

func TestFixContinuesAfterFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	repo.overwrite("P1", "B1", 9)
	svc := newTestService(repo, enabled)

	ok, err := svc.Fix(context.Background(), []Discrepancy{
		{ProductID: "ghost", BranchID: "B1", CalculatedStock: 3},
		{ProductID: "P1", BranchID: "B1", CurrentStock: 9, CalculatedStock: 3},
	}, "admin1", nil)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrLevelNotFound)
	// target comes from history, not from the submitted discrepancy
	require.EqualValues(t, 10, repo.level("P1", "B1").Quantity)
}

func TestFixKeepsSalesCommittedAfterScan(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 10)
	repo.overwrite("P1", "B1", 12)
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	drift, err := svc.Reconcile(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.EqualValues(t, 10, drift[0].CalculatedStock)

	qty, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: -3, Cause: CauseSale})
	require.NoError(t, err)
	require.EqualValues(t, 9, qty)

	ok, err := svc.Fix(ctx, drift, "admin1", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, repo.level("P1", "B1").Quantity)

	mvs := repo.movementsFor("P1", "B1")
	require.Equal(t, CauseReconciliationFix, mvs[len(mvs)-1].Cause)
	require.EqualValues(t, -2, mvs[len(mvs)-1].QuantityChange)

	drift, err = svc.Reconcile(ctx, "B1")
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestFixNegativeTargetNeedsOverride(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P1", "B1", 2)
	repo.mu.Lock()
	repo.movements = append(repo.movements, Movement{ID: 99, ProductID: "P1", BranchID: "B1", QuantityChange: -5, Cause: CauseSale})
	repo.mu.Unlock()
	ctx := context.Background()
	discrepancy := []Discrepancy{{ProductID: "P1", BranchID: "B1"}}

	svc := newTestService(repo, enabled)
	ok, err := svc.Fix(ctx, discrepancy, "admin1", nil)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrNegativeStock)
	require.EqualValues(t, 2, repo.level("P1", "B1").Quantity)

	_, err = svc.Fix(ctx, discrepancy, "admin1", &OverrideGrant{Reason: "stok fisik dihitung ulang"})
	require.ErrorIs(t, err, ErrOverrideDenied)

	svc = newTestService(repo, ServiceConfig{InventoryModuleEnabled: true, AllowNegativeStockOverride: true})
	grant, granted := svc.ApplyOverride("stok fisik dihitung ulang")
	require.True(t, granted)
	ok, err = svc.Fix(ctx, discrepancy, "admin1", &grant)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, -3, repo.level("P1", "B1").Quantity)
	mvs := repo.movementsFor("P1", "B1")
	require.Contains(t, mvs[len(mvs)-1].Reason, "stok fisik dihitung ulang")
}

func TestApplyDeltaRejectsLedgerOnlyCauses(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P3", "B1", 15)
	repo.seedBatch(Batch{ID: "a", ProductID: "P3", BranchID: "B1", Quantity: 10, ExpiryDate: day(3), Status: BatchActive})
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P3", BranchID: "B1", Delta: 5, Cause: CauseReconciliationFix})
	require.ErrorIs(t, err, ErrInvalidCause)
	_, err = svc.ApplyDelta(ctx, DeltaInput{ProductID: "P3", BranchID: "B1", Delta: -6, Cause: CauseBatchExpiry})
	require.ErrorIs(t, err, ErrInvalidCause)

	require.EqualValues(t, 15, repo.level("P3", "B1").Quantity)
	require.EqualValues(t, 10, repo.batches["a"].Quantity)
	require.Empty(t, repo.movementsFor("P3", "B1"))

	drift, err := svc.Reconcile(ctx, "B1")
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestGetBatchesKeepsTiedExpiryOrder(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P3", "B1", 9)
	repo.seedBatch(Batch{ID: "a", ProductID: "P3", BranchID: "B1", BatchNumber: "PAGI", Quantity: 3, ExpiryDate: day(2), Status: BatchActive})
	repo.seedBatch(Batch{ID: "b", ProductID: "P3", BranchID: "B1", BatchNumber: "SIANG", Quantity: 3, ExpiryDate: day(2), Status: BatchActive})
	repo.seedBatch(Batch{ID: "c", ProductID: "P3", BranchID: "B1", BatchNumber: "SORE", Quantity: 3, ExpiryDate: day(2), Status: BatchActive})
	svc := newTestService(repo, enabled)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		batches, err := svc.GetBatches(ctx, "P3", "B1")
		require.NoError(t, err)
		require.Len(t, batches, 3)
		require.Equal(t, "PAGI", batches[0].BatchNumber)
		require.Equal(t, "SIANG", batches[1].BatchNumber)
		require.Equal(t, "SORE", batches[2].BatchNumber)
	}

	_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P3", BranchID: "B1", Delta: -4, Cause: CauseSale})
	require.NoError(t, err)
	require.Equal(t, BatchSoldOut, repo.batches["a"].Status)
	require.EqualValues(t, 2, repo.batches["b"].Quantity)
	require.EqualValues(t, 3, repo.batches["c"].Quantity)
}

func TestExpireBatchesLocksLevelBeforeBatch(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedLevel("inv1", "P3", "B1", 4)
	repo.seedBatch(Batch{ID: "old", ProductID: "P3", BranchID: "B1", BatchNumber: "OLD", Quantity: 4, ExpiryDate: day(1), Status: BatchActive})
	svc := newTestService(repo, enabled)

	_, err := svc.ApplyDelta(context.Background(), DeltaInput{ProductID: "P3", BranchID: "B1", Delta: -1, Cause: CauseSale})
	require.NoError(t, err)
	require.Equal(t, []string{"level:P3@B1", "batches:P3@B1"}, repo.locks)

	repo.locks = nil
	res, err := svc.ExpireBatches(context.Background(), day(2))
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	require.EqualValues(t, 3, res.QuantityRemoved)
	require.Equal(t, []string{"level:P3@B1", "batch:old", "level:P3@B1"}, repo.locks)
	require.Zero(t, repo.level("P3", "B1").Quantity)
}

func TestListMovementsCapsLimit(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, enabled)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.ApplyDelta(ctx, DeltaInput{ProductID: "P1", BranchID: "B1", Delta: 1, Cause: CauseManualAdjustIn})
		require.NoError(t, err)
	}

	rows, err := svc.ListMovements(ctx, MovementFilter{ProductID: "P1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = svc.ListMovements(ctx, MovementFilter{Cause: Cause("gift")})
	require.ErrorIs(t, err, ErrInvalidCause)
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}
