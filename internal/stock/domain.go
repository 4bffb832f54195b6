package stock

import (
	"errors"
	"time"
)

// Cause enumerates why a stock level changed.
type Cause string

const (
	// CauseSale is a cashier sale.
	CauseSale Cause = "sale"
	// CauseVoidReturn returns stock of a cancelled sale.
	CauseVoidReturn Cause = "void_return"
	// CauseManualAdjustIn is a manual inbound correction.
	CauseManualAdjustIn Cause = "manual_adjust_in"
	// CauseManualAdjustOut is a manual outbound correction.
	CauseManualAdjustOut Cause = "manual_adjust_out"
	// CauseProductionReceipt records finished goods from the kitchen.
	CauseProductionReceipt Cause = "production_receipt"
	// CauseBulkEdit is an administrative bulk correction.
	CauseBulkEdit Cause = "bulk_edit"
	// CauseBatchExpiry removes the remaining quantity of an expired batch.
	CauseBatchExpiry Cause = "batch_expiry"
	// CauseTransfer moves stock between branches.
	CauseTransfer Cause = "transfer"
	// CauseReconciliationFix marks an overwrite performed by Fix.
	CauseReconciliationFix Cause = "reconciliation_fix"
)

// Valid reports whether c is a known cause.
func (c Cause) Valid() bool {
	switch c {
	case CauseSale, CauseVoidReturn, CauseManualAdjustIn, CauseManualAdjustOut, CauseProductionReceipt,
		CauseBulkEdit, CauseBatchExpiry, CauseTransfer, CauseReconciliationFix:
		return true
	}
	return false
}

// internal reports causes only the ledger itself may write: expiry write-offs
// and reconciliation fixes.
func (c Cause) internal() bool {
	return c == CauseBatchExpiry || c == CauseReconciliationFix
}

// acceptsDelta checks that the sign of delta matches the direction implied by the cause.
func (c Cause) acceptsDelta(delta int64) bool {
	switch c {
	case CauseVoidReturn, CauseManualAdjustIn, CauseProductionReceipt:
		return delta > 0
	case CauseSale, CauseManualAdjustOut, CauseBatchExpiry:
		return delta < 0
	}
	return true
}

// Level is the authoritative on-hand quantity of a product at a branch.
type Level struct {
	ID        string
	ProductID string
	BranchID  string
	Quantity  int64
	// BaselineQuantity is the known-good opening balance movements are replayed from.
	BaselineQuantity int64
	LastUpdated      time.Time
}

// Movement is an append-only audit record of a quantity change.
type Movement struct {
	ID             int64     `json:"id"`
	ProductID      string    `json:"product_id"`
	BranchID       string    `json:"branch_id"`
	QuantityChange int64     `json:"quantity_change"`
	Cause          Cause     `json:"cause"`
	Reason         string    `json:"reason"`
	PerformedBy    string    `json:"performed_by"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// BatchStatus tracks the lifecycle of a product batch.
type BatchStatus string

const (
	BatchActive  BatchStatus = "active"
	BatchExpired BatchStatus = "expired"
	BatchSoldOut BatchStatus = "sold_out"
)

// Batch is an expiry-aware subdivision of a stock level.
type Batch struct {
	ID             string
	ProductID      string
	BranchID       string
	BatchNumber    string
	Quantity       int64
	ProductionDate time.Time
	ExpiryDate     time.Time
	Status         BatchStatus
}

// ResultKind tags a ValidationResult.
type ResultKind string

const (
	ResultValid   ResultKind = "valid"
	ResultInvalid ResultKind = "invalid"
)

// ValidationResult is the outcome of a stock check. Deficit, CanOverride and
// Message are only meaningful for ResultInvalid.
type ValidationResult struct {
	Kind           ResultKind `json:"kind"`
	ProductID      string     `json:"product_id"`
	AvailableStock int64      `json:"available_stock"`
	RequiredStock  int64      `json:"required_stock"`
	Deficit        int64      `json:"deficit,omitempty"`
	CanOverride    bool       `json:"can_override"`
	Message        string     `json:"message,omitempty"`
}

// IsValid reports whether the requested quantity can be fulfilled.
func (r ValidationResult) IsValid() bool {
	return r.Kind == ResultValid
}

// LineItem is a cart or order line consumed by the validator.
type LineItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

// InvalidItem describes one failing line of a bulk validation.
type InvalidItem struct {
	ProductID      string `json:"product_id"`
	AvailableStock int64  `json:"available_stock"`
	RequiredStock  int64  `json:"required_stock"`
	Message        string `json:"message,omitempty"`
}

// BulkValidation aggregates the per-line outcome of ValidateBulk.
type BulkValidation struct {
	IsValid      bool          `json:"is_valid"`
	InvalidItems []InvalidItem `json:"invalid_items"`
}

// Component links a package (bundle) product to one of its parts.
type Component struct {
	PackageID       string
	ComponentID     string
	QuantityPerUnit int64
}

// MissingComponent is a component whose stock cannot cover a package request.
type MissingComponent struct {
	ComponentID    string `json:"component_id"`
	AvailableStock int64  `json:"available_stock"`
	RequiredStock  int64  `json:"required_stock"`
}

// PackageValidation is the outcome of ValidatePackageStock.
type PackageValidation struct {
	IsValid bool               `json:"is_valid"`
	Missing []MissingComponent `json:"missing"`
	Message string             `json:"message,omitempty"`
}

// OverrideGrant authorises a single outbound movement to take stock below zero.
type OverrideGrant struct {
	Reason    string
	GrantedAt time.Time
}

// DeltaInput describes a single quantity change.
type DeltaInput struct {
	ProductID   string
	BranchID    string
	Delta       int64
	Cause       Cause
	Reason      string
	PerformedBy string
	ReferenceID string
	Override    *OverrideGrant
}

// BulkOperationKind enumerates bulk edit operations.
type BulkOperationKind string

const (
	BulkSet      BulkOperationKind = "set"
	BulkAdd      BulkOperationKind = "add"
	BulkSubtract BulkOperationKind = "subtract"
	BulkReset    BulkOperationKind = "reset"
)

// BulkOperation targets an existing level by its id.
type BulkOperation struct {
	InventoryID string            `json:"id"`
	Operation   BulkOperationKind `json:"operation" validate:"required,oneof=set add subtract reset"`
	Value       int64             `json:"value"`
}

// BulkUpdated reports a successful bulk operation.
type BulkUpdated struct {
	InventoryID      string `json:"id"`
	ProductID        string `json:"product_id"`
	BranchID         string `json:"branch_id"`
	PreviousQuantity int64  `json:"previous_quantity"`
	NewQuantity      int64  `json:"new_quantity"`
}

// BulkFailed reports a failed bulk operation.
type BulkFailed struct {
	InventoryID string `json:"id"`
	Error       string `json:"error"`
}

// BulkResult is the partial-success summary of BulkApply.
type BulkResult struct {
	Updated []BulkUpdated `json:"updated"`
	Failed  []BulkFailed  `json:"failed"`
}

// VoidFailure is a line that could not be returned to stock.
type VoidFailure struct {
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
}

// VoidResult summarises VoidTransactionStock.
type VoidResult struct {
	StockReturned int64         `json:"stock_returned"`
	Failures      []VoidFailure `json:"failures"`
}

// Discrepancy is drift between a stored level and its movement history.
type Discrepancy struct {
	LevelID         string `json:"level_id"`
	ProductID       string `json:"product_id"`
	BranchID        string `json:"branch_id"`
	CurrentStock    int64  `json:"current_stock"`
	CalculatedStock int64  `json:"calculated_stock"`
	Difference      int64  `json:"difference"`
}

// BatchInput registers a batch alongside a production receipt.
type BatchInput struct {
	BatchNumber    string
	ProductionDate time.Time
	ExpiryDate     time.Time
}

// ProductionReceipt records finished goods arriving at a branch.
type ProductionReceipt struct {
	ProductID   string
	BranchID    string
	Quantity    int64
	Reason      string
	PerformedBy string
	ReferenceID string
	Batch       *BatchInput
}

// TransferInput moves stock from one branch to another.
type TransferInput struct {
	ProductID    string
	FromBranchID string
	ToBranchID   string
	Quantity     int64
	Reason       string
	PerformedBy  string
	Override     *OverrideGrant
}

// ExpiryResult summarises an ExpireBatches run.
type ExpiryResult struct {
	Expired         int   `json:"expired"`
	QuantityRemoved int64 `json:"quantity_removed"`
	Failed          int   `json:"failed"`
}

// MovementFilter narrows ListMovements.
type MovementFilter struct {
	ProductID string
	BranchID  string
	Cause     Cause
	From      time.Time
	To        time.Time
	Limit     int
}

var (
	// ErrNegativeStock is returned when an outbound change would take a level below zero.
	ErrNegativeStock = errors.New("stock: negative stock not allowed")
	// ErrInvalidQuantity indicates a zero or malformed quantity.
	ErrInvalidQuantity = errors.New("stock: invalid quantity")
	// ErrInvalidCause indicates an unknown cause or a delta sign that contradicts it.
	ErrInvalidCause = errors.New("stock: invalid cause")
	// ErrMissingIdentity indicates a missing product or branch id.
	ErrMissingIdentity = errors.New("stock: product and branch required")
	// ErrOverrideDenied is returned for overrides without reason or with the policy disabled.
	ErrOverrideDenied = errors.New("stock: override not permitted")
	// ErrLevelNotFound indicates a missing stock level row.
	ErrLevelNotFound = errors.New("stock: level not found")
	// ErrBatchNotFound indicates a missing batch row.
	ErrBatchNotFound = errors.New("stock: batch not found")
	// ErrAuditWrite means the movement row could not be persisted.
	ErrAuditWrite = errors.New("stock: audit write failed")
	// ErrModuleDisabled is returned by mutations while the inventory module is switched off.
	ErrModuleDisabled = errors.New("stock: inventory module disabled")
	// ErrPackageCycle indicates a package that contains itself.
	ErrPackageCycle = errors.New("stock: package component cycle")
)
