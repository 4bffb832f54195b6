package pos

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokoroti/tokoroti/internal/stock"
)

// Status tracks the lifecycle of a cashier transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Transaction is a cashier sale.
type Transaction struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	BranchID       string    `json:"branch_id"`
	CashierID      string    `json:"cashier_id"`
	Status         Status    `json:"status"`
	TotalQuantity  int64     `json:"total_quantity"`
	OverrideReason string    `json:"override_reason,omitempty"`
	VoidReason     string    `json:"void_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Lines          []Line    `json:"lines"`
}

// Line is one product of a transaction.
type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// OverrideRequest asks a supervisor to let a sale through despite a deficit.
type OverrideRequest struct {
	Reason       string
	SupervisorID string
	PIN          string
}

// CheckoutInput is the cart submitted by a cashier.
type CheckoutInput struct {
	BranchID  string
	CashierID string
	Lines     []stock.LineItem
	Override  *OverrideRequest
}

// VoidInput cancels a completed transaction.
type VoidInput struct {
	TransactionID string
	Reason        string
	ActorID       string
}

// VoidOutcome reports the cancelled transaction and the stock returned.
type VoidOutcome struct {
	Transaction Transaction      `json:"transaction"`
	Stock       stock.VoidResult `json:"stock"`
}

var (
	// ErrEmptyCart indicates a checkout without lines.
	ErrEmptyCart = errors.New("pos: cart is empty")
	// ErrInvalidInput indicates missing branch, cashier or malformed lines.
	ErrInvalidInput = errors.New("pos: invalid input")
	// ErrNotFound indicates an unknown transaction.
	ErrNotFound = errors.New("pos: transaction not found")
	// ErrAlreadyVoided guards against cancelling the same sale twice.
	ErrAlreadyVoided = errors.New("pos: transaction already cancelled")
	// ErrInvalidState indicates a transition not allowed from the current status.
	ErrInvalidState = errors.New("pos: invalid transaction state")
	// ErrSupervisorPIN indicates a wrong or missing supervisor PIN.
	ErrSupervisorPIN = errors.New("pos: supervisor pin rejected")
	// ErrStockInsufficient is wrapped by RejectedError.
	ErrStockInsufficient = errors.New("pos: stock insufficient")
)

// RejectedError carries every deficit of a refused checkout.
type RejectedError struct {
	Validation stock.BulkValidation
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("pos: stock insufficient for %d item(s)", len(e.Validation.InvalidItems))
}

func (e *RejectedError) Unwrap() error {
	return ErrStockInsufficient
}
