package pos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tokoroti/tokoroti/internal/shared"
	"github.com/tokoroti/tokoroti/internal/stock"
)

// RepositoryPort describes persistence used by Service.
type RepositoryPort interface {
	CreateTransaction(ctx context.Context, txn Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, note string) (bool, error)
}

// StockPort is the slice of the stock ledger used at the till.
type StockPort interface {
	Config() stock.ServiceConfig
	ValidateBulk(ctx context.Context, items []stock.LineItem, branchID string) stock.BulkValidation
	ApplyOverride(reason string) (stock.OverrideGrant, bool)
	ApplyDelta(ctx context.Context, in stock.DeltaInput) (int64, error)
	VoidTransactionStock(ctx context.Context, transactionID string, lines []stock.LineItem, branchID, performedBy, reason string) (stock.VoidResult, error)
}

// IdempotencyPort guards one-shot operations.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ApprovalPort records supervisor approvals.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config tunes checkout behaviour.
type Config struct {
	// SupervisorPINHash is a bcrypt hash; empty disables the PIN check.
	SupervisorPINHash string
}

// Service orchestrates checkout and void flows against the stock ledger.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	idempotency IdempotencyPort
	approvals   ApprovalPort
	audit       AuditPort
	cfg         Config
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService constructs the cashier service.
func NewService(repo RepositoryPort, stockSvc StockPort, idem IdempotencyPort, approvals ApprovalPort, audit AuditPort, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		stock:       stockSvc,
		idempotency: idem,
		approvals:   approvals,
		audit:       audit,
		cfg:         cfg,
		logger:      logger.With(slog.String("module", "pos")),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// Checkout validates the cart, persists the sale and takes the sold quantities
// out of stock. A cart with deficits is refused with a *RejectedError unless a
// supervisor override is supplied and accepted.
func (s *Service) Checkout(ctx context.Context, input CheckoutInput) (Transaction, error) {
	lines, err := mergeLines(input)
	if err != nil {
		return Transaction{}, err
	}
	stockEnabled := s.stock.Config().InventoryModuleEnabled

	var grant *stock.OverrideGrant
	if stockEnabled {
		check := s.stock.ValidateBulk(ctx, lines, input.BranchID)
		if !check.IsValid {
			if input.Override == nil {
				return Transaction{}, &RejectedError{Validation: check}
			}
			g, err := s.authoriseOverride(input.Override)
			if err != nil {
				return Transaction{}, err
			}
			grant = &g
		}
	}

	now := s.clock()
	txn := Transaction{
		ID:        uuid.New(),
		BranchID:  input.BranchID,
		CashierID: input.CashierID,
		Status:    StatusPending,
		CreatedAt: now,
	}
	txn.Code = fmt.Sprintf("TRX-%s-%s", now.Format("20060102"), strings.ToUpper(txn.ID.String()[:8]))
	for _, l := range lines {
		txn.Lines = append(txn.Lines, Line{ProductID: l.ProductID, Quantity: l.Quantity})
		txn.TotalQuantity += l.Quantity
	}
	if grant != nil {
		txn.OverrideReason = grant.Reason
	}
	if !stockEnabled {
		txn.Status = StatusCompleted
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return Transaction{}, err
	}
	if !stockEnabled {
		s.recordAudit(ctx, input.CashierID, "pos:checkout", txn, nil)
		return txn, nil
	}

	if err := s.deductStock(ctx, txn, grant); err != nil {
		if _, markErr := s.repo.TransitionStatus(ctx, txn.ID, StatusPending, StatusFailed, err.Error()); markErr != nil {
			s.logger.Error("mark checkout failed", slog.String("transaction_id", txn.ID.String()), slog.Any("error", markErr))
		}
		return Transaction{}, err
	}
	if _, err := s.repo.TransitionStatus(ctx, txn.ID, StatusPending, StatusCompleted, ""); err != nil {
		return Transaction{}, err
	}
	txn.Status = StatusCompleted

	if grant != nil {
		s.recordApproval(ctx, txn, input.Override)
	}
	s.recordAudit(ctx, input.CashierID, "pos:checkout", txn, map[string]any{"override": grant != nil})
	return txn, nil
}

// deductStock applies one sale movement per line. Lines already deducted are
// returned when a later line fails.
func (s *Service) deductStock(ctx context.Context, txn Transaction, grant *stock.OverrideGrant) error {
	ref := txn.ID.String()
	var applied []Line
	for _, line := range txn.Lines {
		_, err := s.stock.ApplyDelta(ctx, stock.DeltaInput{
			ProductID:   line.ProductID,
			BranchID:    txn.BranchID,
			Delta:       -line.Quantity,
			Cause:       stock.CauseSale,
			Reason:      "Penjualan " + txn.Code,
			PerformedBy: txn.CashierID,
			ReferenceID: ref,
			Override:    grant,
		})
		if err != nil {
			s.compensate(ctx, txn, applied)
			return fmt.Errorf("deduct %s: %w", line.ProductID, err)
		}
		applied = append(applied, line)
	}
	return nil
}

func (s *Service) compensate(ctx context.Context, txn Transaction, applied []Line) {
	for _, line := range applied {
		_, err := s.stock.ApplyDelta(ctx, stock.DeltaInput{
			ProductID:   line.ProductID,
			BranchID:    txn.BranchID,
			Delta:       line.Quantity,
			Cause:       stock.CauseVoidReturn,
			Reason:      "Kompensasi checkout gagal " + txn.Code,
			PerformedBy: txn.CashierID,
			ReferenceID: txn.ID.String(),
		})
		if err != nil {
			s.logger.Error("compensate checkout line",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("product_id", line.ProductID),
				slog.Any("error", err))
		}
	}
}

func (s *Service) authoriseOverride(req *OverrideRequest) (stock.OverrideGrant, error) {
	if s.cfg.SupervisorPINHash != "" {
		if req.PIN == "" || bcrypt.CompareHashAndPassword([]byte(s.cfg.SupervisorPINHash), []byte(req.PIN)) != nil {
			return stock.OverrideGrant{}, ErrSupervisorPIN
		}
	}
	grant, ok := s.stock.ApplyOverride(req.Reason)
	if !ok {
		return stock.OverrideGrant{}, stock.ErrOverrideDenied
	}
	return grant, nil
}

// Void cancels a completed transaction and returns its stock. A transaction
// that is already cancelled is refused with ErrAlreadyVoided.
func (s *Service) Void(ctx context.Context, input VoidInput) (VoidOutcome, error) {
	id, err := uuid.Parse(input.TransactionID)
	if err != nil {
		return VoidOutcome{}, ErrNotFound
	}
	if strings.TrimSpace(input.ActorID) == "" {
		return VoidOutcome{}, fmt.Errorf("%w: actor required", ErrInvalidInput)
	}
	txn, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return VoidOutcome{}, err
	}
	switch txn.Status {
	case StatusCancelled:
		return VoidOutcome{}, ErrAlreadyVoided
	case StatusCompleted:
	default:
		return VoidOutcome{}, ErrInvalidState
	}

	key := "pos:void:" + id.String()
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "pos.void"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return VoidOutcome{}, ErrAlreadyVoided
			}
			return VoidOutcome{}, err
		}
		inserted = true
	}

	reason := strings.TrimSpace(input.Reason)
	changed, err := s.repo.TransitionStatus(ctx, id, StatusCompleted, StatusCancelled, reason)
	if err != nil || !changed {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		if err != nil {
			return VoidOutcome{}, err
		}
		return VoidOutcome{}, ErrAlreadyVoided
	}
	txn.Status = StatusCancelled
	txn.VoidReason = reason

	out := VoidOutcome{Transaction: txn, Stock: stock.VoidResult{Failures: []stock.VoidFailure{}}}
	if s.stock.Config().InventoryModuleEnabled {
		items := make([]stock.LineItem, 0, len(txn.Lines))
		for _, l := range txn.Lines {
			items = append(items, stock.LineItem{ProductID: l.ProductID, Quantity: l.Quantity})
		}
		voidReason := "Pembatalan " + txn.Code
		if reason != "" {
			voidReason += ": " + reason
		}
		res, err := s.stock.VoidTransactionStock(ctx, id.String(), items, txn.BranchID, input.ActorID, voidReason)
		if err != nil {
			s.logger.Error("return voided stock", slog.String("transaction_id", id.String()), slog.Any("error", err))
			return out, err
		}
		out.Stock = res
		for _, f := range res.Failures {
			s.logger.Warn("void line not returned",
				slog.String("transaction_id", id.String()),
				slog.String("product_id", f.ProductID),
				slog.String("error", f.Error))
		}
	}
	s.recordAudit(ctx, input.ActorID, "pos:void", txn, map[string]any{"reason": reason, "returned": out.Stock.StockReturned})
	return out, nil
}

// GetTransaction loads a transaction by id.
func (s *Service) GetTransaction(ctx context.Context, rawID string) (Transaction, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Transaction{}, ErrNotFound
	}
	return s.repo.GetTransaction(ctx, id)
}

// mergeLines validates the cart and folds repeated products into one line,
// keeping first-seen order.
func mergeLines(input CheckoutInput) ([]stock.LineItem, error) {
	if input.BranchID == "" || input.CashierID == "" {
		return nil, fmt.Errorf("%w: branch and cashier required", ErrInvalidInput)
	}
	if len(input.Lines) == 0 {
		return nil, ErrEmptyCart
	}
	index := make(map[string]int, len(input.Lines))
	merged := make([]stock.LineItem, 0, len(input.Lines))
	for _, l := range input.Lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %q quantity %d", ErrInvalidInput, l.ProductID, l.Quantity)
		}
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

func (s *Service) recordApproval(ctx context.Context, txn Transaction, req *OverrideRequest) {
	if s.approvals == nil {
		return
	}
	actor := req.SupervisorID
	if actor == "" {
		actor = txn.CashierID
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module: "pos.stock_override",
		RefID:  txn.ID,
		Actor:  actor,
		Action: shared.ApprovalApprove,
		Note:   req.Reason,
		At:     s.clock(),
	}); err != nil {
		s.logger.Warn("record override approval", slog.String("transaction_id", txn.ID.String()), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor, action string, txn Transaction, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["code"] = txn.Code
	meta["branch_id"] = txn.BranchID
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "pos_transaction",
		EntityID: txn.ID.String(),
		Meta:     meta,
		At:       s.clock(),
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
