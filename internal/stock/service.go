package stock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokoroti/tokoroti/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLevel(ctx context.Context, productID, branchID string) (Level, error)
	ListLevels(ctx context.Context, branchID string) ([]Level, error)
	ListActiveBatches(ctx context.Context, productID, branchID string) ([]Batch, error)
	ListExpiredBatches(ctx context.Context, asOf time.Time) ([]Batch, error)
	ListComponents(ctx context.Context, packageID string) ([]Component, error)
	SumMovements(ctx context.Context, productID, branchID string) (int64, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig carries the ledger feature flags.
type ServiceConfig struct {
	AllowNegativeStockOverride bool
	InventoryModuleEnabled     bool
}

// Service is the stock ledger: reader, validator, mutator and reconciliation checker.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	publisher Publisher
	metrics   MetricsRecorder
	cfg       ServiceConfig
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, publisher Publisher, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		audit:     audit,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(slog.String("module", "stock")),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SetMetrics attaches a metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Config returns the active feature flags.
func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

// committed runs the post-commit side effects of a level change.
func (s *Service) committed(ctx context.Context, level Level, mv Movement) {
	if s.metrics != nil {
		s.metrics.ObserveMovement(mv.Cause, mv.QuantityChange)
	}
	if s.publisher == nil {
		return
	}
	evt := ChangeEvent{
		ProductID:      level.ProductID,
		BranchID:       level.BranchID,
		Quantity:       level.Quantity,
		QuantityChange: mv.QuantityChange,
		Cause:          mv.Cause,
		ReferenceID:    mv.ReferenceID,
		OccurredAt:     s.now(),
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish stock change",
			slog.String("product_id", level.ProductID),
			slog.String("branch_id", level.BranchID),
			slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "stock_level",
		EntityID: entityID,
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

// insertMovement appends the audit row and escalates failures as ErrAuditWrite.
func (s *Service) insertMovement(ctx context.Context, tx TxRepository, mv Movement) (Movement, error) {
	saved, err := tx.InsertMovement(ctx, mv)
	if err != nil {
		s.logger.Error("stock movement write failed",
			slog.String("product_id", mv.ProductID),
			slog.String("branch_id", mv.BranchID),
			slog.Int64("quantity_change", mv.QuantityChange),
			slog.String("cause", string(mv.Cause)),
			slog.Any("error", err))
		return Movement{}, fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return saved, nil
}
