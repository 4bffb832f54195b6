package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokoroti/tokoroti/internal/platform/db"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	IncrementLevel(ctx context.Context, productID, branchID string, delta int64) (Level, error)
	GetLevelForUpdate(ctx context.Context, productID, branchID string) (Level, error)
	GetLevelByIDForUpdate(ctx context.Context, id string) (Level, error)
	ActiveBatchesForUpdate(ctx context.Context, productID, branchID string) ([]Batch, error)
	GetBatchForUpdate(ctx context.Context, id string) (Batch, error)
	UpdateBatch(ctx context.Context, id string, qty int64, status BatchStatus) error
	InsertBatch(ctx context.Context, b Batch) (Batch, error)
	InsertMovement(ctx context.Context, mv Movement) (Movement, error)
	SumMovements(ctx context.Context, productID, branchID string) (int64, error)
}

type txRepo struct {
	tx pgx.Tx
}

const levelColumns = `id::text, product_id, branch_id, quantity, baseline_quantity, last_updated`

const batchColumns = `id::text, product_id, branch_id, batch_number, quantity, production_date, expiry_date, status`

// WithTx executes the callback inside a read-committed transaction. Level rows
// are only changed through atomic increments or after SELECT ... FOR UPDATE.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetLevel reads a level without locking.
func (r *Repository) GetLevel(ctx context.Context, productID, branchID string) (Level, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+levelColumns+` FROM stock_levels WHERE product_id=$1 AND branch_id=$2`, productID, branchID)
	return scanLevel(row)
}

// ListLevels returns all levels of a branch, or every level when branchID is empty.
func (r *Repository) ListLevels(ctx context.Context, branchID string) ([]Level, error) {
	query := `SELECT ` + levelColumns + ` FROM stock_levels`
	var args []any
	if branchID != "" {
		query += ` WHERE branch_id=$1`
		args = append(args, branchID)
	}
	query += ` ORDER BY branch_id, product_id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []Level
	for rows.Next() {
		level, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// ListActiveBatches returns active batches ordered by expiry.
func (r *Repository) ListActiveBatches(ctx context.Context, productID, branchID string) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM product_batches
WHERE product_id=$1 AND branch_id=$2 AND status='active' AND quantity > 0
ORDER BY expiry_date ASC, production_date ASC, created_at ASC, id ASC`, productID, branchID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListExpiredBatches returns active batches whose expiry date is before asOf.
func (r *Repository) ListExpiredBatches(ctx context.Context, asOf time.Time) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM product_batches
WHERE status='active' AND expiry_date < $1
ORDER BY expiry_date ASC`, asOf)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListComponents returns the direct components of a package product.
func (r *Repository) ListComponents(ctx context.Context, packageID string) ([]Component, error) {
	rows, err := r.pool.Query(ctx, `SELECT package_id, component_id, quantity_per_unit
FROM product_components WHERE package_id=$1 ORDER BY component_id`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Component
	for rows.Next() {
		var c Component
		if err := rows.Scan(&c.PackageID, &c.ComponentID, &c.QuantityPerUnit); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const sumMovementsQuery = `SELECT COALESCE(SUM(quantity_change), 0)::bigint FROM stock_movements
WHERE product_id=$1 AND branch_id=$2 AND cause <> 'reconciliation_fix'`

// SumMovements totals the history used for reconciliation. Reconciliation
// fixes are excluded since they overwrite rather than move stock.
func (r *Repository) SumMovements(ctx context.Context, productID, branchID string) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, sumMovementsQuery, productID, branchID).Scan(&sum)
	return sum, err
}

// ListMovements returns movements newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.BranchID != "" {
		add("branch_id = $%d", filter.BranchID)
	}
	if filter.Cause != "" {
		add("cause = $%d", string(filter.Cause))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	query := `SELECT id, product_id, branch_id, quantity_change, cause, reason, performed_by, reference_id, created_at FROM stock_movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var mv Movement
		var cause string
		if err := rows.Scan(&mv.ID, &mv.ProductID, &mv.BranchID, &mv.QuantityChange, &cause, &mv.Reason, &mv.PerformedBy, &mv.ReferenceID, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.Cause = Cause(cause)
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (r *txRepo) IncrementLevel(ctx context.Context, productID, branchID string, delta int64) (Level, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO stock_levels (product_id, branch_id, quantity, baseline_quantity, last_updated)
VALUES ($1, $2, $3, 0, NOW())
ON CONFLICT (product_id, branch_id)
DO UPDATE SET quantity = stock_levels.quantity + EXCLUDED.quantity, last_updated = NOW()
RETURNING `+levelColumns, productID, branchID, delta)
	return scanLevel(row)
}

func (r *txRepo) GetLevelForUpdate(ctx context.Context, productID, branchID string) (Level, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+levelColumns+` FROM stock_levels WHERE product_id=$1 AND branch_id=$2 FOR UPDATE`, productID, branchID)
	level, err := scanLevel(row)
	if errors.Is(err, ErrLevelNotFound) {
		return Level{ProductID: productID, BranchID: branchID}, ErrLevelNotFound
	}
	return level, err
}

func (r *txRepo) SumMovements(ctx context.Context, productID, branchID string) (int64, error) {
	var sum int64
	err := r.tx.QueryRow(ctx, sumMovementsQuery, productID, branchID).Scan(&sum)
	return sum, err
}

func (r *txRepo) GetLevelByIDForUpdate(ctx context.Context, id string) (Level, error) {
	levelID, err := uuid.Parse(id)
	if err != nil {
		return Level{}, ErrLevelNotFound
	}
	row := r.tx.QueryRow(ctx, `SELECT `+levelColumns+` FROM stock_levels WHERE id=$1 FOR UPDATE`, levelID)
	return scanLevel(row)
}

func (r *txRepo) ActiveBatchesForUpdate(ctx context.Context, productID, branchID string) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM product_batches
WHERE product_id=$1 AND branch_id=$2 AND status='active' AND quantity > 0
ORDER BY expiry_date ASC, production_date ASC, created_at ASC, id ASC
FOR UPDATE`, productID, branchID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *txRepo) GetBatchForUpdate(ctx context.Context, id string) (Batch, error) {
	batchID, err := uuid.Parse(id)
	if err != nil {
		return Batch{}, ErrBatchNotFound
	}
	row := r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM product_batches WHERE id=$1 FOR UPDATE`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, ErrBatchNotFound
	}
	return b, err
}

func (r *txRepo) UpdateBatch(ctx context.Context, id string, qty int64, status BatchStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE product_batches SET quantity=$2, status=$3, updated_at=NOW() WHERE id=$1::uuid`, id, qty, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepo) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO product_batches (product_id, branch_id, batch_number, quantity, production_date, expiry_date, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+batchColumns, b.ProductID, b.BranchID, b.BatchNumber, b.Quantity, b.ProductionDate, b.ExpiryDate, string(b.Status))
	return scanBatch(row)
}

func (r *txRepo) InsertMovement(ctx context.Context, mv Movement) (Movement, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (product_id, branch_id, quantity_change, cause, reason, performed_by, reference_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`, mv.ProductID, mv.BranchID, mv.QuantityChange, string(mv.Cause), mv.Reason, mv.PerformedBy, mv.ReferenceID, mv.CreatedAt).Scan(&mv.ID)
	if err != nil {
		return Movement{}, err
	}
	return mv, nil
}

func scanLevel(row pgx.Row) (Level, error) {
	var l Level
	if err := row.Scan(&l.ID, &l.ProductID, &l.BranchID, &l.Quantity, &l.BaselineQuantity, &l.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Level{}, ErrLevelNotFound
		}
		return Level{}, err
	}
	return l, nil
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var status string
	if err := row.Scan(&b.ID, &b.ProductID, &b.BranchID, &b.BatchNumber, &b.Quantity, &b.ProductionDate, &b.ExpiryDate, &status); err != nil {
		return Batch{}, err
	}
	b.Status = BatchStatus(status)
	return b, nil
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
