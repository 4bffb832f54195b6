package pos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokoroti/tokoroti/internal/platform/db"
)

// Repository persists cashier transactions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateTransaction inserts the header and its lines atomically.
func (r *Repository) CreateTransaction(ctx context.Context, txn Transaction) error {
	return db.WithTx(ctx, r.pool, db.RepeatableRead, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO pos_transactions (id, code, branch_id, cashier_id, status, total_quantity, override_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			txn.ID, txn.Code, txn.BranchID, txn.CashierID, string(txn.Status), txn.TotalQuantity, txn.OverrideReason, txn.CreatedAt)
		if err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, line := range txn.Lines {
			batch.Queue(`INSERT INTO pos_transaction_lines (transaction_id, product_id, quantity) VALUES ($1, $2, $3)`,
				txn.ID, line.ProductID, line.Quantity)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// GetTransaction loads a transaction with its lines.
func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	var txn Transaction
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, code, branch_id, cashier_id, status, total_quantity, override_reason, void_reason, created_at
FROM pos_transactions WHERE id=$1`, id).Scan(
		&txn.ID, &txn.Code, &txn.BranchID, &txn.CashierID, &status, &txn.TotalQuantity, &txn.OverrideReason, &txn.VoidReason, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	txn.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT product_id, quantity FROM pos_transaction_lines WHERE transaction_id=$1 ORDER BY id`, id)
	if err != nil {
		return Transaction{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ProductID, &line.Quantity); err != nil {
			return Transaction{}, err
		}
		txn.Lines = append(txn.Lines, line)
	}
	return txn, rows.Err()
}

// TransitionStatus moves a transaction from one status to another. It reports
// false when the row was not in the expected status.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, note string) (bool, error) {
	query := `UPDATE pos_transactions SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`
	if to == StatusCancelled {
		query = `UPDATE pos_transactions SET status=$3, void_reason=$4, updated_at=NOW() WHERE id=$1 AND status=$2`
		tag, err := r.pool.Exec(ctx, query, id, string(from), string(to), note)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	}
	tag, err := r.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
