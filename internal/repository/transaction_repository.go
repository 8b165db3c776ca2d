package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/screencopy/internal/models"
)

type TransactionRepository struct {
	db DBTX
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) WithTx(tx *sql.Tx) *TransactionRepository {
	return &TransactionRepository{db: tx}
}

// Record appends a ledger row. Rows are never updated or deleted.
func (r *TransactionRepository) Record(ctx context.Context, userID string, amount int, kind models.TransactionType, reason *string) error {
	const query = `
INSERT INTO credit_transactions (user_id, amount, type, reason)
VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, userID, amount, kind, reason); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, user_id, amount, type, reason, created_at
FROM credit_transactions
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var reason sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if reason.Valid {
			t.Reason = &reason.String
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Sum returns the net of every ledger row for the user.
func (r *TransactionRepository) Sum(ctx context.Context, userID string) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = ?`, userID)
	var sum int
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}
