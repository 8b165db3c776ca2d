package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/screencopy/internal/models"
)

// RefundRepository is the outbox for compensating refunds that could not be
// applied inline.
type RefundRepository struct {
	db DBTX
}

func NewRefundRepository(db DBTX) *RefundRepository {
	return &RefundRepository{db: db}
}

func (r *RefundRepository) WithTx(tx *sql.Tx) *RefundRepository {
	return &RefundRepository{db: tx}
}

func (r *RefundRepository) Enqueue(ctx context.Context, userID string, amount int, reason, lastErr string) (int64, error) {
	const query = `
INSERT INTO refund_intents (user_id, amount, reason, status, last_error)
VALUES (?, ?, ?, 'pending', NULLIF(?, ''))`
	res, err := r.db.ExecContext(ctx, query, userID, amount, reason, lastErr)
	if err != nil {
		return 0, fmt.Errorf("enqueue refund intent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("refund intent id: %w", err)
	}
	return id, nil
}

func (r *RefundRepository) ListPending(ctx context.Context, limit int) ([]models.RefundIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT id, user_id, amount, reason, status, attempts, COALESCE(last_error, ''), created_at, updated_at
FROM refund_intents
WHERE status = 'pending'
ORDER BY id ASC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list refund intents: %w", err)
	}
	defer rows.Close()

	var intents []models.RefundIntent
	for rows.Next() {
		var in models.RefundIntent
		if err := rows.Scan(&in.ID, &in.UserID, &in.Amount, &in.Reason, &in.Status, &in.Attempts, &in.LastError, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan refund intent: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// Claim flips a pending intent to done. It returns false when another worker
// already settled it; run inside the same transaction as the refund itself.
func (r *RefundRepository) Claim(ctx context.Context, id int64) (bool, error) {
	const query = `
UPDATE refund_intents SET status = 'done', attempts = attempts + 1
WHERE id = ? AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim refund intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *RefundRepository) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	const query = `
UPDATE refund_intents SET attempts = attempts + 1, last_error = ?
WHERE id = ? AND status = 'pending'`
	if _, err := r.db.ExecContext(ctx, query, lastErr, id); err != nil {
		return fmt.Errorf("mark refund intent failed: %w", err)
	}
	return nil
}
