package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/screencopy/internal/models"
)

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) WithTx(tx *sql.Tx) *PaymentRepository {
	return &PaymentRepository{db: tx}
}

// Create inserts the payment. A second insert for the same checkout session
// fails with a duplicate-key error (see IsDuplicate).
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, plan_id, provider, provider_session_id, provider_payment_id, currency, amount, credits, status, raw_payload)
VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, payment.UserID, payment.PlanID, payment.Provider, payment.ProviderSessionID, payment.ProviderPaymentID, payment.Currency, payment.Amount, payment.Credits, payment.Status, payment.RawPayload)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return nil
}

func (r *PaymentRepository) FindBySessionID(ctx context.Context, provider, sessionID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, plan_id, provider, provider_session_id, COALESCE(provider_payment_id, ''), currency, amount, credits, status, COALESCE(raw_payload, ''), created_at
FROM payments WHERE provider = ? AND provider_session_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, provider, sessionID)
	var p models.Payment
	var planID sql.NullInt64
	if err := row.Scan(&p.ID, &p.UserID, &planID, &p.Provider, &p.ProviderSessionID, &p.ProviderPaymentID, &p.Currency, &p.Amount, &p.Credits, &p.Status, &p.RawPayload, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if planID.Valid {
		p.PlanID = &planID.Int64
	}
	return &p, nil
}
