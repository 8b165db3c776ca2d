package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/screencopy/internal/models"
)

var ErrProfileNotFound = errors.New("profile not found")

type ProfileRepository struct {
	db DBTX
}

func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// WithTx returns a copy bound to tx.
func (r *ProfileRepository) WithTx(tx *sql.Tx) *ProfileRepository {
	return &ProfileRepository{db: tx}
}

func (r *ProfileRepository) Find(ctx context.Context, id string) (*models.Profile, error) {
	const query = `
SELECT id, COALESCE(email, ''), credits, created_at, updated_at
FROM profiles WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var p models.Profile
	if err := row.Scan(&p.ID, &p.Email, &p.Credits, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return &p, nil
}

// Create inserts the profile unless it already exists. created is true only
// for the caller whose insert won.
func (r *ProfileRepository) Create(ctx context.Context, id, email string, credits int) (bool, error) {
	const query = `
INSERT IGNORE INTO profiles (id, email, credits)
VALUES (?, NULLIF(?, ''), ?)`
	res, err := r.db.ExecContext(ctx, query, id, email, credits)
	if err != nil {
		return false, fmt.Errorf("insert profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("profile rows affected: %w", err)
	}
	return affected == 1, nil
}

// Reserve decrements credits only when the balance covers amount, in one
// statement. LAST_INSERT_ID(expr) hands back the post-decrement balance from
// the same UPDATE so no second read is needed.
func (r *ProfileRepository) Reserve(ctx context.Context, id string, amount int) (bool, int, error) {
	const query = `
UPDATE profiles SET credits = LAST_INSERT_ID(credits - ?)
WHERE id = ? AND credits >= ?`
	res, err := r.db.ExecContext(ctx, query, amount, id, amount)
	if err != nil {
		return false, 0, fmt.Errorf("reserve credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("reserve rows affected: %w", err)
	}
	if affected == 0 {
		balance, err := r.Balance(ctx, id)
		if err != nil {
			return false, 0, err
		}
		return false, balance, nil
	}
	after, err := res.LastInsertId()
	if err != nil {
		return false, 0, fmt.Errorf("reserve balance: %w", err)
	}
	return true, int(after) + amount, nil
}

// AddCredits increments the balance. It is not idempotent.
func (r *ProfileRepository) AddCredits(ctx context.Context, id string, amount int) error {
	const query = `UPDATE profiles SET credits = credits + ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, amount, id)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add credits rows affected: %w", err)
	}
	if affected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (r *ProfileRepository) Balance(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT credits FROM profiles WHERE id = ?`, id)
	var credits int
	if err := row.Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProfileNotFound
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return credits, nil
}
