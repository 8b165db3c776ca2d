package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/digkill/screencopy/internal/models"
)

// GenerationRepository is the result store. It performs no authorization;
// callers check ownership before mutating.
type GenerationRepository struct {
	db DBTX
}

func NewGenerationRepository(db DBTX) *GenerationRepository {
	return &GenerationRepository{db: db}
}

type ListOptions struct {
	FavoritesOnly bool
	Limit         int
}

const generationColumns = `id, user_id, image_url, input_context, output_kind, output_copy, is_favorite, created_at`

func (r *GenerationRepository) Insert(ctx context.Context, g *models.Generation) (string, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	inputJSON, err := json.Marshal(g.InputContext)
	if err != nil {
		return "", fmt.Errorf("marshal input context: %w", err)
	}
	outputJSON, err := json.Marshal(g.OutputCopy)
	if err != nil {
		return "", fmt.Errorf("marshal output copy: %w", err)
	}
	const query = `
INSERT INTO generations (id, user_id, image_url, input_context, output_kind, output_copy, is_favorite)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.UserID, g.ImageURL, inputJSON, string(g.OutputCopy.Kind), outputJSON, g.IsFavorite); err != nil {
		return "", fmt.Errorf("insert generation: %w", err)
	}
	return g.ID, nil
}

// ListByUser yields the user's generations newest first. Rows are scanned on
// demand and every range over the sequence runs a fresh query.
func (r *GenerationRepository) ListByUser(ctx context.Context, userID string, opts ListOptions) iter.Seq2[models.Generation, error] {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE user_id = ?`
	args := []any{userID}
	if opts.FavoritesOnly {
		query += ` AND is_favorite = 1`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return func(yield func(models.Generation, error) bool) {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(models.Generation{}, fmt.Errorf("list generations: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			g, err := scanGeneration(rows)
			if err != nil {
				yield(models.Generation{}, err)
				return
			}
			if !yield(g, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Generation{}, fmt.Errorf("iterate generations: %w", err))
		}
	}
}

func (r *GenerationRepository) FindByID(ctx context.Context, id string) (*models.Generation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

func (r *GenerationRepository) UpdateOutputCopy(ctx context.Context, id string, output models.CopyOutput) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output copy: %w", err)
	}
	const query = `UPDATE generations SET output_kind = ?, output_copy = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, string(output.Kind), outputJSON, id); err != nil {
		return fmt.Errorf("update output copy: %w", err)
	}
	return nil
}

func (r *GenerationRepository) SetFavorite(ctx context.Context, id string, value bool) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE generations SET is_favorite = ? WHERE id = ?`, value, id); err != nil {
		return fmt.Errorf("set favorite: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(s rowScanner) (models.Generation, error) {
	var (
		g          models.Generation
		inputJSON  []byte
		kind       string
		outputJSON []byte
	)
	if err := s.Scan(&g.ID, &g.UserID, &g.ImageURL, &inputJSON, &kind, &outputJSON, &g.IsFavorite, &g.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return g, err
		}
		return g, fmt.Errorf("scan generation: %w", err)
	}
	if err := json.Unmarshal(inputJSON, &g.InputContext); err != nil {
		return g, fmt.Errorf("decode input context of %s: %w", g.ID, err)
	}
	output, err := decodeOutput(models.OutputKind(kind), outputJSON)
	if err != nil {
		return g, fmt.Errorf("decode output copy of %s: %w", g.ID, err)
	}
	g.OutputCopy = output
	return g, nil
}

// decodeOutput trusts the stored discriminant instead of sniffing the payload.
func decodeOutput(kind models.OutputKind, raw []byte) (models.CopyOutput, error) {
	switch kind {
	case models.OutputVariants:
		var variants []models.CopyVariant
		if err := json.Unmarshal(raw, &variants); err != nil {
			return models.CopyOutput{}, err
		}
		return models.CopyOutput{Kind: kind, Variants: variants}, nil
	case models.OutputWeeklySchedule:
		var schedule models.WeeklySchedule
		if err := json.Unmarshal(raw, &schedule); err != nil {
			return models.CopyOutput{}, err
		}
		return models.CopyOutput{Kind: kind, Schedule: &schedule}, nil
	default:
		return models.CopyOutput{}, fmt.Errorf("unknown output kind %q", kind)
	}
}
