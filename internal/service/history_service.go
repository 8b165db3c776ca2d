package service

import (
	"context"
	"fmt"
	"iter"

	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/repository"
)

type GenerationRecords interface {
	ListByUser(ctx context.Context, userID string, opts repository.ListOptions) iter.Seq2[models.Generation, error]
	FindByID(ctx context.Context, id string) (*models.Generation, error)
	UpdateOutputCopy(ctx context.Context, id string, output models.CopyOutput) error
	SetFavorite(ctx context.Context, id string, favorite bool) error
	Delete(ctx context.Context, id string) error
}

const defaultHistoryLimit = 50

// HistoryService exposes a user's stored generations. Every mutation checks
// ownership first.
type HistoryService struct {
	records GenerationRecords
}

func NewHistoryService(records GenerationRecords) *HistoryService {
	return &HistoryService{records: records}
}

func (s *HistoryService) List(ctx context.Context, userID string, favoritesOnly bool, limit int) ([]models.Generation, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	items := make([]models.Generation, 0, limit)
	for g, err := range s.records.ListByUser(ctx, userID, repository.ListOptions{FavoritesOnly: favoritesOnly, Limit: limit}) {
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, nil
}

func (s *HistoryService) Get(ctx context.Context, userID, id string) (*models.Generation, error) {
	return s.owned(ctx, userID, id)
}

// UpdateOutput replaces the stored copy after the user edits it.
func (s *HistoryService) UpdateOutput(ctx context.Context, userID, id string, output models.CopyOutput) (*models.Generation, error) {
	if err := output.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	g, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.records.UpdateOutputCopy(ctx, id, output); err != nil {
		return nil, err
	}
	g.OutputCopy = output
	return g, nil
}

func (s *HistoryService) SetFavorite(ctx context.Context, userID, id string, favorite bool) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	return s.records.SetFavorite(ctx, id, favorite)
}

func (s *HistoryService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	return s.records.Delete(ctx, id)
}

func (s *HistoryService) owned(ctx context.Context, userID, id string) (*models.Generation, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	g, err := s.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	if g.UserID != userID {
		return nil, ErrForbidden
	}
	return g, nil
}
