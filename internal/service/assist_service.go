package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/screencopy/internal/ai"
	"github.com/digkill/screencopy/internal/models"
)

// AssistService covers the unmetered helpers: form prefill and copy edits.
type AssistService struct {
	log      *slog.Logger
	provider ai.Provider
}

func NewAssistService(log *slog.Logger, provider ai.Provider) *AssistService {
	return &AssistService{log: log, provider: provider}
}

// AnalyzeImage suggests form values for a screenshot. Provider failures yield
// an empty analysis with partial set, so the form simply stays blank.
func (s *AssistService) AnalyzeImage(ctx context.Context, img ai.Image) (analysis *models.ImageAnalysis, partial bool, err error) {
	if len(img.Data) == 0 {
		return nil, false, fmt.Errorf("%w: no image provided", ErrInvalidInput)
	}
	analysis, err = s.provider.AnalyzeImage(ctx, img)
	if err != nil {
		s.log.Warn("image analysis failed", "err", err)
		return &models.ImageAnalysis{}, true, nil
	}
	return analysis, false, nil
}

func (s *AssistService) RefineTweet(ctx context.Context, text, instruction, thread string) (string, error) {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("%w: missing text or instruction", ErrInvalidInput)
	}
	refined, err := s.provider.RefineText(ctx, ai.RefineRequest{
		Kind:        ai.RefineTweet,
		Text:        text,
		Instruction: instruction,
		Context:     thread,
	})
	if err != nil {
		return "", fmt.Errorf("refine tweet: %w", err)
	}
	return ai.ClampRunes(strings.TrimSpace(refined), ai.MaxRefinedTweetRunes), nil
}

// RefineCopy rewrites one variant. Presentation fields the model leaves out
// are carried over from the original.
func (s *AssistService) RefineCopy(ctx context.Context, original models.CopyVariant, instruction string, app *models.InputContext) (*models.CopyVariant, error) {
	if strings.TrimSpace(original.Headline) == "" || strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("%w: missing copy or instruction", ErrInvalidInput)
	}
	raw, err := s.provider.RefineText(ctx, ai.RefineRequest{
		Kind:        ai.RefineCopy,
		Instruction: instruction,
		Original:    &original,
		App:         app,
	})
	if err != nil {
		return nil, fmt.Errorf("refine copy: %w", err)
	}
	refined, err := ai.ParseVariant(raw)
	if err != nil {
		return nil, fmt.Errorf("refine copy: %w", err)
	}
	if refined.Layout == "" {
		refined.Layout = original.Layout
	}
	if refined.ColorHex == "" {
		refined.ColorHex = original.ColorHex
	}
	if refined.Style == "" {
		refined.Style = original.Style
	}
	return refined, nil
}
