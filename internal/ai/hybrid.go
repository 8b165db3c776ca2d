package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/models"
)

// HybridProvider writes copy with one backend and reads screenshots with
// another.
type HybridProvider struct {
	writer   Provider
	analyzer Provider
}

func NewHybridProvider(writer, analyzer Provider) *HybridProvider {
	return &HybridProvider{writer: writer, analyzer: analyzer}
}

func (h *HybridProvider) GenerateCopy(ctx context.Context, img Image, input models.InputContext) (*models.CopyOutput, error) {
	return h.writer.GenerateCopy(ctx, img, input)
}

func (h *HybridProvider) RefineText(ctx context.Context, req RefineRequest) (string, error) {
	return h.writer.RefineText(ctx, req)
}

func (h *HybridProvider) AnalyzeImage(ctx context.Context, img Image) (*models.ImageAnalysis, error) {
	return h.analyzer.AnalyzeImage(ctx, img)
}

// New builds the provider selected by AI_PROVIDER.
func New(cfg config.Config, log *slog.Logger) (Provider, error) {
	switch cfg.AIProvider {
	case "", "anthropic":
		return NewAnthropicProvider(cfg, log), nil
	case "gemini":
		return NewGeminiProvider(cfg, log), nil
	case "hybrid":
		return NewHybridProvider(NewAnthropicProvider(cfg, log), NewGeminiProvider(cfg, log)), nil
	default:
		return nil, fmt.Errorf("%w: unknown AI_PROVIDER %q", ErrMisconfigured, cfg.AIProvider)
	}
}
