package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/models"
)

const (
	copyMaxTokens    = 4096
	tweetMaxTokens   = 1024
	analyzeMaxTokens = 1000
	refineMaxTokens  = 500
)

type AnthropicProvider struct {
	client  anthropic.Client
	model   string
	enabled bool
	log     *slog.Logger
}

func NewAnthropicProvider(cfg config.Config, log *slog.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.AnthropicAPIKey),
		// the orchestrator owns retries
		option.WithMaxRetries(0),
	}
	if cfg.AnthropicBaseURL != "" {
		base := cfg.AnthropicBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	return &AnthropicProvider{
		client:  anthropic.NewClient(opts...),
		model:   cfg.AnthropicModel,
		enabled: cfg.AnthropicAPIKey != "",
		log:     log,
	}
}

func (p *AnthropicProvider) GenerateCopy(ctx context.Context, img Image, input models.InputContext) (*models.CopyOutput, error) {
	system, user := copyPrompts(input)
	text, err := p.complete(ctx, system, copyMaxTokens,
		anthropic.NewImageBlockBase64(img.mediaType(), img.Base64()),
		anthropic.NewTextBlock(user),
	)
	if err != nil {
		return nil, err
	}
	return ParseCopyOutput(text)
}

func (p *AnthropicProvider) RefineText(ctx context.Context, req RefineRequest) (string, error) {
	if req.Kind == RefineCopy {
		return p.complete(ctx, "", refineMaxTokens, anthropic.NewTextBlock(copyRefinePrompt(req)))
	}
	system, user := tweetRefinePrompts(req)
	text, err := p.complete(ctx, system, tweetMaxTokens, anthropic.NewTextBlock(user))
	if err != nil {
		return "", err
	}
	return cleanTweet(text), nil
}

func (p *AnthropicProvider) AnalyzeImage(ctx context.Context, img Image) (*models.ImageAnalysis, error) {
	text, err := p.complete(ctx, analyzeSystemPrompt, analyzeMaxTokens,
		anthropic.NewImageBlockBase64(img.mediaType(), img.Base64()),
		anthropic.NewTextBlock(analyzeUserPrompt),
	)
	if err != nil {
		return nil, err
	}
	return ParseImageAnalysis(text)
}

func (p *AnthropicProvider) complete(ctx context.Context, system string, maxTokens int64, blocks ...anthropic.ContentBlockParamUnion) (string, error) {
	if !p.enabled {
		return "", fmt.Errorf("%w: ANTHROPIC_API_KEY is not set", ErrMisconfigured)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			if p.log != nil {
				p.log.Debug("anthropic response", "model", p.model, "stop_reason", msg.StopReason, "output_tokens", msg.Usage.OutputTokens)
			}
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%w: anthropic returned no text content", ErrMalformedResponse)
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("anthropic: %w: %w", ErrMisconfigured, err)
		}
	}
	return fmt.Errorf("anthropic: %w: %w", ErrUpstream, err)
}
