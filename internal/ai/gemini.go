package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/models"
)

const geminiAttemptsPerModel = 3

type GeminiProvider struct {
	apiKey     string
	baseURL    string
	models     []string
	retryDelay time.Duration
	httpClient *http.Client
	log        *slog.Logger
}

func NewGeminiProvider(cfg config.Config, log *slog.Logger) *GeminiProvider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	var chain []string
	for _, m := range []string{cfg.GeminiModel, cfg.GeminiFallbackModel} {
		m = strings.TrimSpace(m)
		if m == "" || (len(chain) > 0 && chain[len(chain)-1] == m) {
			continue
		}
		chain = append(chain, m)
	}

	return &GeminiProvider{
		apiKey:     cfg.GeminiAPIKey,
		baseURL:    strings.TrimRight(cfg.GeminiBaseURL, "/"),
		models:     chain,
		retryDelay: cfg.GeminiRetryDelay,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  map[string]interface{} `json:"generationConfig,omitempty"`
}

func newGeminiRequest(system string, jsonOut bool, parts ...geminiPart) geminiRequest {
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if jsonOut {
		req.GenerationConfig = map[string]interface{}{"responseMimeType": "application/json"}
	}
	return req
}

func imagePart(img Image) geminiPart {
	return geminiPart{InlineData: &geminiInlineData{MimeType: img.mediaType(), Data: img.Base64()}}
}

func (p *GeminiProvider) GenerateCopy(ctx context.Context, img Image, input models.InputContext) (*models.CopyOutput, error) {
	system, user := copyPrompts(input)
	text, err := p.generateWithFallback(ctx, newGeminiRequest(system, true, geminiPart{Text: user}, imagePart(img)))
	if err != nil {
		return nil, err
	}
	return ParseCopyOutput(text)
}

func (p *GeminiProvider) RefineText(ctx context.Context, req RefineRequest) (string, error) {
	if req.Kind == RefineCopy {
		return p.generateWithFallback(ctx, newGeminiRequest("", true, geminiPart{Text: copyRefinePrompt(req)}))
	}
	system, user := tweetRefinePrompts(req)
	text, err := p.generateWithFallback(ctx, newGeminiRequest(system, false, geminiPart{Text: user}))
	if err != nil {
		return "", err
	}
	return cleanTweet(text), nil
}

func (p *GeminiProvider) AnalyzeImage(ctx context.Context, img Image) (*models.ImageAnalysis, error) {
	text, err := p.generateWithFallback(ctx, newGeminiRequest(analyzeSystemPrompt, true, geminiPart{Text: analyzeUserPrompt}, imagePart(img)))
	if err != nil {
		return nil, err
	}
	return ParseImageAnalysis(text)
}

// generateWithFallback walks the model chain. Rate limits and overload are
// retried on the same model with a growing delay; any other failure moves on
// to the next model. Credential and bad-request errors stop immediately.
func (p *GeminiProvider) generateWithFallback(ctx context.Context, req geminiRequest) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrMisconfigured)
	}
	if len(p.models) == 0 {
		return "", fmt.Errorf("%w: no Gemini model configured", ErrMisconfigured)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	var lastErr error
	for _, model := range p.models {
		for attempt := 1; attempt <= geminiAttemptsPerModel; attempt++ {
			text, status, err := p.call(ctx, model, body)
			if err == nil {
				return text, nil
			}
			lastErr = err
			if p.log != nil {
				p.log.Warn("gemini attempt failed", "model", model, "attempt", attempt, "status", status, "err", err)
			}

			switch status {
			case http.StatusUnauthorized, http.StatusForbidden:
				return "", fmt.Errorf("%w: gemini rejected credentials: %v", ErrMisconfigured, err)
			case http.StatusBadRequest:
				return "", fmt.Errorf("%w: gemini rejected request: %v", ErrMisconfigured, err)
			}
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", ErrUpstream, ctx.Err())
			}

			retryable := status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
			if !retryable || attempt == geminiAttemptsPerModel {
				break
			}
			if err := sleepCtx(ctx, p.retryDelay*time.Duration(attempt)); err != nil {
				return "", fmt.Errorf("%w: %w", ErrUpstream, err)
			}
		}
	}
	return "", fmt.Errorf("%w: all Gemini models failed after retries: %v", ErrUpstream, lastErr)
}

func (p *GeminiProvider) call(ctx context.Context, model string, body []byte) (string, int, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("post gemini: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = truncateBody(raw)
		}
		return "", resp.StatusCode, fmt.Errorf("gemini status %d: %s", resp.StatusCode, msg)
	}

	text := gjson.GetBytes(raw, "candidates.0.content.parts.0.text").String()
	if strings.TrimSpace(text) == "" {
		if reason := gjson.GetBytes(raw, "promptFeedback.blockReason").String(); reason != "" {
			return "", resp.StatusCode, fmt.Errorf("gemini blocked prompt: %s", reason)
		}
		return "", resp.StatusCode, fmt.Errorf("gemini returned no text")
	}
	return text, resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateBody(body []byte) string {
	return truncate(string(body), 512)
}
