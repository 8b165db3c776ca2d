package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digkill/screencopy/internal/ai"
	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/design"
	"github.com/digkill/screencopy/internal/metrics"
	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/storage"
)

const (
	generationCost = 1
	// ledgerTimeout bounds bookkeeping that must still run after the
	// pipeline deadline has passed.
	ledgerTimeout = 10 * time.Second
)

type CreditLedger interface {
	Reserve(ctx context.Context, userID string, amount int) (bool, int, error)
	RecordTransaction(ctx context.Context, userID string, amount int, kind models.TransactionType, reason string) error
	Refund(ctx context.Context, userID string, amount int, reason string) RefundOutcome
}

type ObjectUploader interface {
	Upload(ctx context.Context, obj storage.Object) (string, error)
}

type GenerationStore interface {
	Insert(ctx context.Context, g *models.Generation) (string, error)
}

// CardRenderer turns a weekly schedule into a PNG. ok is false when the
// schedule has nothing to draw.
type CardRenderer func(s *models.WeeklySchedule) (png []byte, ok bool, err error)

func renderScheduleCard(s *models.WeeklySchedule) ([]byte, bool, error) {
	card, ok := design.CardFromSchedule(s)
	if !ok {
		return nil, false, nil
	}
	png, err := design.Render(card)
	if err != nil {
		return nil, false, err
	}
	return png, true, nil
}

type GenerationService struct {
	log        *slog.Logger
	ledger     CreditLedger
	uploader   ObjectUploader
	provider   ai.Provider
	store      GenerationStore
	renderCard CardRenderer
	tracer     trace.Tracer
	sleep      func(context.Context, time.Duration) error

	attempts   int
	retryDelay time.Duration
	timeout    time.Duration
}

func NewGenerationService(cfg config.Config, log *slog.Logger, ledger CreditLedger, uploader ObjectUploader, provider ai.Provider, store GenerationStore) *GenerationService {
	attempts := cfg.GenerationAttempts
	if attempts < 1 {
		attempts = 3
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &GenerationService{
		log:        log,
		ledger:     ledger,
		uploader:   uploader,
		provider:   provider,
		store:      store,
		renderCard: renderScheduleCard,
		tracer:     otel.Tracer("github.com/digkill/screencopy/internal/service"),
		sleep:      sleepContext,
		attempts:   attempts,
		retryDelay: cfg.GenerationRetryDelay,
		timeout:    timeout,
	}
}

type GenerateInput struct {
	UserID  string
	Image   ai.Image
	Context models.InputContext
}

type GenerateResult struct {
	ID       string             `json:"id"`
	Output   *models.CopyOutput `json:"output"`
	ImageURL string             `json:"image_url"`
}

// Generate runs one paid generation. A credit is reserved before any work and
// restored if a later step fails; a *GenerationError is returned in that
// case. The pipeline keeps running when the caller disconnects, bounded by
// the generation timeout; ledger writes get their own deadline so a timed
// out pipeline is still refunded.
func (s *GenerationService) Generate(ctx context.Context, in GenerateInput) (*GenerateResult, error) {
	if in.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if len(in.Image.Data) == 0 {
		return nil, fmt.Errorf("%w: no image provided", ErrInvalidInput)
	}
	in.Context = normalizeContext(in.Context)

	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "generation.run", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.String("platform", in.Context.Platform),
	))
	defer span.End()
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	ok, before, err := s.ledger.Reserve(runCtx, in.UserID, generationCost)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.ObserveGeneration("no_credits", time.Since(start))
			return nil, ErrInsufficientQuota
		}
		span.RecordError(err)
		return nil, fmt.Errorf("reserve credit: %w", err)
	}
	if !ok {
		metrics.ObserveGeneration("no_credits", time.Since(start))
		s.log.Info("generation refused, no credits", "user_id", in.UserID, "balance", before)
		return nil, ErrInsufficientQuota
	}

	result, genErr := s.run(runCtx, in)

	ledgerCtx, cancelLedger := context.WithTimeout(ctx, ledgerTimeout)
	defer cancelLedger()
	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, string(genErr.Step))
		outcome := s.ledger.Refund(ledgerCtx, in.UserID, generationCost, "Generation failed: "+genErr.Error())
		s.log.Error("generation failed", "user_id", in.UserID, "step", genErr.Step, "refund", outcome, "err", genErr.Err)
		metrics.ObserveGeneration("failed", time.Since(start))
		return nil, genErr
	}

	if err := s.ledger.RecordTransaction(ledgerCtx, in.UserID, -generationCost, models.TransactionGeneration, "Generated copy for "+in.Context.AppName); err != nil {
		s.log.Error("failed to record generation transaction", "user_id", in.UserID, "generation_id", result.ID, "err", err)
	}
	metrics.ObserveGeneration("success", time.Since(start))
	s.log.Info("generation completed", "user_id", in.UserID, "generation_id", result.ID, "kind", result.Output.Kind, "duration", time.Since(start))
	return result, nil
}

func (s *GenerationService) run(ctx context.Context, in GenerateInput) (*GenerateResult, *GenerationError) {
	uploadCtx, span := s.tracer.Start(ctx, "generation.upload")
	imageURL, err := s.uploader.Upload(uploadCtx, storage.Object{
		UserID:      in.UserID,
		Data:        in.Image.Data,
		ContentType: in.Image.MediaType,
	})
	span.End()
	if err != nil {
		return nil, &GenerationError{Step: StepUpload, Err: fmt.Errorf("%w: %w", ErrStorage, err)}
	}

	output, err := s.generateWithRetry(ctx, in)
	if err != nil {
		return nil, &GenerationError{Step: StepGenerate, Err: err}
	}

	if output.Kind == models.OutputWeeklySchedule {
		imageURL = s.synthesizeCard(ctx, in.UserID, output.Schedule, imageURL)
	}

	persistCtx, span := s.tracer.Start(ctx, "generation.persist")
	id, err := s.store.Insert(persistCtx, &models.Generation{
		UserID:       in.UserID,
		ImageURL:     imageURL,
		InputContext: in.Context,
		OutputCopy:   *output,
	})
	span.End()
	if err != nil {
		return nil, &GenerationError{Step: StepPersist, Err: fmt.Errorf("%w: %w", ErrStorage, err)}
	}

	return &GenerateResult{ID: id, Output: output, ImageURL: imageURL}, nil
}

// generateWithRetry calls the provider up to s.attempts times, sleeping
// attempt*retryDelay between tries. Misconfiguration is not retried.
func (s *GenerationService) generateWithRetry(ctx context.Context, in GenerateInput) (*models.CopyOutput, error) {
	ctx, span := s.tracer.Start(ctx, "generation.generate")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		span.SetAttributes(attribute.Int("attempts", attempt))
		output, err := s.provider.GenerateCopy(ctx, in.Image, in.Context)
		if err == nil {
			err = output.Validate()
		}
		if err == nil {
			metrics.ObserveProviderAttempt("success")
			return output, nil
		}

		lastErr = err
		metrics.ObserveProviderAttempt(attemptOutcome(err))
		s.log.Warn("generation attempt failed", "user_id", in.UserID, "attempt", attempt, "err", err)
		if errors.Is(err, ai.ErrMisconfigured) {
			break
		}
		if attempt < s.attempts {
			if err := s.sleep(ctx, time.Duration(attempt)*s.retryDelay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
	}
	return nil, lastErr
}

// synthesizeCard renders and uploads a share card for a weekly schedule. Any
// failure keeps the original screenshot URL.
func (s *GenerationService) synthesizeCard(ctx context.Context, userID string, schedule *models.WeeklySchedule, fallback string) string {
	ctx, span := s.tracer.Start(ctx, "generation.card")
	defer span.End()

	png, ok, err := s.renderCard(schedule)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("card render failed, keeping screenshot", "user_id", userID, "err", err)
		}
		return fallback
	}
	url, err := s.uploader.Upload(ctx, storage.Object{
		UserID:      userID,
		Data:        png,
		ContentType: "image/png",
		Generated:   true,
	})
	if err != nil {
		s.log.Warn("card upload failed, keeping screenshot", "user_id", userID, "err", err)
		return fallback
	}
	return url
}

func attemptOutcome(err error) string {
	switch {
	case errors.Is(err, ai.ErrMisconfigured):
		return "misconfigured"
	case errors.Is(err, ai.ErrMalformedResponse), errors.Is(err, models.ErrInvalidOutput):
		return "malformed"
	default:
		return "upstream"
	}
}

func normalizeContext(c models.InputContext) models.InputContext {
	c.AppName = strings.TrimSpace(c.AppName)
	if strings.TrimSpace(c.Language) == "" {
		c.Language = models.DefaultLanguage
	}
	if strings.TrimSpace(c.Platform) == "" {
		c.Platform = models.PlatformAppStore
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
