package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/screencopy/internal/ai"
	"github.com/digkill/screencopy/internal/models"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientQuota = errors.New("insufficient credits, payment required")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrStorage           = errors.New("storage unavailable")
)

// CreditRestoredNotice is appended to every generation failure shown to users.
const CreditRestoredNotice = "Your credit has been restored."

type Step string

const (
	StepUpload   Step = "upload"
	StepGenerate Step = "generate"
	StepPersist  Step = "persist"
)

// GenerationError is returned when a pipeline step fails after the credit was
// reserved. The credit has been compensated by the time it is returned.
type GenerationError struct {
	Step Step
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s: %v", e.Step, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// UserMessage is the text surfaced to the caller: the failed step, the
// cause when it is one of the known classes, and the refund notice. Raw
// vendor and driver messages are never included.
func (e *GenerationError) UserMessage() string {
	var msg string
	switch e.Step {
	case StepUpload:
		msg = "Failed to upload image"
	case StepGenerate:
		msg = "AI generation failed after multiple attempts"
	case StepPersist:
		msg = "Failed to save history"
	default:
		msg = "Generation failed"
	}
	if cause := publicCause(e.Err); cause != "" {
		msg += ": " + cause
	}
	return msg + ". " + CreditRestoredNotice
}

func publicCause(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	case errors.Is(err, ai.ErrMisconfigured):
		return ai.ErrMisconfigured.Error()
	case errors.Is(err, ai.ErrMalformedResponse), errors.Is(err, models.ErrInvalidOutput):
		return ai.ErrMalformedResponse.Error()
	case errors.Is(err, ai.ErrUpstream):
		return ai.ErrUpstream.Error()
	case errors.Is(err, ErrStorage):
		return ErrStorage.Error()
	default:
		return ""
	}
}
