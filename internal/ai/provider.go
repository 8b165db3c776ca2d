// Package ai wraps the LLM backends that write and refine marketing copy.
// Every backend satisfies Provider so callers never branch on the vendor.
package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/digkill/screencopy/internal/models"
)

var (
	// ErrUpstream marks transient vendor failures (rate limits, 5xx, network).
	ErrUpstream = errors.New("ai upstream unavailable")
	// ErrMalformedResponse marks output that failed JSON or shape validation.
	ErrMalformedResponse = errors.New("ai returned malformed response")
	// ErrMisconfigured marks failures that retrying cannot fix.
	ErrMisconfigured = errors.New("ai provider misconfigured")
)

type Provider interface {
	GenerateCopy(ctx context.Context, img Image, input models.InputContext) (*models.CopyOutput, error)
	RefineText(ctx context.Context, req RefineRequest) (string, error)
	AnalyzeImage(ctx context.Context, img Image) (*models.ImageAnalysis, error)
}

type Image struct {
	Data      []byte
	MediaType string
}

func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// mediaType falls back to PNG; both vendors reject an empty media type.
func (i Image) mediaType() string {
	mt := strings.ToLower(strings.TrimSpace(i.MediaType))
	switch mt {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return mt
	case "image/jpg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}

type RefineKind string

const (
	RefineTweet RefineKind = "tweet"
	RefineCopy  RefineKind = "copy"
)

// MaxRefinedTweetRunes is the length ceiling for refined tweets.
const MaxRefinedTweetRunes = 240

// RefineRequest asks for a rewrite of Text following Instruction. For
// RefineCopy the provider answers with a JSON variant built from Original.
type RefineRequest struct {
	Kind        RefineKind
	Text        string
	Instruction string
	Context     string
	Original    *models.CopyVariant
	App         *models.InputContext
}
