package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/screencopy/internal/ai"
	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/service"
)

const (
	msgNoImage        = "No image provided. Please upload a screenshot to continue."
	msgNoCredits      = "You have no credits left. Purchase more credits to continue generating copy."
	msgUnexpected     = "An unexpected error occurred. Please try again."
	msgImageTooLarge  = "Image is too large."
	msgUnsupportedImg = "Unsupported file type. Please upload an image."
	webhookBodyLimit  = 1 << 20
	creditHistorySize = 20
)

var (
	errNoImage          = errors.New("no image provided")
	errUnsupportedImage = errors.New("unsupported image type")
)

// readImage pulls the "file" part out of a multipart request.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (ai.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := r.ParseMultipartForm(s.maxBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ai.Image{}, err
		}
		return ai.Image{}, errNoImage
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return ai.Image{}, errNoImage
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return ai.Image{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return ai.Image{}, errNoImage
	}
	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return ai.Image{}, errUnsupportedImage
	}
	return ai.Image{Data: data, MediaType: mediaType}, nil
}

func (s *Server) imageError(w http.ResponseWriter, err error, noImage string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, msgImageTooLarge)
	case errors.Is(err, errUnsupportedImage):
		s.writeError(w, http.StatusBadRequest, msgUnsupportedImg)
	case errors.Is(err, errNoImage):
		s.writeError(w, http.StatusBadRequest, noImage)
	default:
		s.internalError(w, err, msgUnexpected)
	}
}

func contextFromForm(r *http.Request) models.InputContext {
	return models.InputContext{
		AppName:        r.FormValue("appName"),
		Category:       r.FormValue("category"),
		TargetAudience: r.FormValue("targetAudience"),
		Tone:           r.FormValue("tone"),
		Description:    r.FormValue("description"),
		Keywords:       r.FormValue("keywords"),
		Language:       r.FormValue("language"),
		Platform:       r.FormValue("platform"),
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.imageError(w, err, msgNoImage)
		return
	}

	res, err := s.deps.Generator.Generate(r.Context(), service.GenerateInput{
		UserID:  currentUser(r).ID,
		Image:   img,
		Context: contextFromForm(r),
	})
	if err != nil {
		var genErr *service.GenerationError
		switch {
		case errors.As(err, &genErr):
			s.writeError(w, http.StatusInternalServerError, genErr.UserMessage())
		case errors.Is(err, service.ErrInsufficientQuota):
			s.writeError(w, http.StatusForbidden, msgNoCredits)
		case errors.Is(err, service.ErrInvalidInput):
			s.writeError(w, http.StatusBadRequest, msgNoImage)
		case errors.Is(err, service.ErrUnauthenticated):
			s.writeError(w, http.StatusUnauthorized, "Please sign in to generate copy.")
		default:
			s.internalError(w, err, msgUnexpected)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"data":     res.Output,
		"imageUrl": res.ImageURL,
		"id":       res.ID,
	})
}

func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(w, r)
	if err != nil {
		s.imageError(w, err, "No image provided.")
		return
	}
	analysis, partial, err := s.deps.Assistant.AnalyzeImage(r.Context(), img)
	if err != nil {
		s.serviceError(w, err, "Failed to analyze image.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    analysis,
		"partial": partial,
	})
}

type refineRequest struct {
	OriginalCopy *models.CopyVariant  `json:"originalCopy"`
	Instruction  string               `json:"instruction"`
	Context      *models.InputContext `json:"context"`
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if req.OriginalCopy == nil || strings.TrimSpace(req.Instruction) == "" {
		s.writeError(w, http.StatusBadRequest, "Missing required fields: originalCopy and instruction")
		return
	}
	refined, err := s.deps.Assistant.RefineCopy(r.Context(), *req.OriginalCopy, req.Instruction, req.Context)
	if err != nil {
		s.serviceError(w, err, "Failed to refine copy. Please try again.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": refined})
}

type refineTweetRequest struct {
	Text        string `json:"text"`
	Instruction string `json:"instruction"`
	Context     string `json:"context"`
}

func (s *Server) handleRefineTweet(w http.ResponseWriter, r *http.Request) {
	var req refineTweetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.Instruction) == "" {
		s.writeError(w, http.StatusBadRequest, "Missing text or instruction")
		return
	}
	refined, err := s.deps.Assistant.RefineTweet(r.Context(), req.Text, req.Instruction, req.Context)
	if err != nil {
		s.internalError(w, err, "Failed to refine text")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"refinedText": refined})
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	favorites, _ := strconv.ParseBool(r.URL.Query().Get("favorites"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.deps.History.List(r.Context(), currentUser(r).ID, favorites, limit)
	if err != nil {
		s.serviceError(w, err, "Failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": items})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.History.Get(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, err, "Failed to load generation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": g})
}

type updateGenerationRequest struct {
	OutputCopy json.RawMessage `json:"output_copy"`
}

func (s *Server) handleUpdateGeneration(w http.ResponseWriter, r *http.Request) {
	var req updateGenerationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	raw := strings.TrimSpace(string(req.OutputCopy))
	if raw == "" || raw == "null" {
		s.writeError(w, http.StatusBadRequest, "Missing output_copy")
		return
	}
	var output models.CopyOutput
	if err := json.Unmarshal(req.OutputCopy, &output); err != nil {
		s.badRequest(w, err)
		return
	}
	if _, err := s.deps.History.UpdateOutput(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"), output); err != nil {
		s.serviceError(w, err, "Failed to update generation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type favoriteRequest struct {
	IsFavorite bool `json:"is_favorite"`
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if err := s.deps.History.SetFavorite(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"), req.IsFavorite); err != nil {
		s.serviceError(w, err, "Failed to update generation")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteGeneration(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.History.Delete(r.Context(), currentUser(r).ID, chi.URLParam(r, "id")); err != nil {
		s.serviceError(w, err, "Failed to delete generation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r).ID
	balance, err := s.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		s.serviceError(w, err, "Failed to load credits")
		return
	}
	txs, err := s.deps.Ledger.History(r.Context(), userID, creditHistorySize)
	if err != nil {
		s.internalError(w, err, "Failed to load credits")
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"credits": balance, "transactions": txs})
}

func (s *Server) handleListActivePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Plans.List(r.Context(), true)
	if err != nil {
		s.internalError(w, err, "Failed to load plans")
		return
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	s.writeJSON(w, http.StatusOK, plans)
}

type checkoutRequest struct {
	PlanID int64 `json:"planId"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(w, err)
		return
	}
	user := currentUser(r)
	session, err := s.deps.Billing.CreateCheckout(r.Context(), user.ID, user.Email, req.PlanID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Plan not found")
			return
		}
		s.serviceError(w, err, "Failed to create checkout session")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body error")
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		s.writeError(w, http.StatusBadRequest, "Missing stripe-signature header")
		return
	}
	if err := s.deps.Billing.HandleStripeWebhook(r.Context(), body, signature); err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			s.log.Warn("stripe webhook rejected", "err", err)
			s.writeError(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
			return
		}
		s.internalError(w, err, "Webhook handler failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
