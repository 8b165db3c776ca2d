package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/screencopy/internal/ai"
	"github.com/digkill/screencopy/internal/auth"
	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/service"
)

const jwtSecret = "0123456789abcdef0123456789abcdef"

type stubProfiles struct{ ensured []string }

func (p *stubProfiles) Ensure(_ context.Context, userID, _ string) (bool, error) {
	p.ensured = append(p.ensured, userID)
	return false, nil
}

type stubGenerator struct {
	in  service.GenerateInput
	res *service.GenerateResult
	err error
}

func (g *stubGenerator) Generate(_ context.Context, in service.GenerateInput) (*service.GenerateResult, error) {
	g.in = in
	return g.res, g.err
}

type stubHistory struct {
	owner   string
	updated *models.CopyOutput
}

func (h *stubHistory) List(_ context.Context, userID string, favoritesOnly bool, limit int) ([]models.Generation, error) {
	output := models.NewVariantsOutput([]models.CopyVariant{{Headline: "Focus"}})
	return []models.Generation{{ID: "g1", UserID: userID, OutputCopy: *output, IsFavorite: favoritesOnly}}, nil
}

func (h *stubHistory) Get(_ context.Context, userID, id string) (*models.Generation, error) {
	if id == "missing" {
		return nil, service.ErrNotFound
	}
	if userID != h.owner {
		return nil, service.ErrForbidden
	}
	output := models.NewVariantsOutput([]models.CopyVariant{{Headline: "Focus"}})
	return &models.Generation{ID: id, UserID: userID, OutputCopy: *output}, nil
}

func (h *stubHistory) UpdateOutput(_ context.Context, userID, id string, output models.CopyOutput) (*models.Generation, error) {
	if userID != h.owner {
		return nil, service.ErrForbidden
	}
	h.updated = &output
	return &models.Generation{ID: id, UserID: userID, OutputCopy: output}, nil
}

func (h *stubHistory) SetFavorite(_ context.Context, userID, _ string, _ bool) error {
	if userID != h.owner {
		return service.ErrForbidden
	}
	return nil
}

func (h *stubHistory) Delete(_ context.Context, userID, id string) error {
	if id == "missing" {
		return service.ErrNotFound
	}
	if userID != h.owner {
		return service.ErrForbidden
	}
	return nil
}

type stubAssistant struct{}

func (stubAssistant) AnalyzeImage(context.Context, ai.Image) (*models.ImageAnalysis, bool, error) {
	return &models.ImageAnalysis{AppName: "Focus"}, false, nil
}

func (stubAssistant) RefineTweet(_ context.Context, text, _, _ string) (string, error) {
	if text == "fail" {
		return "", ai.ErrUpstream
	}
	return "refined " + text, nil
}

func (stubAssistant) RefineCopy(_ context.Context, original models.CopyVariant, _ string, _ *models.InputContext) (*models.CopyVariant, error) {
	original.Headline += "!"
	return &original, nil
}

type stubLedger struct{ granted int }

func (l *stubLedger) Balance(context.Context, string) (int, error) { return 7, nil }

func (l *stubLedger) History(context.Context, string, int) ([]models.Transaction, error) {
	return nil, nil
}

func (l *stubLedger) Grant(_ context.Context, _ string, amount int, _ string) error {
	l.granted += amount
	return nil
}

func (l *stubLedger) ReconcileRefunds(context.Context, int) (int, error) { return 2, nil }

func (l *stubLedger) ReconcileBalance(_ context.Context, userID string) (service.BalanceReport, error) {
	return service.BalanceReport{UserID: userID, Balance: 7, LedgerSum: 7}, nil
}

type stubPlans struct{}

func (stubPlans) List(_ context.Context, activeOnly bool) ([]models.Plan, error) {
	return []models.Plan{{ID: 1, Title: "50 Credits", IsActive: activeOnly}}, nil
}

func (stubPlans) Create(_ context.Context, in service.CreatePlanInput) (*models.Plan, error) {
	return &models.Plan{ID: 2, Title: in.Title}, nil
}

func (stubPlans) Update(_ context.Context, id int64, _ service.UpdatePlanInput) (*models.Plan, error) {
	return &models.Plan{ID: id}, nil
}

func (stubPlans) Delete(context.Context, int64) error { return nil }

type stubBilling struct{ webhookErr error }

func (b *stubBilling) CreateCheckout(_ context.Context, userID, _ string, planID int64) (*service.CheckoutSession, error) {
	if planID == 99 {
		return nil, service.ErrNotFound
	}
	return &service.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/" + userID}, nil
}

func (b *stubBilling) HandleStripeWebhook(context.Context, []byte, string) error {
	return b.webhookErr
}

type harness struct {
	srv       *Server
	verifier  *auth.Verifier
	profiles  *stubProfiles
	generator *stubGenerator
	history   *stubHistory
	ledger    *stubLedger
	billing   *stubBilling
}

func newHarness(t *testing.T, ratePerMinute int) *harness {
	t.Helper()
	h := &harness{
		verifier:  auth.NewVerifier(jwtSecret, "", "authenticated"),
		profiles:  &stubProfiles{},
		generator: &stubGenerator{},
		history:   &stubHistory{owner: "user-1"},
		ledger:    &stubLedger{},
		billing:   &stubBilling{},
	}
	cfg := config.Config{AdminUsername: "admin", AdminPassword: "secret", AssistRatePerMinute: ratePerMinute, MaxUploadBytes: 1 << 20}
	h.srv = NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Verifier:  h.verifier,
		Profiles:  h.profiles,
		Ledger:    h.ledger,
		Generator: h.generator,
		History:   h.history,
		Assistant: stubAssistant{},
		Plans:     stubPlans{},
		Billing:   h.billing,
	})
	return h
}

func (h *harness) do(t *testing.T, req *http.Request, userID string) *httptest.ResponseRecorder {
	t.Helper()
	if userID != "" {
		token, err := h.verifier.Sign(auth.User{ID: userID, Email: userID + "@example.com"}, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func multipartRequest(t *testing.T, path string, withFile bool, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if withFile {
		part, err := mw.CreateFormFile("file", "shot.png")
		require.NoError(t, err)
		_, err = part.Write(pngBytes)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestGenerateRequiresSignIn(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, multipartRequest(t, "/api/generate", true, nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Please sign in to generate copy.", errorBody(t, rec))
}

func TestGenerateSuccess(t *testing.T) {
	h := newHarness(t, 0)
	h.generator.res = &service.GenerateResult{
		ID:       "gen-1",
		Output:   models.NewVariantsOutput([]models.CopyVariant{{Headline: "Ship faster"}}),
		ImageURL: "https://cdn.example.com/x.png",
	}

	rec := h.do(t, multipartRequest(t, "/api/generate", true, map[string]string{
		"appName": "Focus", "category": "Productivity", "platform": "twitter",
	}), "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Success  bool                 `json:"success"`
		Data     []models.CopyVariant `json:"data"`
		ImageURL string               `json:"imageUrl"`
		ID       string               `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "Ship faster", body.Data[0].Headline)
	assert.Equal(t, "gen-1", body.ID)
	assert.Equal(t, "https://cdn.example.com/x.png", body.ImageURL)

	assert.Equal(t, "user-1", h.generator.in.UserID)
	assert.Equal(t, "Focus", h.generator.in.Context.AppName)
	assert.Equal(t, "twitter", h.generator.in.Context.Platform)
	assert.Equal(t, "image/png", h.generator.in.Image.MediaType)
	assert.Equal(t, []string{"user-1"}, h.profiles.ensured)
}

func TestGenerateWithoutFile(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, multipartRequest(t, "/api/generate", false, map[string]string{"appName": "Focus"}), "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgNoImage, errorBody(t, rec))
}

func TestGenerateErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"no credits", service.ErrInsufficientQuota, http.StatusForbidden, msgNoCredits},
		{"pipeline", &service.GenerationError{Step: service.StepGenerate, Err: fmt.Errorf("anthropic: %w: 529 overloaded", ai.ErrUpstream)}, http.StatusInternalServerError,
			"AI generation failed after multiple attempts: ai upstream unavailable. Your credit has been restored."},
		{"malformed", &service.GenerationError{Step: service.StepGenerate, Err: fmt.Errorf("%w: object without weekly_batch", ai.ErrMalformedResponse)}, http.StatusInternalServerError,
			"AI generation failed after multiple attempts: ai returned malformed response. Your credit has been restored."},
		{"unclassified cause", &service.GenerationError{Step: service.StepPersist, Err: errors.New("dial tcp 10.0.0.3:3306")}, http.StatusInternalServerError,
			"Failed to save history. Your credit has been restored."},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, msgUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.generator.err = tc.err
			rec := h.do(t, multipartRequest(t, "/api/generate", true, nil), "user-1")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.msg, errorBody(t, rec))
		})
	}
}

func TestUpdateGenerationOwnership(t *testing.T) {
	h := newHarness(t, 0)
	body := `{"output_copy":[{"headline":"Edited","subtext":"s","aso_score":50}]}`

	rec := h.do(t, jsonRequest(http.MethodPatch, "/api/generations/g1", body), "intruder")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Unauthorized", errorBody(t, rec))
	assert.Nil(t, h.history.updated)

	rec = h.do(t, jsonRequest(http.MethodPatch, "/api/generations/g1", body), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.history.updated)
	assert.Equal(t, "Edited", h.history.updated.Variants[0].Headline)

	rec = h.do(t, jsonRequest(http.MethodPatch, "/api/generations/g1", `{}`), "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing output_copy", errorBody(t, rec))
}

func TestHistoryEndpoints(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/generations?favorites=true", nil), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_favorite":true`)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/generations/g1", nil), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"g1"`)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/generations/g1", nil), "intruder")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/generations/missing", nil), "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, jsonRequest(http.MethodPut, "/api/generations/g1/favorite", `{"is_favorite":true}`), "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/generations/g1", nil), "user-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/generations/missing", nil), "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefineTweet(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, jsonRequest(http.MethodPost, "/api/refine-tweet", `{"text":"hi","instruction":"shorter"}`), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"refinedText":"refined hi"}`, rec.Body.String())

	rec = h.do(t, jsonRequest(http.MethodPost, "/api/refine-tweet", `{"text":"hi"}`), "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing text or instruction", errorBody(t, rec))

	rec = h.do(t, jsonRequest(http.MethodPost, "/api/refine-tweet", `{"text":"fail","instruction":"x"}`), "user-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to refine text", errorBody(t, rec))
}

func TestRefineCopy(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, jsonRequest(http.MethodPost, "/api/refine", `{"originalCopy":{"headline":"Focus"},"instruction":"louder"}`), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"headline":"Focus!"`)

	rec = h.do(t, jsonRequest(http.MethodPost, "/api/refine", `{"instruction":"louder"}`), "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeImage(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, multipartRequest(t, "/api/analyze-image", true, nil), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"appName":"Focus"`)

	rec = h.do(t, multipartRequest(t, "/api/analyze-image", true, nil), "")
	assert.Equal(t, "Please sign in to analyze images.", errorBody(t, rec))
}

func TestAssistEndpointsAreRateLimited(t *testing.T) {
	h := newHarness(t, 2)
	for i := 0; i < 2; i++ {
		rec := h.do(t, jsonRequest(http.MethodPost, "/api/refine-tweet", `{"text":"hi","instruction":"x"}`), "user-1")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(t, jsonRequest(http.MethodPost, "/api/refine-tweet", `{"text":"hi","instruction":"x"}`), "user-1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another user has its own bucket.
	rec = h.do(t, jsonRequest(http.MethodPost, "/api/refine-tweet", `{"text":"hi","instruction":"x"}`), "user-2")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreditsAndCheckout(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/me/credits", nil), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"credits":7,"transactions":[]}`, rec.Body.String())

	rec = h.do(t, jsonRequest(http.MethodPost, "/api/checkout", `{"planId":1}`), "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"cs_1","url":"https://checkout.stripe.com/user-1"}`, rec.Body.String())

	rec = h.do(t, httptest.NewRequest(http.MethodPost, "/api/checkout", nil), "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, jsonRequest(http.MethodPost, "/api/checkout", `{"planId":99}`), "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicPlans(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/plans", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_active":true`)
}

func TestStripeWebhook(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}")), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	signed := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}"))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		return req
	}

	h.billing.webhookErr = fmt.Errorf("%w: webhook signature: bad", service.ErrInvalidInput)
	rec = h.do(t, signed(), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.billing.webhookErr = nil
	rec = h.do(t, signed(), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestAdminRequiresBasicAuth(t *testing.T) {
	h := newHarness(t, 0)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/admin/plans/", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := jsonRequest(http.MethodPost, "/admin/users/user-1/credits", `{"amount":5,"reason":"support"}`)
	req.SetBasicAuth("admin", "secret")
	rec = h.do(t, req, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, h.ledger.granted)

	req = httptest.NewRequest(http.MethodPost, "/admin/refunds/reconcile", nil)
	req.SetBasicAuth("admin", "secret")
	rec = h.do(t, req, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"applied":2}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/admin/users/user-1/balance", nil)
	req.SetBasicAuth("admin", "secret")
	rec = h.do(t, req, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"drift":0`)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	h.srv.deps.HealthPing = func(context.Context) error { return errors.New("db down") }
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
