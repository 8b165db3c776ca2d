package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/screencopy/internal/ai"
	"github.com/digkill/screencopy/internal/auth"
	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/metrics"
	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/service"
)

type Generator interface {
	Generate(ctx context.Context, in service.GenerateInput) (*service.GenerateResult, error)
}

type History interface {
	List(ctx context.Context, userID string, favoritesOnly bool, limit int) ([]models.Generation, error)
	Get(ctx context.Context, userID, id string) (*models.Generation, error)
	UpdateOutput(ctx context.Context, userID, id string, output models.CopyOutput) (*models.Generation, error)
	SetFavorite(ctx context.Context, userID, id string, favorite bool) error
	Delete(ctx context.Context, userID, id string) error
}

type Assistant interface {
	AnalyzeImage(ctx context.Context, img ai.Image) (*models.ImageAnalysis, bool, error)
	RefineTweet(ctx context.Context, text, instruction, thread string) (string, error)
	RefineCopy(ctx context.Context, original models.CopyVariant, instruction string, app *models.InputContext) (*models.CopyVariant, error)
}

type Profiles interface {
	Ensure(ctx context.Context, userID, email string) (bool, error)
}

type Ledger interface {
	Balance(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	Grant(ctx context.Context, userID string, amount int, reason string) error
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
	ReconcileBalance(ctx context.Context, userID string) (service.BalanceReport, error)
}

type Plans interface {
	List(ctx context.Context, activeOnly bool) ([]models.Plan, error)
	Create(ctx context.Context, input service.CreatePlanInput) (*models.Plan, error)
	Update(ctx context.Context, id int64, input service.UpdatePlanInput) (*models.Plan, error)
	Delete(ctx context.Context, id int64) error
}

type Billing interface {
	CreateCheckout(ctx context.Context, userID, email string, planID int64) (*service.CheckoutSession, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error
}

type Deps struct {
	Verifier   *auth.Verifier
	Profiles   Profiles
	Ledger     Ledger
	Generator  Generator
	History    History
	Assistant  Assistant
	Plans      Plans
	Billing    Billing
	HealthPing func(ctx context.Context) error
}

type Server struct {
	addr     string
	username string
	password string
	maxBody  int64
	log      *slog.Logger
	deps     Deps
	limiter  *userLimiter
	router   *chi.Mux
}

func NewServer(cfg config.Config, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	maxBody := cfg.MaxUploadBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	s := &Server{
		addr:     cfg.HTTPListenAddr,
		username: cfg.AdminUsername,
		password: cfg.AdminPassword,
		maxBody:  maxBody,
		log:      log,
		deps:     deps,
		limiter:  newUserLimiter(cfg.AssistRatePerMinute),
		router:   r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	r.Route("/api", func(api chi.Router) {
		api.Get("/plans", s.handleListActivePlans)
		api.With(s.requireUser("Please sign in to generate copy.")).Post("/generate", s.handleGenerate)

		api.With(s.requireUser("Please sign in to analyze images."), s.rateLimit).Post("/analyze-image", s.handleAnalyzeImage)
		api.With(s.requireUser("Please sign in to refine copy."), s.rateLimit).Post("/refine", s.handleRefine)
		api.With(s.requireUser("Unauthorized"), s.rateLimit).Post("/refine-tweet", s.handleRefineTweet)

		api.Group(func(user chi.Router) {
			user.Use(s.requireUser("Unauthorized"))
			user.Get("/generations", s.handleListGenerations)
			user.Get("/generations/{id}", s.handleGetGeneration)
			user.Patch("/generations/{id}", s.handleUpdateGeneration)
			user.Put("/generations/{id}/favorite", s.handleFavorite)
			user.Delete("/generations/{id}", s.handleDeleteGeneration)
			user.Get("/me/credits", s.handleCredits)
			user.Post("/checkout", s.handleCheckout)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleCreatePlan)
			r.Put("/{id}", s.handleUpdatePlan)
			r.Delete("/{id}", s.handleDeletePlan)
		})
		admin.Post("/users/{id}/credits", s.handleGrantCredits)
		admin.Get("/users/{id}/balance", s.handleReconcileBalance)
		admin.Post("/refunds/reconcile", s.handleReconcileRefunds)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Generations run for minutes, so writes get a generous budget.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// requireUser authenticates the bearer token and provisions the profile on
// first sight.
func (s *Server) requireUser(message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.deps.Verifier.RequireUser(message)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _ := auth.UserFromContext(r.Context())
			if _, err := s.deps.Profiles.Ensure(r.Context(), user.ID, user.Email); err != nil {
				s.internalError(w, err, "Failed to load profile.")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())
		if !s.limiter.allow(user.ID) {
			w.Header().Set("Retry-After", "60")
			s.writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="screencopy"`)
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthPing != nil {
		if err := s.deps.HealthPing(r.Context()); err != nil {
			s.log.Error("health check failed", "err", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.writeError(w, http.StatusBadRequest, err.Error())
}

func (s *Server) internalError(w http.ResponseWriter, err error, message string) {
	s.log.Error("handler error", "err", err)
	s.writeError(w, http.StatusInternalServerError, message)
}

// serviceError maps service sentinels to a status; fallback is the 500 text.
func (s *Server) serviceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, service.ErrInvalidInput):
		s.badRequest(w, err)
	case errors.Is(err, service.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "Unauthorized")
	case errors.Is(err, service.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Not found")
	default:
		s.internalError(w, err, fallback)
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

func currentUser(r *http.Request) auth.User {
	user, _ := auth.UserFromContext(r.Context())
	return user
}
