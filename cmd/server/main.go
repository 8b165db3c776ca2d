package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/digkill/screencopy/internal/ai"
	"github.com/digkill/screencopy/internal/api"
	"github.com/digkill/screencopy/internal/auth"
	"github.com/digkill/screencopy/internal/config"
	"github.com/digkill/screencopy/internal/database"
	"github.com/digkill/screencopy/internal/repository"
	"github.com/digkill/screencopy/internal/service"
	"github.com/digkill/screencopy/internal/storage"
	"github.com/digkill/screencopy/internal/tracer"
	"github.com/digkill/screencopy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := tracer.Init(ctx, cfg, logr)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logr.Error("tracer shutdown", "err", err)
		}
	}()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	provider, err := ai.New(cfg, logr)
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}

	uploader, err := storage.NewUploader(storage.ConfigFrom(cfg))
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	profileRepo := repository.NewProfileRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	planRepo := repository.NewPlanRepository(db)

	ledgerService := service.NewLedgerService(db, logr, profileRepo, transactionRepo, refundRepo)
	profileService := service.NewProfileService(db, logr, profileRepo, ledgerService, cfg.SignupCredits)
	planService := service.NewPlanService(cfg, planRepo)
	paymentService := service.NewPaymentService(cfg, db, logr, paymentRepo, ledgerService, planService)
	generationService := service.NewGenerationService(cfg, logr, ledgerService, uploader, provider, generationRepo)
	historyService := service.NewHistoryService(generationRepo)
	assistService := service.NewAssistService(logr, provider)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	go ledgerService.RunReconciler(ctx, cfg.RefundReconcileInterval)

	server := api.NewServer(cfg, logr, api.Deps{
		Verifier:   auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthJWTAudience),
		Profiles:   profileService,
		Ledger:     ledgerService,
		Generator:  generationService,
		History:    historyService,
		Assistant:  assistService,
		Plans:      planService,
		Billing:    paymentService,
		HealthPing: db.PingContext,
	})

	if err := server.Run(ctx); err != nil {
		logr.Error("http server stopped", "err", err)
	}
}
