package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/repository"
)

const signupReason = "Signup bonus"

type ProfileService struct {
	db            *sql.DB
	log           *slog.Logger
	profiles      *repository.ProfileRepository
	ledger        *LedgerService
	signupCredits int

	// ensured remembers ids already provisioned by this process.
	ensured sync.Map
}

func NewProfileService(db *sql.DB, log *slog.Logger, profiles *repository.ProfileRepository, ledger *LedgerService, signupCredits int) *ProfileService {
	return &ProfileService{
		db:            db,
		log:           log,
		profiles:      profiles,
		ledger:        ledger,
		signupCredits: signupCredits,
	}
}

// Ensure provisions the profile on first sight, granting the signup credits
// together with their ledger row. created is true only for the first call.
func (s *ProfileService) Ensure(ctx context.Context, userID, email string) (created bool, err error) {
	if userID == "" {
		return false, ErrUnauthenticated
	}
	if _, ok := s.ensured.Load(userID); ok {
		return false, nil
	}

	err = repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		ok, err := s.profiles.WithTx(tx).Create(ctx, userID, email, s.signupCredits)
		if err != nil || !ok {
			return err
		}
		created = true
		if s.signupCredits <= 0 {
			return nil
		}
		return s.ledger.txs.WithTx(tx).Record(ctx, userID, s.signupCredits, models.TransactionAdjustment, nullable(signupReason))
	})
	if err != nil {
		return false, fmt.Errorf("ensure profile: %w", err)
	}
	s.ensured.Store(userID, struct{}{})
	if created {
		s.log.Info("profile created", "user_id", userID, "credits", s.signupCredits)
	}
	return created, nil
}

func (s *ProfileService) Get(ctx context.Context, userID string) (*models.Profile, error) {
	profile, err := s.profiles.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrNotFound
	}
	return profile, nil
}
