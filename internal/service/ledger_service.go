package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/screencopy/internal/metrics"
	"github.com/digkill/screencopy/internal/models"
	"github.com/digkill/screencopy/internal/repository"
)

// RefundOutcome reports how a compensating refund was settled.
type RefundOutcome string

const (
	RefundApplied RefundOutcome = "inline"
	RefundQueued  RefundOutcome = "outbox"
	RefundLost    RefundOutcome = "lost"
)

// LedgerService owns the credit balance and its append-only history.
type LedgerService struct {
	db       *sql.DB
	log      *slog.Logger
	profiles *repository.ProfileRepository
	txs      *repository.TransactionRepository
	refunds  *repository.RefundRepository
}

func NewLedgerService(db *sql.DB, log *slog.Logger, profiles *repository.ProfileRepository, txs *repository.TransactionRepository, refunds *repository.RefundRepository) *LedgerService {
	return &LedgerService{
		db:       db,
		log:      log,
		profiles: profiles,
		txs:      txs,
		refunds:  refunds,
	}
}

// Reserve atomically takes amount credits. ok is false when the balance does
// not cover it; before is the balance observed by the operation.
func (s *LedgerService) Reserve(ctx context.Context, userID string, amount int) (ok bool, before int, err error) {
	if amount <= 0 {
		return false, 0, fmt.Errorf("%w: reserve amount must be positive", ErrInvalidInput)
	}
	ok, before, err = s.profiles.Reserve(ctx, userID, amount)
	if errors.Is(err, repository.ErrProfileNotFound) {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, err
	}
	return ok, before, nil
}

// Restore adds amount back without writing a ledger row. Refund is the
// audited variant.
func (s *LedgerService) Restore(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: restore amount must be positive", ErrInvalidInput)
	}
	err := s.profiles.AddCredits(ctx, userID, amount)
	if errors.Is(err, repository.ErrProfileNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *LedgerService) RecordTransaction(ctx context.Context, userID string, amount int, kind models.TransactionType, reason string) error {
	return s.txs.Record(ctx, userID, amount, kind, nullable(reason))
}

// CreditTx adds credits and the matching ledger row inside tx.
func (s *LedgerService) CreditTx(ctx context.Context, tx *sql.Tx, userID string, amount int, kind models.TransactionType, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidInput)
	}
	if err := s.profiles.WithTx(tx).AddCredits(ctx, userID, amount); err != nil {
		return err
	}
	return s.txs.WithTx(tx).Record(ctx, userID, amount, kind, nullable(reason))
}

// Grant credits a user outside any payment flow, e.g. support adjustments.
func (s *LedgerService) Grant(ctx context.Context, userID string, amount int, reason string) error {
	err := repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.CreditTx(ctx, tx, userID, amount, models.TransactionAdjustment, reason)
	})
	if errors.Is(err, repository.ErrProfileNotFound) {
		return ErrNotFound
	}
	return err
}

// Refund compensates a failed generation. The balance and the refund row are
// written together; if that fails the refund is parked in the outbox for the
// reconciler. It never returns an error so callers can surface their own.
func (s *LedgerService) Refund(ctx context.Context, userID string, amount int, reason string) RefundOutcome {
	err := repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.CreditTx(ctx, tx, userID, amount, models.TransactionRefund, reason)
	})
	if err == nil {
		metrics.ObserveRefund(string(RefundApplied))
		return RefundApplied
	}
	s.log.Warn("inline refund failed, queueing", "user_id", userID, "amount", amount, "err", err)

	id, qerr := s.refunds.Enqueue(ctx, userID, amount, reason, err.Error())
	if qerr != nil {
		s.log.Error("refund lost", "user_id", userID, "amount", amount, "reason", reason, "err", errors.Join(err, qerr))
		metrics.ObserveRefund(string(RefundLost))
		return RefundLost
	}
	s.log.Info("refund queued", "intent_id", id, "user_id", userID)
	metrics.ObserveRefund(string(RefundQueued))
	return RefundQueued
}

// ReconcileRefunds settles pending refund intents. Each intent is claimed in
// the same transaction that credits the user, so a settled intent is never
// applied twice.
func (s *LedgerService) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	intents, err := s.refunds.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, intent := range intents {
		var claimed bool
		err := repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			ok, err := s.refunds.WithTx(tx).Claim(ctx, intent.ID)
			if err != nil || !ok {
				return err
			}
			claimed = true
			return s.CreditTx(ctx, tx, intent.UserID, intent.Amount, models.TransactionRefund, intent.Reason)
		})
		if err != nil {
			s.log.Warn("refund intent not settled", "intent_id", intent.ID, "user_id", intent.UserID, "err", err)
			if markErr := s.refunds.MarkFailed(ctx, intent.ID, err.Error()); markErr != nil {
				s.log.Error("mark refund intent failed", "intent_id", intent.ID, "err", markErr)
			}
			continue
		}
		if claimed {
			applied++
		}
	}

	metrics.SetPendingRefunds(len(intents) - applied)
	if applied > 0 {
		s.log.Info("refund intents settled", "count", applied)
	}
	return applied, nil
}

// RunReconciler drains the refund outbox every interval until ctx is done.
func (s *LedgerService) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.ReconcileRefunds(ctx, 100); err != nil && ctx.Err() == nil {
			s.log.Error("refund reconcile failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *LedgerService) Balance(ctx context.Context, userID string) (int, error) {
	balance, err := s.profiles.Balance(ctx, userID)
	if errors.Is(err, repository.ErrProfileNotFound) {
		return 0, ErrNotFound
	}
	return balance, err
}

func (s *LedgerService) History(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	return s.txs.ListByUser(ctx, userID, limit)
}

// BalanceReport compares the stored balance with the sum of ledger rows.
type BalanceReport struct {
	UserID    string `json:"user_id"`
	Balance   int    `json:"balance"`
	LedgerSum int    `json:"ledger_sum"`
	Drift     int    `json:"drift"`
}

func (s *LedgerService) ReconcileBalance(ctx context.Context, userID string) (BalanceReport, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return BalanceReport{}, err
	}
	sum, err := s.txs.Sum(ctx, userID)
	if err != nil {
		return BalanceReport{}, err
	}
	report := BalanceReport{UserID: userID, Balance: balance, LedgerSum: sum, Drift: balance - sum}
	if report.Drift != 0 {
		s.log.Warn("ledger drift detected", "user_id", userID, "balance", balance, "ledger_sum", sum)
	}
	return report, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
