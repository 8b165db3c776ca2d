package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/screencopy/internal/repository"
)

var (
	addCreditsSQL   = regexp.QuoteMeta("UPDATE profiles SET credits = credits + ? WHERE id = ?")
	recordSQL       = regexp.QuoteMeta("INSERT INTO credit_transactions (user_id, amount, type, reason)")
	enqueueSQL      = regexp.QuoteMeta("INSERT INTO refund_intents (user_id, amount, reason, status, last_error)")
	claimSQL        = regexp.QuoteMeta("UPDATE refund_intents SET status = 'done', attempts = attempts + 1")
	markFailedSQL   = regexp.QuoteMeta("UPDATE refund_intents SET attempts = attempts + 1, last_error = ?")
	listPendingSQL  = regexp.QuoteMeta("FROM refund_intents")
	balanceSQL      = regexp.QuoteMeta("SELECT credits FROM profiles WHERE id = ?")
	sumSQL          = regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = ?")
	reserveSQL      = regexp.QuoteMeta("UPDATE profiles SET credits = LAST_INSERT_ID(credits - ?)")
	refundIntentCol = []string{"id", "user_id", "amount", "reason", "status", "attempts", "last_error", "created_at", "updated_at"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedger(t *testing.T) (*LedgerService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedgerService(db, discardLogger(),
		repository.NewProfileRepository(db),
		repository.NewTransactionRepository(db),
		repository.NewRefundRepository(db),
	), mock
}

func TestRefundAppliesInline(t *testing.T) {
	ledger, mock := newLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec(addCreditsSQL).WithArgs(1, "user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(recordSQL).WithArgs("user-1", 1, "refund", "Generation failed: boom").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outcome := ledger.Refund(context.Background(), "user-1", 1, "Generation failed: boom")
	assert.Equal(t, RefundApplied, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundFallsBackToOutbox(t *testing.T) {
	ledger, mock := newLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec(addCreditsSQL).WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()
	mock.ExpectExec(enqueueSQL).
		WithArgs("user-1", 1, "Generation failed: boom", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))

	outcome := ledger.Refund(context.Background(), "user-1", 1, "Generation failed: boom")
	assert.Equal(t, RefundQueued, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundLostWhenOutboxUnavailable(t *testing.T) {
	ledger, mock := newLedger(t)

	mock.ExpectBegin().WillReturnError(errors.New("db down"))
	mock.ExpectExec(enqueueSQL).WillReturnError(errors.New("db down"))

	outcome := ledger.Refund(context.Background(), "user-1", 1, "Generation failed: boom")
	assert.Equal(t, RefundLost, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRefundsClaimsBeforeCrediting(t *testing.T) {
	ledger, mock := newLedger(t)
	now := time.Now()

	mock.ExpectQuery(listPendingSQL).WithArgs(10).WillReturnRows(
		sqlmock.NewRows(refundIntentCol).
			AddRow(1, "user-1", 1, "Generation failed: a", "pending", 0, "", now, now).
			AddRow(2, "user-2", 1, "Generation failed: b", "pending", 1, "timeout", now, now),
	)

	// First intent is settled.
	mock.ExpectBegin()
	mock.ExpectExec(claimSQL).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(addCreditsSQL).WithArgs(1, "user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(recordSQL).WithArgs("user-1", 1, "refund", "Generation failed: a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Second was already claimed by another worker.
	mock.ExpectBegin()
	mock.ExpectExec(claimSQL).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := ledger.ReconcileRefunds(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRefundsMarksFailures(t *testing.T) {
	ledger, mock := newLedger(t)
	now := time.Now()

	mock.ExpectQuery(listPendingSQL).WillReturnRows(
		sqlmock.NewRows(refundIntentCol).AddRow(3, "ghost", 1, "r", "pending", 0, "", now, now),
	)
	mock.ExpectBegin()
	mock.ExpectExec(claimSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(addCreditsSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectExec(markFailedSQL).WithArgs(repository.ErrProfileNotFound.Error(), int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := ledger.ReconcileRefunds(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	ledger, _ := newLedger(t)
	_, _, err := ledger.Reserve(context.Background(), "user-1", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReserveUnknownProfileIsNotFound(t *testing.T) {
	ledger, mock := newLedger(t)

	mock.ExpectExec(reserveSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(balanceSQL).WillReturnRows(sqlmock.NewRows([]string{"credits"}))

	_, _, err := ledger.Reserve(context.Background(), "nobody", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileBalanceReportsDrift(t *testing.T) {
	ledger, mock := newLedger(t)

	mock.ExpectQuery(balanceSQL).WithArgs("user-1").WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(5))
	mock.ExpectQuery(sumSQL).WithArgs("user-1").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(4))

	report, err := ledger.ReconcileBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, BalanceReport{UserID: "user-1", Balance: 5, LedgerSum: 4, Drift: 1}, report)
}

func TestRestoreAddsCreditsWithoutLedgerRow(t *testing.T) {
	ledger, mock := newLedger(t)
	mock.ExpectExec(addCreditsSQL).WithArgs(2, "user-1").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ledger.Restore(context.Background(), "user-1", 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreRejectsUnknownProfile(t *testing.T) {
	ledger, mock := newLedger(t)
	mock.ExpectExec(addCreditsSQL).WithArgs(1, "ghost").WillReturnResult(sqlmock.NewResult(0, 0))

	err := ledger.Restore(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, ledger.Restore(context.Background(), "ghost", 0), ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}
