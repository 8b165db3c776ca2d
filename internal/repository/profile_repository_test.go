package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*ProfileRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProfileRepository(db), mock
}

func TestReserveSucceedsWithSingleStatement(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE profiles SET credits = LAST_INSERT_ID(credits - ?)")).
		WithArgs(1, "user-1", 1).
		WillReturnResult(sqlmock.NewResult(4, 1))

	ok, before, err := repo.Reserve(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, before)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveInsufficientReportsBalance(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE profiles SET credits = LAST_INSERT_ID(credits - ?)")).
		WithArgs(1, "user-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM profiles WHERE id = ?")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(0))

	ok, before, err := repo.Reserve(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, before)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveUnknownProfile(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE profiles SET credits")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM profiles")).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))

	_, _, err := repo.Reserve(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestCreateReportsWinner(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO profiles")).
		WithArgs("user-1", "a@b.c", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO profiles")).
		WithArgs("user-1", "a@b.c", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.Create(context.Background(), "user-1", "a@b.c", 3)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Create(context.Background(), "user-1", "a@b.c", 3)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAddCreditsMissingProfile(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE profiles SET credits = credits + ?")).
		WithArgs(2, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AddCredits(context.Background(), "ghost", 2)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestFindMissingReturnsNil(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles WHERE id = ?")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "credits", "created_at", "updated_at"}))

	p, err := repo.Find(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFindScansProfile(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles WHERE id = ?")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "credits", "created_at", "updated_at"}).
			AddRow("user-1", "a@b.c", 4, now, now))

	p, err := repo.Find(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 4, p.Credits)
	assert.Equal(t, "a@b.c", p.Email)
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, IsDuplicate(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicate(assert.AnError))
}
