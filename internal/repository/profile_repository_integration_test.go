package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/digkill/screencopy/internal/database"
	"github.com/digkill/screencopy/internal/models"
)

var (
	mysqlOnce sync.Once
	mysqlDSN  string
	mysqlErr  error
)

// setupMySQL starts one MySQL container per test binary and returns a fresh
// pool against it. The container lives until the process exits.
func setupMySQL(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MySQL container test in -short mode")
	}

	mysqlOnce.Do(func() {
		mysqlDSN, mysqlErr = startMySQL()
	})
	if mysqlErr != nil {
		t.Skipf("mysql container unavailable: %v", mysqlErr)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	require.NoError(t, err)
	db.SetMaxOpenConns(32)
	t.Cleanup(func() { db.Close() })
	return db
}

func startMySQL() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "root",
				"MYSQL_DATABASE":      "screencopy",
			},
			WaitingFor: wait.ForLog("ready for connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		return "", fmt.Errorf("mapped port: %w", err)
	}

	dsn := fmt.Sprintf("root:root@tcp(%s:%s)/screencopy?parseTime=true", host, port.Port())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return "", fmt.Errorf("sql.Open: %w", err)
	}
	defer db.Close()

	var pingErr error
	for i := 0; i < 30; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if pingErr != nil {
		return "", fmt.Errorf("db ping: %w", pingErr)
	}
	if err := database.Migrate(ctx, db); err != nil {
		return "", err
	}
	return dsn, nil
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	db := setupMySQL(t)
	ctx := context.Background()
	repo := NewProfileRepository(db)

	cases := []struct {
		name    string
		balance int
		callers int
	}{
		{"more callers than credits", 3, 20},
		{"single credit", 1, 10},
		{"more credits than callers", 15, 8},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID := fmt.Sprintf("00000000-0000-0000-0000-%012d", i+1)
			_, err := repo.Create(ctx, userID, "", tc.balance)
			require.NoError(t, err)

			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for n := 0; n < tc.callers; n++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, _, err := repo.Reserve(ctx, userID, 1)
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			want := min(tc.callers, tc.balance)
			assert.Equal(t, int32(want), wins.Load())

			balance, err := repo.Balance(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, tc.balance-want, balance)
		})
	}
}

func TestRefundClaimIsAtMostOnce(t *testing.T) {
	db := setupMySQL(t)
	ctx := context.Background()
	profiles := NewProfileRepository(db)
	refunds := NewRefundRepository(db)
	txs := NewTransactionRepository(db)

	userID := "00000000-0000-0000-0000-0000000000aa"
	_, err := profiles.Create(ctx, userID, "", 0)
	require.NoError(t, err)
	id, err := refunds.Enqueue(ctx, userID, 1, "Generation failed: boom", "db down")
	require.NoError(t, err)

	settle := func() error {
		return InTx(ctx, db, func(tx *sql.Tx) error {
			claimed, err := refunds.WithTx(tx).Claim(ctx, id)
			if err != nil || !claimed {
				return err
			}
			if err := profiles.WithTx(tx).AddCredits(ctx, userID, 1); err != nil {
				return err
			}
			reason := "Generation failed: boom"
			return txs.WithTx(tx).Record(ctx, userID, 1, models.TransactionRefund, &reason)
		})
	}
	require.NoError(t, settle())
	require.NoError(t, settle())

	balance, err := profiles.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, balance)

	history, err := txs.ListByUser(ctx, userID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
