package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"linkbot/internal/linking"
)

var (
	containerOnce sync.Once
	container     *tcpostgres.PostgresContainer
	containerDSN  string
	containerErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		_ = testcontainers.TerminateContainer(container)
	}
	os.Exit(code)
}

// openTestDB поднимает один контейнер Postgres на пакет и отдает чистую схему.
func openTestDB(t *testing.T, driver string) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx := context.Background()
		container, containerErr = tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("linkbot"),
			tcpostgres.WithUsername("linkbot"),
			tcpostgres.WithPassword("linkbot"),
			tcpostgres.BasicWaitStrategies(),
		)
		if containerErr != nil {
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)

	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: driver, DSN: containerDSN, ConnectTimeout: 30 * time.Second, MaxOpenConns: 16}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE link_requests, accounts`)
	require.NoError(t, err)
	return db
}

func forEachDriver(t *testing.T, run func(t *testing.T, db *sql.DB)) {
	for _, driver := range []string{"postgres", "pgx"} {
		t.Run(driver, func(t *testing.T) {
			run(t, openTestDB(t, driver))
		})
	}
}

func putAccounts(t *testing.T, store *AccountStore, accounts ...linking.Account) {
	t.Helper()
	for _, account := range accounts {
		require.NoError(t, store.Put(context.Background(), account))
	}
}

func TestAccountStoreClaimChat(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		accounts := NewAccountStore(db)
		putAccounts(t, accounts,
			linking.Account{Email: "a@example.com"},
			linking.Account{Email: "b@example.com", ChatID: 7},
		)

		require.NoError(t, accounts.ClaimChat(ctx, "a@example.com", 7))
		assert.ErrorIs(t, accounts.ClaimChat(ctx, "a@example.com", 8), linking.ErrLinkConflict)
		assert.ErrorIs(t, accounts.ClaimChat(ctx, "missing@example.com", 8), linking.ErrAccountNotFound)

		owner, err := accounts.FindByChatID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", owner.Email)
		previous, err := accounts.FindByEmail(ctx, "b@example.com")
		require.NoError(t, err)
		assert.False(t, previous.Linked())
	})
}

func TestAccountStoreConcurrentClaimsConverge(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		accounts := NewAccountStore(db)
		putAccounts(t, accounts, linking.Account{Email: "a@example.com"})

		const workers = 8
		results := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = accounts.ClaimChat(ctx, "a@example.com", int64(100+i))
			}(i)
		}
		wg.Wait()

		winner := int64(-1)
		for i, err := range results {
			if err == nil {
				require.Equal(t, int64(-1), winner, "only one chat may claim the account")
				winner = int64(100 + i)
				continue
			}
			assert.ErrorIs(t, err, linking.ErrLinkConflict)
		}
		require.NotEqual(t, int64(-1), winner)

		account, err := accounts.FindByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, winner, account.ChatID)
	})
}

func TestAccountStoreSetChatAndPhone(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		accounts := NewAccountStore(db)
		putAccounts(t, accounts,
			linking.Account{Email: "a@example.com", ChatID: 1, PhoneNumber: "+15550001111"},
			linking.Account{Email: "b@example.com", ChatID: 2},
		)

		require.NoError(t, accounts.SetChatAndPhone(ctx, "a@example.com", 2, ""))
		account, err := accounts.FindByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, linking.Account{Email: "a@example.com", ChatID: 2, PhoneNumber: "+15550001111"}, account)

		other, err := accounts.FindByEmail(ctx, "b@example.com")
		require.NoError(t, err)
		assert.False(t, other.Linked(), "chat moves away from the previous account")

		require.NoError(t, accounts.SetChatAndPhone(ctx, "a@example.com", 3, "+15550002222"))
		account, err = accounts.FindByChatID(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "+15550002222", account.PhoneNumber)

		assert.ErrorIs(t, accounts.SetChatAndPhone(ctx, "missing@example.com", 4, ""), linking.ErrAccountNotFound)
	})
}

func TestLinkRequestStoreUpsertReplaces(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		putAccounts(t, NewAccountStore(db),
			linking.Account{Email: "a@example.com", ChatID: 1},
			linking.Account{Email: "b@example.com"},
		)
		requests := NewLinkRequestStore(db)
		now := time.Now().UTC().Truncate(time.Microsecond)

		first, err := requests.Upsert(ctx, linking.LinkRequest{Email: "a@example.com", NewChatID: 2, Status: linking.StatusConfirmUnlink, CreatedAt: now})
		require.NoError(t, err)
		second, err := requests.Upsert(ctx, linking.LinkRequest{Email: "a@example.com", NewChatID: 3, Status: linking.StatusConfirmUnlink, CreatedAt: now})
		require.NoError(t, err)
		require.NotEqual(t, first.ID, second.ID)

		active, err := requests.FindActive(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, second.ID, active.ID)
		assert.Equal(t, int64(3), active.NewChatID)
		assert.True(t, active.CreatedAt.Equal(now))
		_, err = requests.FindActiveByChat(ctx, 2, linking.StatusConfirmUnlink)
		assert.ErrorIs(t, err, linking.ErrRequestNotFound)

		// Новый запрос чата 3 для другого email снимает прежний.
		_, err = requests.Upsert(ctx, linking.LinkRequest{Email: "b@example.com", NewChatID: 3, Status: linking.StatusConfirmUnlink, CreatedAt: now})
		require.NoError(t, err)
		_, err = requests.FindActive(ctx, "a@example.com")
		assert.ErrorIs(t, err, linking.ErrRequestNotFound)
		byChat, err := requests.FindActiveByChat(ctx, 3, linking.StatusConfirmUnlink)
		require.NoError(t, err)
		assert.Equal(t, "b@example.com", byChat.Email)
	})
}

func TestLinkRequestStoreConcurrentUpsertsConverge(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		putAccounts(t, NewAccountStore(db), linking.Account{Email: "a@example.com", ChatID: 1})
		requests := NewLinkRequestStore(db)

		const workers = 8
		results := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = requests.Upsert(ctx, linking.LinkRequest{
					Email:     "a@example.com",
					NewChatID: int64(10 + i),
					Status:    linking.StatusConfirmUnlink,
				})
			}(i)
		}
		wg.Wait()
		for _, err := range results {
			require.NoError(t, err)
		}

		var open int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM link_requests WHERE email = $1 AND status <> 'completed'`,
			"a@example.com").Scan(&open))
		assert.Equal(t, 1, open)
		_, err := requests.FindActive(ctx, "a@example.com")
		assert.NoError(t, err)
	})
}

func TestLinkRequestStoreTransitionIsSingleUse(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		putAccounts(t, NewAccountStore(db), linking.Account{Email: "a@example.com", ChatID: 1})
		requests := NewLinkRequestStore(db)
		created := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
		request, err := requests.Upsert(ctx, linking.LinkRequest{Email: "a@example.com", NewChatID: 2, Status: linking.StatusConfirmUnlink, CreatedAt: created})
		require.NoError(t, err)

		issued := created.Add(30 * time.Second)
		require.NoError(t, requests.Transition(ctx, request.ID, linking.StatusConfirmUnlink,
			linking.LinkRequest{Status: linking.StatusPending, OTP: "123456", CreatedAt: issued}))
		assert.ErrorIs(t, requests.Transition(ctx, request.ID, linking.StatusConfirmUnlink,
			linking.LinkRequest{Status: linking.StatusPending, OTP: "999999"}), linking.ErrRequestNotFound)

		pending, err := requests.FindActiveByChat(ctx, 2, linking.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, "123456", pending.OTP)
		assert.True(t, pending.CreatedAt.Equal(issued))

		const workers = 8
		results := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = requests.Transition(ctx, request.ID, linking.StatusPending, linking.LinkRequest{Status: linking.StatusAwaitContact})
			}(i)
		}
		wg.Wait()
		consumed := 0
		for _, err := range results {
			if err == nil {
				consumed++
				continue
			}
			assert.ErrorIs(t, err, linking.ErrRequestNotFound)
		}
		assert.Equal(t, 1, consumed, "a code is consumed exactly once")

		awaiting, err := requests.FindActiveByChat(ctx, 2, linking.StatusAwaitContact)
		require.NoError(t, err)
		assert.Empty(t, awaiting.OTP)
		assert.True(t, awaiting.CreatedAt.Equal(issued), "zero CreatedAt keeps the stored timestamp")

		assert.ErrorIs(t, requests.Transition(ctx, "missing", linking.StatusPending,
			linking.LinkRequest{Status: linking.StatusAwaitContact}), linking.ErrRequestNotFound)
		assert.Error(t, requests.Transition(ctx, request.ID, linking.StatusAwaitContact, linking.LinkRequest{Status: "bogus"}))

		require.NoError(t, requests.DeleteByID(ctx, request.ID))
		require.NoError(t, requests.DeleteByID(ctx, request.ID))
		_, err = requests.FindActive(ctx, "a@example.com")
		assert.ErrorIs(t, err, linking.ErrRequestNotFound)
	})
}

func TestLinkRequestStoreDeleteOlderThan(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		accounts := NewAccountStore(db)
		requests := NewLinkRequestStore(db)
		now := time.Now().UTC().Truncate(time.Microsecond)
		cutoff := now.Add(-24 * time.Hour)

		statuses := []linking.Status{linking.StatusConfirmUnlink, linking.StatusPending, linking.StatusAwaitContact, linking.StatusCompleted}
		var expired, kept []string
		for i, status := range statuses {
			for _, age := range []time.Duration{25 * time.Hour, time.Hour} {
				email := fmt.Sprintf("%s-%d@example.com", status, age/time.Hour)
				putAccounts(t, accounts, linking.Account{Email: email})
				request, err := requests.Upsert(ctx, linking.LinkRequest{
					Email:     email,
					NewChatID: int64(100*(i+1)) + int64(age/time.Hour),
					OTP:       "123456",
					Status:    status,
					CreatedAt: now.Add(-age),
				})
				require.NoError(t, err)
				if now.Add(-age).Before(cutoff) {
					expired = append(expired, request.ID)
				} else {
					kept = append(kept, request.ID)
				}
			}
		}

		deleted, err := requests.DeleteOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.EqualValues(t, len(expired), deleted)
		assert.ElementsMatch(t, kept, remainingIDs(t, db))

		deleted, err = requests.DeleteOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestLinkRequestsFollowAccountDeletion(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		putAccounts(t, NewAccountStore(db), linking.Account{Email: "a@example.com", ChatID: 1})
		requests := NewLinkRequestStore(db)
		_, err := requests.Upsert(ctx, linking.LinkRequest{Email: "a@example.com", NewChatID: 2, Status: linking.StatusConfirmUnlink})
		require.NoError(t, err)

		_, err = db.ExecContext(ctx, `DELETE FROM accounts WHERE email = $1`, "a@example.com")
		require.NoError(t, err)
		_, err = requests.FindActive(ctx, "a@example.com")
		assert.True(t, errors.Is(err, linking.ErrRequestNotFound))
	})
}

func remainingIDs(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), `SELECT id FROM link_requests`)
	require.NoError(t, err)
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	return ids
}
