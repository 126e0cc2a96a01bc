package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(store.Close)
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedClient(t *testing.T, store Store, username string) *Client {
	t.Helper()
	c, err := store.CreateClient(context.Background(), &Client{
		Name:       username,
		Email:      username + "@example.com",
		Username:   username,
		SecretHash: "x",
		Scopes:     []string{"accounts:read"},
	})
	require.NoError(t, err)
	return c
}

func TestGenerateIBAN(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		iban, err := GenerateIBAN()
		require.NoError(t, err)
		assert.Len(t, iban, 21)
		assert.Equal(t, "LV", iban[:2])
		assert.Equal(t, "HABA", iban[4:8])
		assert.True(t, ValidIBAN(iban), iban)
		seen[iban] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestValidIBAN(t *testing.T) {
	assert.True(t, ValidIBAN("GB82WEST12345698765432"))
	assert.True(t, ValidIBAN("LV80BANK0000435195001"))
	assert.False(t, ValidIBAN("GB82WEST12345698765433"))
	assert.False(t, ValidIBAN("LV"))
	assert.False(t, ValidIBAN("LV80BANK-000435195001"))
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" eur ")
	require.NoError(t, err)
	assert.Equal(t, EUR, c)

	_, err = ParseCurrency("BTC")
	assert.Error(t, err)
}

func TestPageRequestNormalize(t *testing.T) {
	assert.Equal(t, PageRequest{Limit: DefaultPageLimit}, PageRequest{}.Normalize())
	assert.Equal(t, PageRequest{Limit: MaxPageLimit, Offset: 0}, PageRequest{Limit: 1000, Offset: -4}.Normalize())
	assert.Equal(t, PageRequest{Limit: 5, Offset: 20}, PageRequest{Limit: 5, Offset: 20}.Normalize())
}

func TestDirectionFor(t *testing.T) {
	transfer := &Transaction{SourceAccountID: "a", DestinationAccountID: "b"}
	assert.Equal(t, DirectionSent, transfer.DirectionFor("a"))
	assert.Equal(t, DirectionReceived, transfer.DirectionFor("b"))

	deposit := &Transaction{DestinationAccountID: "a"}
	assert.Equal(t, DirectionReceived, deposit.DirectionFor("a"))
	assert.Equal(t, DirectionReceived, deposit.DirectionFor(""))
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestSQLite(t) })
}

func TestSQLiteStore_IBANCollisionRetries(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	client := seedClient(t, store, "collide")

	ibans := []string{"LV80BANK0000435195001", "LV80BANK0000435195001", "GB82WEST12345698765432"}
	calls := 0
	store.NewIBAN = func() (string, error) {
		iban := ibans[calls]
		calls++
		return iban, nil
	}

	first, err := store.CreateAccount(ctx, client.ID, USD)
	require.NoError(t, err)
	second, err := store.CreateAccount(ctx, client.ID, USD)
	require.NoError(t, err)

	assert.Equal(t, "LV80BANK0000435195001", first.IBAN)
	assert.Equal(t, "GB82WEST12345698765432", second.IBAN)
	assert.Equal(t, 3, calls)
}

func TestSQLiteStore_IBANGeneratorError(t *testing.T) {
	store := newTestSQLite(t)
	client := seedClient(t, store, "broken")
	store.NewIBAN = func() (string, error) { return "", errors.New("entropy exhausted") }

	_, err := store.CreateAccount(context.Background(), client.ID, USD)
	assert.EqualError(t, err, "entropy exhausted")
}

func TestValidator(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	client := seedClient(t, store, "validated")

	a, err := store.CreateAccount(ctx, client.ID, USD)
	require.NoError(t, err)
	b, err := store.CreateAccount(ctx, client.ID, USD)
	require.NoError(t, err)

	require.NoError(t, store.Atomically(ctx, func(w Writer) error {
		if _, err := w.ApplyBalanceDelta(ctx, a.ID, dec("100")); err != nil {
			return err
		}
		_, err := w.AppendTransaction(ctx, &Transaction{
			Timestamp: time.Now(), DestinationAccountID: a.ID, DestinationCurrency: USD,
			SourceAmountDebited: dec("100"), DestinationAmountCredited: dec("100"), Operation: OperationDeposit,
		})
		return err
	}))
	require.NoError(t, store.Atomically(ctx, func(w Writer) error {
		if _, err := w.ApplyBalanceDelta(ctx, a.ID, dec("-40")); err != nil {
			return err
		}
		if _, err := w.ApplyBalanceDelta(ctx, b.ID, dec("40")); err != nil {
			return err
		}
		_, err := w.AppendTransaction(ctx, &Transaction{
			Timestamp: time.Now(), SourceAccountID: a.ID, DestinationAccountID: b.ID,
			SourceCurrency: USD, DestinationCurrency: USD,
			SourceAmountDebited: dec("40"), DestinationAmountCredited: dec("40"), Operation: OperationTransfer,
		})
		return err
	}))

	v := NewValidator(store)
	results, err := v.ValidateClient(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.IsValid, r.Message)
	}

	// A balance change with no ledger row is detected.
	_, err = store.ApplyBalanceDelta(ctx, b.ID, dec("1"))
	require.NoError(t, err)
	r := v.ValidateAccountBalanceConsistency(ctx, b.ID)
	assert.False(t, r.IsValid)
	assert.Equal(t, "1", r.Details["difference"])

	assert.False(t, v.ValidateAccountNumber("LV00HABA0000000000000").IsValid)
	assert.False(t, v.ValidateAccountBalanceConsistency(ctx, "missing").IsValid)
}

func TestOpen_UnsupportedURL(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/ledger")
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(context.Background()))
	assert.IsType(t, &SQLiteStore{}, store)
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("Clients", func(t *testing.T) {
		store := newStore(t)
		c := seedClient(t, store, "alice")
		assert.NotEmpty(t, c.ID)

		byName, err := store.ClientByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, c.ID, byName.ID)
		assert.Equal(t, []string{"accounts:read"}, byName.Scopes)

		_, err = store.CreateClient(ctx, &Client{Name: "a", Email: "alice@example.com", Username: "alice", SecretHash: "x"})
		assert.ErrorIs(t, err, ErrDuplicateClient)

		_, err = store.ClientByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, ErrClientNotFound)
	})

	t.Run("Accounts", func(t *testing.T) {
		store := newStore(t)
		c := seedClient(t, store, "bob")

		usd, err := store.CreateAccount(ctx, c.ID, USD)
		require.NoError(t, err)
		eur, err := store.CreateAccount(ctx, c.ID, EUR)
		require.NoError(t, err)
		assert.True(t, usd.Balance.IsZero())
		assert.True(t, ValidIBAN(usd.IBAN))

		got, err := store.AccountByIBAN(ctx, usd.IBAN)
		require.NoError(t, err)
		assert.Equal(t, usd.ID, got.ID)
		assert.Equal(t, USD, got.Currency)

		got, err = store.AccountByID(ctx, eur.ID)
		require.NoError(t, err)
		assert.Equal(t, eur.IBAN, got.IBAN)

		list, err := store.AccountsForClient(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		_, err = store.AccountByIBAN(ctx, "LV00HABA0000000000000")
		assert.ErrorIs(t, err, ErrAccountNotFound)

		_, err = store.CreateAccount(ctx, c.ID, Currency("BTC"))
		assert.Error(t, err)

		_, err = store.AccountsForClient(ctx, "4b4a2f5e-5c57-4fa5-9b0a-1d0f0b9d7d11")
		assert.ErrorIs(t, err, ErrClientNotFound)
	})

	t.Run("BalanceNeverNegative", func(t *testing.T) {
		store := newStore(t)
		c := seedClient(t, store, "carol")
		acc, err := store.CreateAccount(ctx, c.ID, GBP)
		require.NoError(t, err)

		updated, err := store.ApplyBalanceDelta(ctx, acc.ID, dec("200.20"))
		require.NoError(t, err)
		assert.True(t, dec("200.20").Equal(updated.Balance))

		_, err = store.ApplyBalanceDelta(ctx, acc.ID, dec("-200.21"))
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		updated, err = store.ApplyBalanceDelta(ctx, acc.ID, dec("-200.20"))
		require.NoError(t, err)
		assert.True(t, updated.Balance.IsZero())
	})

	t.Run("AtomicallyRollsBack", func(t *testing.T) {
		store := newStore(t)
		c := seedClient(t, store, "dave")
		src, err := store.CreateAccount(ctx, c.ID, USD)
		require.NoError(t, err)
		dst, err := store.CreateAccount(ctx, c.ID, USD)
		require.NoError(t, err)
		_, err = store.ApplyBalanceDelta(ctx, src.ID, dec("50"))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = store.Atomically(ctx, func(w Writer) error {
			require.NoError(t, w.LockAccounts(ctx, dst.ID, src.ID))
			if _, err := w.ApplyBalanceDelta(ctx, src.ID, dec("-20")); err != nil {
				return err
			}
			if _, err := w.ApplyBalanceDelta(ctx, dst.ID, dec("20")); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		s, err := store.AccountByID(ctx, src.ID)
		require.NoError(t, err)
		d, err := store.AccountByID(ctx, dst.ID)
		require.NoError(t, err)
		assert.True(t, dec("50").Equal(s.Balance))
		assert.True(t, d.Balance.IsZero())

		page, err := store.TransactionsForAccount(ctx, src.ID, PageRequest{})
		require.NoError(t, err)
		assert.Empty(t, page.Transactions)
	})

	t.Run("LockMissingAccount", func(t *testing.T) {
		store := newStore(t)
		c := seedClient(t, store, "erin")
		acc, err := store.CreateAccount(ctx, c.ID, USD)
		require.NoError(t, err)

		err = store.Atomically(ctx, func(w Writer) error {
			return w.LockAccounts(ctx, acc.ID, "6f1c3c1e-0d0e-4f55-8d1b-111111111111")
		})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("HistoryNewestFirst", func(t *testing.T) {
		store := newStore(t)
		c := seedClient(t, store, "frank")
		a, err := store.CreateAccount(ctx, c.ID, USD)
		require.NoError(t, err)
		b, err := store.CreateAccount(ctx, c.ID, EUR)
		require.NoError(t, err)

		base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			_, err := store.AppendTransaction(ctx, &Transaction{
				Timestamp: base.Add(time.Duration(i) * time.Minute), Description: "deposit",
				DestinationAccountID: a.ID, DestinationCurrency: USD,
				SourceAmountDebited: dec("1"), DestinationAmountCredited: dec("1"), Operation: OperationDeposit,
			})
			require.NoError(t, err)
		}
		transfer, err := store.AppendTransaction(ctx, &Transaction{
			Timestamp: base.Add(time.Hour), SourceAccountID: a.ID, DestinationAccountID: b.ID,
			SourceCurrency: USD, DestinationCurrency: EUR,
			SourceAmountDebited: dec("2"), DestinationAmountCredited: dec("1.8345"), Operation: OperationTransfer,
		})
		require.NoError(t, err)

		page, err := store.TransactionsForAccount(ctx, a.ID, PageRequest{Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, 6, page.Total)
		require.Len(t, page.Transactions, 3)
		assert.Equal(t, transfer.ID, page.Transactions[0].ID)
		assert.True(t, base.Add(4*time.Minute).Equal(page.Transactions[1].Timestamp))
		assert.True(t, dec("1.8345").Equal(page.Transactions[0].DestinationAmountCredited))
		assert.Equal(t, EUR, page.Transactions[0].DestinationCurrency)

		page, err = store.TransactionsForAccount(ctx, a.ID, PageRequest{Limit: 3, Offset: 5})
		require.NoError(t, err)
		require.Len(t, page.Transactions, 1)
		assert.True(t, base.Equal(page.Transactions[0].Timestamp))
		assert.Empty(t, page.Transactions[0].SourceAccountID)
		assert.Empty(t, page.Transactions[0].SourceCurrency)

		page, err = store.TransactionsForAccount(ctx, b.ID, PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
		assert.Equal(t, DirectionReceived, page.Transactions[0].DirectionFor(b.ID))
	})

	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) {
		store := newStore(t)
		c := seedClient(t, store, "grace")
		acc, err := store.CreateAccount(ctx, c.ID, USD)
		require.NoError(t, err)
		_, err = store.ApplyBalanceDelta(ctx, acc.ID, dec("100"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded, rejected := 0, 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Atomically(ctx, func(w Writer) error {
					if err := w.LockAccounts(ctx, acc.ID); err != nil {
						return err
					}
					_, err := w.ApplyBalanceDelta(ctx, acc.ID, dec("-10"))
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
				} else if errors.Is(err, ErrInsufficientFunds) {
					rejected++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, succeeded)
		assert.Equal(t, 10, rejected)
		final, err := store.AccountByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.True(t, final.Balance.IsZero())
	})
}
