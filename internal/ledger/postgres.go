package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation = "23505"
	maxIBANAttempts   = 3
	queryTimeout      = 5 * time.Second
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		username TEXT UNIQUE NOT NULL,
		secret_hash TEXT NOT NULL,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		iban TEXT UNIQUE NOT NULL,
		currency TEXT NOT NULL CHECK (currency IN ('USD', 'EUR', 'GBP', 'UAH', 'JPY', 'CAD')),
		balance NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
		client_id UUID NOT NULL REFERENCES clients(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_client_id ON accounts(client_id)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		created_at TIMESTAMPTZ NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		source_account_id UUID REFERENCES accounts(id),
		destination_account_id UUID REFERENCES accounts(id),
		source_currency TEXT,
		destination_currency TEXT,
		source_amount_debited NUMERIC NOT NULL CHECK (source_amount_debited >= 0),
		destination_amount_credited NUMERIC NOT NULL CHECK (destination_amount_credited >= 0),
		operation TEXT NOT NULL CHECK (operation IN ('DEPOSIT', 'WITHDRAWAL', 'TRANSFER'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_source ON transactions(source_account_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_destination ON transactions(destination_account_id, created_at DESC)`,
}

const pgAccountColumns = `id, iban, currency, balance::text, client_id, created_at`

const pgTransactionColumns = `id, created_at, description, source_account_id, destination_account_id,
	source_currency, destination_currency, source_amount_debited::text, destination_amount_credited::text, operation`

const pgTransactionInsertColumns = `id, created_at, description, source_account_id, destination_account_id,
	source_currency, destination_currency, source_amount_debited, destination_amount_credited, operation`

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production ledger backed by a pgx connection pool.
type PostgresStore struct {
	Pool    *pgxpool.Pool
	NewIBAN IBANGenerator
	now     func() time.Time
}

// NewPostgresStore creates a new PostgreSQL ledger store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, NewIBAN: GenerateIBAN, now: time.Now}
}

// Migrate creates the ledger schema if it does not exist.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresMigrations {
		if _, err := ps.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Close closes the PostgreSQL pool.
func (ps *PostgresStore) Close() {
	ps.Pool.Close()
}

// AccountByIBAN retrieves an account by its external account number.
func (ps *PostgresStore) AccountByIBAN(ctx context.Context, iban string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := ps.Pool.QueryRow(queryCtx, `SELECT `+pgAccountColumns+` FROM accounts WHERE iban = $1`, iban)
	return scanPgAccount(row)
}

// AccountByID retrieves an account by its identifier.
func (ps *PostgresStore) AccountByID(ctx context.Context, id string) (*Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrAccountNotFound
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := ps.Pool.QueryRow(queryCtx, `SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id)
	return scanPgAccount(row)
}

// AccountsForClient lists the accounts owned by a client.
func (ps *PostgresStore) AccountsForClient(ctx context.Context, clientID string) ([]*Account, error) {
	if _, err := ps.ClientByID(ctx, clientID); err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `SELECT `+pgAccountColumns+` FROM accounts WHERE client_id = $1 ORDER BY created_at`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []*Account{}
	for rows.Next() {
		account, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// CreateAccount opens a zero-balance account. A colliding IBAN is regenerated.
func (ps *PostgresStore) CreateAccount(ctx context.Context, clientID string, currency Currency) (*Account, error) {
	if !currency.Valid() {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}
	if _, err := ps.ClientByID(ctx, clientID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxIBANAttempts; attempt++ {
		iban, err := ps.NewIBAN()
		if err != nil {
			return nil, err
		}

		account, err := ps.insertAccount(ctx, clientID, currency, iban)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "accounts_iban_key" {
				continue
			}
			return nil, err
		}
		return account, nil
	}

	return nil, fmt.Errorf("failed to create account after %d IBAN collisions", maxIBANAttempts)
}

func (ps *PostgresStore) insertAccount(ctx context.Context, clientID string, currency Currency, iban string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := ps.Pool.QueryRow(queryCtx, `
		INSERT INTO accounts (id, iban, currency, balance, client_id, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING `+pgAccountColumns,
		uuid.NewString(), iban, string(currency), clientID, ps.now().UTC())
	account, err := scanPgAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	return account, nil
}

// LockAccounts on the store itself has no transaction to hold the locks in.
func (ps *PostgresStore) LockAccounts(ctx context.Context, accountIDs ...string) error {
	return nil
}

// ApplyBalanceDelta runs a single-account balance update in its own transaction.
func (ps *PostgresStore) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (*Account, error) {
	var account *Account
	err := ps.Atomically(ctx, func(w Writer) error {
		var err error
		account, err = w.ApplyBalanceDelta(ctx, accountID, delta)
		return err
	})
	return account, err
}

// AppendTransaction persists a ledger row outside of any wider unit.
func (ps *PostgresStore) AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	return (&pgWriter{q: ps.Pool}).AppendTransaction(ctx, tx)
}

// Atomically runs fn inside one READ COMMITTED transaction. Balance updates are
// conditional single statements, so no serialization retries are needed.
func (ps *PostgresStore) Atomically(ctx context.Context, fn func(w Writer) error) error {
	tx, err := ps.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgWriter{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TransactionsForAccount pages the rows where the account is source or destination.
func (ps *PostgresStore) TransactionsForAccount(ctx context.Context, accountID string, page PageRequest) (*Page, error) {
	page = page.Normalize()

	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var total int
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT count(*) FROM transactions
		WHERE source_account_id = $1 OR destination_account_id = $1
	`, accountID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+pgTransactionColumns+`
		FROM transactions
		WHERE source_account_id = $1 OR destination_account_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3
	`, accountID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	result := &Page{Transactions: []*Transaction{}, Total: total, Limit: page.Limit, Offset: page.Offset}
	for rows.Next() {
		tx, err := scanPgTransaction(rows)
		if err != nil {
			return nil, err
		}
		result.Transactions = append(result.Transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return result, nil
}

// CreateClient registers a client record used for token issuance.
func (ps *PostgresStore) CreateClient(ctx context.Context, c *Client) (*Client, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	created := *c
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Scopes == nil {
		created.Scopes = []string{}
	}
	created.CreatedAt = ps.now().UTC()

	_, err := ps.Pool.Exec(queryCtx, `
		INSERT INTO clients (id, name, email, username, secret_hash, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, created.ID, created.Name, created.Email, created.Username, created.SecretHash, created.Scopes, created.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateClient
		}
		return nil, fmt.Errorf("failed to insert client: %w", err)
	}
	return &created, nil
}

// ClientByID looks a client up by identifier.
func (ps *PostgresStore) ClientByID(ctx context.Context, id string) (*Client, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrClientNotFound
	}
	return ps.clientWhere(ctx, "id = $1", id)
}

// ClientByUsername looks a client up by login name.
func (ps *PostgresStore) ClientByUsername(ctx context.Context, username string) (*Client, error) {
	return ps.clientWhere(ctx, "username = $1", username)
}

func (ps *PostgresStore) clientWhere(ctx context.Context, cond string, arg any) (*Client, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var c Client
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT id, name, email, username, secret_hash, scopes, created_at
		FROM clients WHERE `+cond, arg).Scan(
		&c.ID, &c.Name, &c.Email, &c.Username, &c.SecretHash, &c.Scopes, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

// pgWriter performs the mutating primitives against a pool or an open transaction.
type pgWriter struct {
	q pgQuerier
}

func (w *pgWriter) LockAccounts(ctx context.Context, accountIDs ...string) error {
	ids := append([]string(nil), accountIDs...)
	sort.Strings(ids)

	rows, err := w.q.Query(ctx, `SELECT id FROM accounts WHERE id = ANY($1::text[]::uuid[]) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("failed to lock accounts: %w", err)
	}
	defer rows.Close()

	locked := 0
	for rows.Next() {
		locked++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to lock accounts: %w", err)
	}
	if locked != len(uniqueStrings(ids)) {
		return ErrAccountNotFound
	}
	return nil
}

func (w *pgWriter) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (*Account, error) {
	row := w.q.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $2::numeric
		WHERE id = $1 AND balance + $2::numeric >= 0
		RETURNING `+pgAccountColumns,
		accountID, delta.String())
	account, err := scanPgAccount(row)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	// No row matched: either the account is missing or the guard rejected it.
	var exists bool
	if err := w.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check account existence: %w", err)
	}
	if !exists {
		return nil, ErrAccountNotFound
	}
	return nil, ErrInsufficientFunds
}

func (w *pgWriter) AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	stored := *tx
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Timestamp = stored.Timestamp.UTC()

	_, err := w.q.Exec(ctx, `
		INSERT INTO transactions (`+pgTransactionInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10)
	`, stored.ID, stored.Timestamp, stored.Description,
		nullable(stored.SourceAccountID), nullable(stored.DestinationAccountID),
		nullable(string(stored.SourceCurrency)), nullable(string(stored.DestinationCurrency)),
		stored.SourceAmountDebited.String(), stored.DestinationAmountCredited.String(),
		string(stored.Operation))
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return &stored, nil
}

func scanPgAccount(row pgx.Row) (*Account, error) {
	var a Account
	var currency string
	err := row.Scan(&a.ID, &a.IBAN, &currency, &a.Balance, &a.ClientID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Currency = Currency(currency)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func scanPgTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var src, dst, srcCur, dstCur sql.NullString
	var op string
	err := row.Scan(&t.ID, &t.Timestamp, &t.Description, &src, &dst, &srcCur, &dstCur,
		&t.SourceAmountDebited, &t.DestinationAmountCredited, &op)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	t.Timestamp = t.Timestamp.UTC()
	t.SourceAccountID = src.String
	t.DestinationAccountID = dst.String
	t.SourceCurrency = Currency(srcCur.String)
	t.DestinationCurrency = Currency(dstCur.String)
	t.Operation = Operation(op)
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
