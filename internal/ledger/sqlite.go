package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// sqliteTimeLayout is fixed-width so that TEXT ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		username TEXT UNIQUE NOT NULL,
		secret_hash TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		iban TEXT UNIQUE NOT NULL,
		currency TEXT NOT NULL CHECK (currency IN ('USD', 'EUR', 'GBP', 'UAH', 'JPY', 'CAD')),
		balance TEXT NOT NULL DEFAULT '0',
		client_id TEXT NOT NULL REFERENCES clients(id),
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_client_id ON accounts(client_id)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		source_account_id TEXT REFERENCES accounts(id),
		destination_account_id TEXT REFERENCES accounts(id),
		source_currency TEXT,
		destination_currency TEXT,
		source_amount_debited TEXT NOT NULL,
		destination_amount_credited TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('DEPOSIT', 'WITHDRAWAL', 'TRANSFER'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_source ON transactions(source_account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_destination ON transactions(destination_account_id, created_at)`,
}

const sqliteAccountColumns = `id, iban, currency, balance, client_id, created_at`

const sqliteTransactionColumns = `id, created_at, description, source_account_id, destination_account_id,
	source_currency, destination_currency, source_amount_debited, destination_amount_credited, operation`

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore keeps the ledger in a SQLite file or in memory. Balances are
// decimal strings, so arithmetic happens in Go inside an immediate transaction
// on the single writer connection.
type SQLiteStore struct {
	db      *sql.DB
	NewIBAN IBANGenerator
	now     func() time.Time
}

// OpenSQLite opens (or creates) a SQLite ledger at path. Use ":memory:" for an
// ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_txlock=immediate&_foreign_keys=1&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return NewSQLiteStore(db), nil
}

// NewSQLiteStore wraps an already opened database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, NewIBAN: GenerateIBAN, now: time.Now}
}

// Migrate creates the ledger schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) AccountByIBAN(ctx context.Context, iban string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE iban = ?`, iban)
	return scanSQLiteAccount(row)
}

func (s *SQLiteStore) AccountByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id)
	return scanSQLiteAccount(row)
}

func (s *SQLiteStore) AccountsForClient(ctx context.Context, clientID string) ([]*Account, error) {
	if _, err := s.ClientByID(ctx, clientID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE client_id = ? ORDER BY created_at, rowid`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []*Account{}
	for rows.Next() {
		account, err := scanSQLiteAccount(rows)
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

func (s *SQLiteStore) CreateAccount(ctx context.Context, clientID string, currency Currency) (*Account, error) {
	if !currency.Valid() {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}
	if _, err := s.ClientByID(ctx, clientID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxIBANAttempts; attempt++ {
		iban, err := s.NewIBAN()
		if err != nil {
			return nil, err
		}

		account := &Account{
			ID:        uuid.NewString(),
			IBAN:      iban,
			Currency:  currency,
			Balance:   decimal.Zero,
			ClientID:  clientID,
			CreatedAt: s.now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO accounts (id, iban, currency, balance, client_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, account.ID, account.IBAN, string(account.Currency), account.Balance.String(), account.ClientID, formatSQLiteTime(account.CreatedAt))
		if err != nil {
			if isSQLiteUnique(err) {
				continue
			}
			return nil, fmt.Errorf("failed to insert account: %w", err)
		}
		return account, nil
	}

	return nil, fmt.Errorf("failed to create account after %d IBAN collisions", maxIBANAttempts)
}

func (s *SQLiteStore) LockAccounts(ctx context.Context, accountIDs ...string) error {
	return (&sqliteWriter{q: s.db}).LockAccounts(ctx, accountIDs...)
}

func (s *SQLiteStore) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (*Account, error) {
	var account *Account
	err := s.Atomically(ctx, func(w Writer) error {
		var err error
		account, err = w.ApplyBalanceDelta(ctx, accountID, delta)
		return err
	})
	return account, err
}

func (s *SQLiteStore) AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	return (&sqliteWriter{q: s.db}).AppendTransaction(ctx, tx)
}

// Atomically runs fn inside one immediate (write-locked) transaction.
func (s *SQLiteStore) Atomically(ctx context.Context, fn func(w Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteWriter{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TransactionsForAccount(ctx context.Context, accountID string, page PageRequest) (*Page, error) {
	page = page.Normalize()

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM transactions
		WHERE source_account_id = ? OR destination_account_id = ?
	`, accountID, accountID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTransactionColumns+`
		FROM transactions
		WHERE source_account_id = ? OR destination_account_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, accountID, accountID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	result := &Page{Transactions: []*Transaction{}, Total: total, Limit: page.Limit, Offset: page.Offset}
	for rows.Next() {
		tx, err := scanSQLiteTransaction(rows)
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

func (s *SQLiteStore) CreateClient(ctx context.Context, c *Client) (*Client, error) {
	created := *c
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Scopes == nil {
		created.Scopes = []string{}
	}
	created.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, email, username, secret_hash, scopes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, created.ID, created.Name, created.Email, created.Username, created.SecretHash,
		strings.Join(created.Scopes, " "), formatSQLiteTime(created.CreatedAt))
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, ErrDuplicateClient
		}
		return nil, fmt.Errorf("failed to insert client: %w", err)
	}
	return &created, nil
}

func (s *SQLiteStore) ClientByID(ctx context.Context, id string) (*Client, error) {
	return s.clientWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) ClientByUsername(ctx context.Context, username string) (*Client, error) {
	return s.clientWhere(ctx, "username = ?", username)
}

func (s *SQLiteStore) clientWhere(ctx context.Context, cond string, arg any) (*Client, error) {
	var c Client
	var scopes, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, username, secret_hash, scopes, created_at
		FROM clients WHERE `+cond, arg).Scan(
		&c.ID, &c.Name, &c.Email, &c.Username, &c.SecretHash, &scopes, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	c.Scopes = strings.Fields(scopes)
	if c.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

type sqliteWriter struct {
	q sqlQuerier
}

// LockAccounts only verifies existence: the immediate transaction already
// holds the database write lock.
func (w *sqliteWriter) LockAccounts(ctx context.Context, accountIDs ...string) error {
	for _, id := range uniqueStrings(accountIDs) {
		var exists bool
		if err := w.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = ?)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}
		if !exists {
			return ErrAccountNotFound
		}
	}
	return nil
}

func (w *sqliteWriter) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (*Account, error) {
	account, err := scanSQLiteAccount(w.q.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, accountID))
	if err != nil {
		return nil, err
	}

	next := account.Balance.Add(delta)
	if next.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	// Conditional on the balance we read, so a concurrent writer cannot be overwritten.
	res, err := w.q.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ? AND balance = ?`,
		next.String(), accountID, account.Balance.String())
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("failed to update balance: account %s changed concurrently", accountID)
	}

	account.Balance = next
	return account, nil
}

func (w *sqliteWriter) AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	stored := *tx
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Timestamp = stored.Timestamp.UTC()

	_, err := w.q.ExecContext(ctx, `
		INSERT INTO transactions (`+sqliteTransactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, formatSQLiteTime(stored.Timestamp), stored.Description,
		nullable(stored.SourceAccountID), nullable(stored.DestinationAccountID),
		nullable(string(stored.SourceCurrency)), nullable(string(stored.DestinationCurrency)),
		stored.SourceAmountDebited.String(), stored.DestinationAmountCredited.String(),
		string(stored.Operation))
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return &stored, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*Account, error) {
	var a Account
	var currency, balance, createdAt string
	err := row.Scan(&a.ID, &a.IBAN, &currency, &balance, &a.ClientID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Currency = Currency(currency)
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("invalid balance for account %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSQLiteTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var ts, debited, credited, op string
	var src, dst, srcCur, dstCur sql.NullString
	err := row.Scan(&t.ID, &ts, &t.Description, &src, &dst, &srcCur, &dstCur, &debited, &credited, &op)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if t.Timestamp, err = parseSQLiteTime(ts); err != nil {
		return nil, err
	}
	if t.SourceAmountDebited, err = decimal.NewFromString(debited); err != nil {
		return nil, fmt.Errorf("invalid debited amount on transaction %s: %w", t.ID, err)
	}
	if t.DestinationAmountCredited, err = decimal.NewFromString(credited); err != nil {
		return nil, fmt.Errorf("invalid credited amount on transaction %s: %w", t.ID, err)
	}
	t.SourceAccountID = src.String
	t.DestinationAccountID = dst.String
	t.SourceCurrency = Currency(srcCur.String)
	t.DestinationCurrency = Currency(dstCur.String)
	t.Operation = Operation(op)
	return &t, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
