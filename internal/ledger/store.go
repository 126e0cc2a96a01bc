package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrClientNotFound    = errors.New("client not found")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrDuplicateClient   = errors.New("client already exists")
)

// Writer holds the mutating primitives that can be composed into one atomic unit.
type Writer interface {
	// LockAccounts takes row locks on the given accounts in a stable order.
	LockAccounts(ctx context.Context, accountIDs ...string) error
	// ApplyBalanceDelta atomically adds delta to the balance and rejects a
	// negative result with ErrInsufficientFunds.
	ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (*Account, error)
	// AppendTransaction persists an immutable ledger row and assigns its ID.
	AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)
}

// Store is the account ledger. Writer methods called on the Store directly run
// in their own transaction; Atomically groups several of them.
type Store interface {
	Writer

	AccountByIBAN(ctx context.Context, iban string) (*Account, error)
	AccountByID(ctx context.Context, id string) (*Account, error)
	AccountsForClient(ctx context.Context, clientID string) ([]*Account, error)
	CreateAccount(ctx context.Context, clientID string, currency Currency) (*Account, error)
	TransactionsForAccount(ctx context.Context, accountID string, page PageRequest) (*Page, error)

	// Atomically runs fn inside a single database transaction. Any error
	// returned by fn rolls back every write made through w.
	Atomically(ctx context.Context, fn func(w Writer) error) error

	CreateClient(ctx context.Context, c *Client) (*Client, error)
	ClientByID(ctx context.Context, id string) (*Client, error)
	ClientByUsername(ctx context.Context, username string) (*Client, error)

	Migrate(ctx context.Context) error
	Close()
}
