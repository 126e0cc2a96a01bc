package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is one of the fixed set of currencies an account can hold.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	UAH Currency = "UAH"
	JPY Currency = "JPY"
	CAD Currency = "CAD"
)

// Currencies lists every supported currency.
var Currencies = []Currency{USD, EUR, GBP, UAH, JPY, CAD}

// Valid reports whether c belongs to the supported set.
func (c Currency) Valid() bool {
	for _, known := range Currencies {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCurrency converts a currency code, case-insensitively, into a Currency.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if !c.Valid() {
		return "", fmt.Errorf("unsupported currency %q", code)
	}
	return c, nil
}

// Operation is the kind of ledger entry.
type Operation string

const (
	OperationDeposit    Operation = "DEPOSIT"
	OperationWithdrawal Operation = "WITHDRAWAL"
	OperationTransfer   Operation = "TRANSFER"
)

// Direction is derived per viewing account when history is read. It is never stored.
type Direction string

const (
	DirectionSent     Direction = "SENT"
	DirectionReceived Direction = "RECEIVED"
)

// Account is a client-owned balance in a single currency.
type Account struct {
	ID        string          `json:"id"`
	IBAN      string          `json:"iban"`
	Currency  Currency        `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	ClientID  string          `json:"client_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transaction is an immutable ledger row. Deposits have no source side and
// withdrawals have no destination side; empty strings stand for "absent".
type Transaction struct {
	ID                        string          `json:"id"`
	Timestamp                 time.Time       `json:"timestamp"`
	Description               string          `json:"description,omitempty"`
	SourceAccountID           string          `json:"source_account_id,omitempty"`
	DestinationAccountID      string          `json:"destination_account_id,omitempty"`
	SourceCurrency            Currency        `json:"source_currency,omitempty"`
	DestinationCurrency       Currency        `json:"destination_currency,omitempty"`
	SourceAmountDebited       decimal.Decimal `json:"source_amount_debited"`
	DestinationAmountCredited decimal.Decimal `json:"destination_amount_credited"`
	Operation                 Operation       `json:"operation"`
}

// DirectionFor annotates t from the point of view of accountID.
func (t *Transaction) DirectionFor(accountID string) Direction {
	if t.SourceAccountID != "" && t.SourceAccountID == accountID {
		return DirectionSent
	}
	return DirectionReceived
}

// Client owns accounts. Only ID is consulted by the funds engine; the rest
// backs token issuance.
type Client struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	SecretHash string    `json:"-"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// PageRequest selects a window of rows by offset and limit.
type PageRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize clamps the request to sane bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page is one window of an account's transactions, newest first.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	Total        int            `json:"total"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
}
