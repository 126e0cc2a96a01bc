package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Validator checks ledger invariants against what is stored.
type Validator struct {
	store Store
	now   func() time.Time
}

// NewValidator creates a new validator instance
func NewValidator(store Store) *Validator {
	return &Validator{store: store, now: time.Now}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	AccountID      string         `json:"account_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

func (v *Validator) result(kind, accountID string, ok bool, msg string, details map[string]any) *ValidationResult {
	return &ValidationResult{
		IsValid:        ok,
		ValidationType: kind,
		Message:        msg,
		AccountID:      accountID,
		Timestamp:      v.now().UTC(),
		Details:        details,
	}
}

// ValidateAccountNumber checks the IBAN check digits of an account number.
func (v *Validator) ValidateAccountNumber(iban string) *ValidationResult {
	if !ValidIBAN(iban) {
		return v.result("account_number", "", false, fmt.Sprintf("account number %q has invalid check digits", iban), nil)
	}
	return v.result("account_number", "", true, fmt.Sprintf("account number %q is valid", iban), nil)
}

// ValidateAccountBalanceConsistency replays every ledger row touching the
// account and compares the net movement with the stored balance.
func (v *Validator) ValidateAccountBalanceConsistency(ctx context.Context, accountID string) *ValidationResult {
	const kind = "balance_consistency"

	account, err := v.store.AccountByID(ctx, accountID)
	if err != nil {
		return v.result(kind, accountID, false, fmt.Sprintf("failed to get account: %v", err), nil)
	}

	credits, debits := decimal.Zero, decimal.Zero
	rows := 0
	for offset := 0; ; offset += MaxPageLimit {
		page, err := v.store.TransactionsForAccount(ctx, accountID, PageRequest{Limit: MaxPageLimit, Offset: offset})
		if err != nil {
			return v.result(kind, accountID, false, fmt.Sprintf("failed to read transactions: %v", err), nil)
		}
		for _, tx := range page.Transactions {
			if tx.DestinationAccountID == accountID {
				credits = credits.Add(tx.DestinationAmountCredited)
			}
			if tx.SourceAccountID == accountID {
				debits = debits.Add(tx.SourceAmountDebited)
			}
		}
		rows += len(page.Transactions)
		if len(page.Transactions) < MaxPageLimit {
			break
		}
	}

	expected := credits.Sub(debits)
	details := map[string]any{
		"actual_balance":   account.Balance.String(),
		"expected_balance": expected.String(),
		"credits":          credits.String(),
		"debits":           debits.String(),
		"transactions":     rows,
		"iban":             account.IBAN,
		"currency":         string(account.Currency),
	}

	if account.Balance.IsNegative() {
		return v.result(kind, accountID, false, fmt.Sprintf("negative balance: %s", account.Balance), details)
	}
	if !account.Balance.Equal(expected) {
		details["difference"] = account.Balance.Sub(expected).String()
		return v.result(kind, accountID, false,
			fmt.Sprintf("balance inconsistency: actual (%s) != expected (%s)", account.Balance, expected), details)
	}
	return v.result(kind, accountID, true, fmt.Sprintf("balance is consistent: %s", account.Balance), details)
}

// ValidateClient runs the balance check on every account the client owns.
func (v *Validator) ValidateClient(ctx context.Context, clientID string) ([]*ValidationResult, error) {
	accounts, err := v.store.AccountsForClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	results := make([]*ValidationResult, 0, len(accounts)*2)
	for _, account := range accounts {
		results = append(results, v.ValidateAccountNumber(account.IBAN))
		results = append(results, v.ValidateAccountBalanceConsistency(ctx, account.ID))
	}
	return results, nil
}
