package funds

import (
	"context"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/ledger"
)

// AnnotatedTransaction is a ledger row as seen from one account.
type AnnotatedTransaction struct {
	*ledger.Transaction
	Direction ledger.Direction `json:"direction"`
}

// HistoryPage is one window of an account's history, newest first.
type HistoryPage struct {
	AccountID    string                  `json:"account_id"`
	Transactions []*AnnotatedTransaction `json:"transactions"`
	Total        int                     `json:"total"`
	Limit        int                     `json:"limit"`
	Offset       int                     `json:"offset"`
}

// ListTransactions pages the transactions touching accountID, which the caller must own.
func (s *Service) ListTransactions(ctx context.Context, caller auth.Caller, accountID string, page ledger.PageRequest) (*HistoryPage, error) {
	account, err := s.store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !auth.IsOwner(caller, account) {
		return nil, ErrPermissionDenied
	}

	rows, err := s.store.TransactionsForAccount(ctx, account.ID, page.Normalize())
	if err != nil {
		return nil, err
	}

	out := &HistoryPage{
		AccountID:    account.ID,
		Transactions: make([]*AnnotatedTransaction, 0, len(rows.Transactions)),
		Total:        rows.Total,
		Limit:        rows.Limit,
		Offset:       rows.Offset,
	}
	for _, tx := range rows.Transactions {
		out.Transactions = append(out.Transactions, &AnnotatedTransaction{
			Transaction: tx,
			Direction:   tx.DirectionFor(account.ID),
		})
	}
	return out, nil
}
