package funds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/exchange"
	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/pkg/audit"
)

// RateProvider returns the rate table for a base currency.
type RateProvider interface {
	Rates(ctx context.Context, base ledger.Currency) (exchange.Rates, error)
}

// Auditor records completed movements.
type Auditor interface {
	AppendEvent(event string, fields map[string]any) (*audit.LogEntry, error)
}

// Service moves funds between ledger accounts on behalf of an authenticated caller.
type Service struct {
	store   ledger.Store
	rates   RateProvider
	logger  *slog.Logger
	auditor Auditor
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new funds service
func NewService(store ledger.Store, rates RateProvider, opts ...Option) *Service {
	s := &Service{
		store:  store,
		rates:  rates,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DepositRequest credits Amount to the account numbered IBAN.
type DepositRequest struct {
	IBAN   string          `json:"account_iban"`
	Amount decimal.Decimal `json:"amount"`
}

// WithdrawRequest debits Amount from the account numbered IBAN.
type WithdrawRequest struct {
	IBAN   string          `json:"account_iban"`
	Amount decimal.Decimal `json:"amount"`
}

// TransferRequest moves Amount, expressed in DestinationCurrency, between two accounts.
type TransferRequest struct {
	SourceIBAN          string          `json:"source_account_number"`
	DestinationIBAN     string          `json:"destination_account_number"`
	Amount              decimal.Decimal `json:"amount"`
	DestinationCurrency ledger.Currency `json:"destination_currency"`
	Description         string          `json:"description,omitempty"`
}

// Deposit credits the caller's account and records a DEPOSIT row.
func (s *Service) Deposit(ctx context.Context, caller auth.Caller, req DepositRequest) (*ledger.Account, error) {
	account, err := s.ownedAccount(ctx, caller, req.IBAN)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var updated *ledger.Account
	var stored *ledger.Transaction
	err = s.store.Atomically(ctx, func(w ledger.Writer) error {
		if err := w.LockAccounts(ctx, account.ID); err != nil {
			return err
		}
		var err error
		if updated, err = w.ApplyBalanceDelta(ctx, account.ID, req.Amount); err != nil {
			return err
		}
		stored, err = w.AppendTransaction(ctx, &ledger.Transaction{
			Timestamp:                 s.now().UTC(),
			DestinationAccountID:      account.ID,
			DestinationCurrency:       account.Currency,
			SourceAmountDebited:       decimal.Zero,
			DestinationAmountCredited: req.Amount,
			Operation:                 ledger.OperationDeposit,
		})
		return err
	})
	if err != nil {
		s.logger.Error("deposit failed", "account_id", account.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFailedAccountUpdate, err)
	}

	s.logger.Info("deposit completed", "account_id", account.ID, "amount", req.Amount.String(), "currency", account.Currency)
	s.record("deposit.completed", caller, stored)
	return updated, nil
}

// Withdraw debits the caller's account. A debit larger than the balance
// fails with ErrInsufficientBalance and changes nothing.
func (s *Service) Withdraw(ctx context.Context, caller auth.Caller, req WithdrawRequest) (*ledger.Account, error) {
	account, err := s.ownedAccount(ctx, caller, req.IBAN)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var updated *ledger.Account
	var stored *ledger.Transaction
	err = s.store.Atomically(ctx, func(w ledger.Writer) error {
		if err := w.LockAccounts(ctx, account.ID); err != nil {
			return err
		}
		var err error
		if updated, err = w.ApplyBalanceDelta(ctx, account.ID, req.Amount.Neg()); err != nil {
			return err
		}
		stored, err = w.AppendTransaction(ctx, &ledger.Transaction{
			Timestamp:                 s.now().UTC(),
			SourceAccountID:           account.ID,
			SourceCurrency:            account.Currency,
			SourceAmountDebited:       req.Amount,
			DestinationAmountCredited: decimal.Zero,
			Operation:                 ledger.OperationWithdrawal,
		})
		return err
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		s.logger.Warn("withdrawal rejected", "account_id", account.ID, "reason", ReasonInsufficientBalance)
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		s.logger.Error("withdrawal failed", "account_id", account.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFailedAccountUpdate, err)
	}

	s.logger.Info("withdrawal completed", "account_id", account.ID, "amount", req.Amount.String(), "currency", account.Currency)
	s.record("withdrawal.completed", caller, stored)
	return updated, nil
}

// Transfer evaluates the transfer rules in order and stops at the first
// rejection. A returned error means the system, not the request, failed:
// the rate provider was unavailable (exchange.ErrUnavailable) or the ledger
// write was rolled back (ErrFailedAccountUpdate).
func (s *Service) Transfer(ctx context.Context, caller auth.Caller, req TransferRequest) (*TransferResult, error) {
	source, err := s.store.AccountByIBAN(ctx, req.SourceIBAN)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return s.reject(req, ReasonSourceAccountNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	if !auth.IsOwner(caller, source) {
		return s.reject(req, ReasonUnauthorizedAccount), nil
	}

	destination, err := s.store.AccountByIBAN(ctx, req.DestinationIBAN)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return s.reject(req, ReasonDestinationAccountNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	if source.ID == destination.ID {
		return s.reject(req, ReasonIdenticalAccounts), nil
	}

	if req.DestinationCurrency != destination.Currency {
		return s.reject(req, ReasonInvalidCurrency), nil
	}
	if !req.Amount.IsPositive() {
		return s.reject(req, ReasonInvalidAmount), nil
	}

	debit, err := s.debitAmount(ctx, source.Currency, req.DestinationCurrency, req.Amount)
	if err != nil {
		s.logger.Error("exchange rate lookup failed", "base", req.DestinationCurrency, "quote", source.Currency, "error", err)
		return nil, err
	}

	tx := &ledger.Transaction{
		Description:               req.Description,
		SourceAccountID:           source.ID,
		DestinationAccountID:      destination.ID,
		SourceCurrency:            source.Currency,
		DestinationCurrency:       destination.Currency,
		SourceAmountDebited:       debit,
		DestinationAmountCredited: req.Amount,
		Operation:                 ledger.OperationTransfer,
	}

	var stored *ledger.Transaction
	err = s.store.Atomically(ctx, func(w ledger.Writer) error {
		if err := w.LockAccounts(ctx, source.ID, destination.ID); err != nil {
			return err
		}
		if _, err := w.ApplyBalanceDelta(ctx, source.ID, debit.Neg()); err != nil {
			return err
		}
		if _, err := w.ApplyBalanceDelta(ctx, destination.ID, req.Amount); err != nil {
			return err
		}
		tx.Timestamp = s.now().UTC()
		var err error
		stored, err = w.AppendTransaction(ctx, tx)
		return err
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return s.reject(req, ReasonInsufficientBalance), nil
	}
	if err != nil {
		s.logger.Error("transfer rolled back", "source_account_id", source.ID, "destination_account_id", destination.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFailedAccountUpdate, err)
	}

	s.logger.Info("transfer completed",
		"transaction_id", stored.ID,
		"source_account_id", source.ID,
		"destination_account_id", destination.ID,
		"debited", debit.String(),
		"credited", req.Amount.String(),
	)
	s.record("transfer.completed", caller, stored)
	return succeeded(stored), nil
}

// debitAmount converts amount, expressed in the destination currency, into
// the source currency. The rate is never assumed to be one.
func (s *Service) debitAmount(ctx context.Context, source, destination ledger.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if source == destination {
		return amount, nil
	}
	if s.rates == nil {
		return decimal.Zero, fmt.Errorf("%w: no rate provider configured", exchange.ErrUnavailable)
	}

	rates, err := s.rates.Rates(ctx, destination)
	if err != nil {
		if errors.Is(err, exchange.ErrUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	rate, ok := rates[source]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no %s rate for base %s", exchange.ErrUnavailable, source, destination)
	}
	return amount.Mul(rate), nil
}

// CreateAccount opens a zero-balance account in currency for the caller.
func (s *Service) CreateAccount(ctx context.Context, caller auth.Caller, currency ledger.Currency) (*ledger.Account, error) {
	if caller.ClientID == "" {
		return nil, ErrPermissionDenied
	}
	if !currency.Valid() {
		return nil, ErrInvalidCurrency
	}

	account, err := s.store.CreateAccount(ctx, caller.ClientID, currency)
	if err != nil {
		if errors.Is(err, ledger.ErrClientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("account opened", "account_id", account.ID, "client_id", caller.ClientID, "currency", currency)
	if s.auditor != nil {
		if _, err := s.auditor.AppendEvent("account.opened", map[string]any{
			"client_id":  caller.ClientID,
			"account_id": account.ID,
			"iban":       account.IBAN,
			"currency":   string(currency),
		}); err != nil {
			s.logger.Warn("audit append failed", "error", err)
		}
	}
	return account, nil
}

// AccountsForClient lists a client's accounts. Only the client itself may list them.
func (s *Service) AccountsForClient(ctx context.Context, caller auth.Caller, clientID string) ([]*ledger.Account, error) {
	if caller.ClientID == "" || caller.ClientID != clientID {
		return nil, ErrPermissionDenied
	}
	return s.store.AccountsForClient(ctx, clientID)
}

func (s *Service) ownedAccount(ctx context.Context, caller auth.Caller, iban string) (*ledger.Account, error) {
	account, err := s.store.AccountByIBAN(ctx, iban)
	if err != nil {
		return nil, err
	}
	if !auth.IsOwner(caller, account) {
		return nil, ErrPermissionDenied
	}
	return account, nil
}

func (s *Service) reject(req TransferRequest, r Reason) *TransferResult {
	s.logger.Warn("transfer rejected",
		"reason", r,
		"source_iban", req.SourceIBAN,
		"destination_iban", req.DestinationIBAN,
	)
	return failed(r)
}

func (s *Service) record(event string, caller auth.Caller, tx *ledger.Transaction) {
	if s.auditor == nil || tx == nil {
		return
	}
	_, err := s.auditor.AppendEvent(event, map[string]any{
		"client_id":              caller.ClientID,
		"transaction_id":         tx.ID,
		"operation":              string(tx.Operation),
		"source_account_id":      tx.SourceAccountID,
		"destination_account_id": tx.DestinationAccountID,
		"debited":                tx.SourceAmountDebited.String(),
		"credited":               tx.DestinationAmountCredited.String(),
		"timestamp":              tx.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Warn("audit append failed", "event", event, "error", err)
	}
}
