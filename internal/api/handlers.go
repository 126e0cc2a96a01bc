package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/exchange"
	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/internal/security"
)

type createAccountRequest struct {
	Currency ledger.Currency `json:"currency"`
}

type accountResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Account       *ledger.Account `json:"account"`
}

type listAccountsResponse struct {
	CorrelationID string            `json:"correlation_id"`
	ClientID      string            `json:"client_id"`
	Accounts      []*ledger.Account `json:"accounts"`
}

type transferResponse struct {
	CorrelationID string `json:"correlation_id"`
	*funds.TransferResult
}

type historyResponse struct {
	CorrelationID string `json:"correlation_id"`
	*funds.HistoryPage
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}

		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		acc, err := deps.Funds.CreateAccount(r.Context(), caller, req.Currency)
		if err != nil {
			if !writeFundsError(w, r, err) {
				deps.Logger.Error("create account failed", "client_id", caller.ClientID, "error", err)
				security.WriteJSONErrorMessage(w, r, http.StatusInternalServerError, "internal_error", funds.MessageCreateAccountError)
			}
			return
		}

		writeJSON(w, r, http.StatusCreated, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acc,
		})
	}
}

func handleListClientAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}

		clientID := chi.URLParam(r, "clientID")
		accounts, err := deps.Funds.AccountsForClient(r.Context(), caller, clientID)
		if err != nil {
			if !writeFundsError(w, r, err) {
				deps.Logger.Error("list accounts failed", "client_id", clientID, "error", err)
				security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			}
			return
		}

		writeJSON(w, r, http.StatusOK, listAccountsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			ClientID:      clientID,
			Accounts:      accounts,
		})
	}
}

func handleDeposit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}

		var req funds.DepositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		acc, err := deps.Funds.Deposit(r.Context(), caller, req)
		if err != nil {
			if !writeFundsError(w, r, err) {
				deps.Logger.Error("deposit failed", "error", err)
				security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			}
			return
		}

		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acc,
		})
	}
}

func handleWithdraw(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}

		var req funds.WithdrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		acc, err := deps.Funds.Withdraw(r.Context(), caller, req)
		if err != nil {
			if !writeFundsError(w, r, err) {
				deps.Logger.Error("withdrawal failed", "error", err)
				security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			}
			return
		}

		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       acc,
		})
	}
}

func handleTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}

		var req funds.TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		cid := security.CorrelationIDFromContext(r.Context())
		result, err := deps.Funds.Transfer(r.Context(), caller, req)
		switch {
		case errors.Is(err, exchange.ErrUnavailable):
			writeJSON(w, r, http.StatusServiceUnavailable, transferResponse{
				CorrelationID:  cid,
				TransferResult: &funds.TransferResult{Status: funds.StatusFailed, Message: funds.MessageExchangeUnavailable},
			})
			return
		case errors.Is(err, funds.ErrFailedAccountUpdate):
			deps.Logger.Error("transfer rolled back", "cid", cid, "error", err)
			writeJSON(w, r, http.StatusInternalServerError, transferResponse{
				CorrelationID:  cid,
				TransferResult: &funds.TransferResult{Status: funds.StatusFailed, Message: funds.MessageTransferError},
			})
			return
		case err != nil:
			deps.Logger.Error("transfer failed", "cid", cid, "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		status := http.StatusOK
		if result.Status != funds.StatusSuccessful {
			status = http.StatusBadRequest
		}
		writeJSON(w, r, status, transferResponse{CorrelationID: cid, TransferResult: result})
	}
}

func handleListTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}

		var page ledger.PageRequest
		if v := r.URL.Query().Get("limit"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil || i < 0 {
				security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
				return
			}
			page.Limit = i
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil || i < 0 {
				security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "offset must be a non-negative integer")
				return
			}
			page.Offset = i
		}

		history, err := deps.Funds.ListTransactions(r.Context(), caller, chi.URLParam(r, "accountID"), page)
		if err != nil {
			if !writeFundsError(w, r, err) {
				deps.Logger.Error("list transactions failed", "error", err)
				security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			}
			return
		}

		writeJSON(w, r, http.StatusOK, historyResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			HistoryPage:   history,
		})
	}
}

func callerOrReject(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthorized")
	}
	return caller, ok
}

// writeFundsError maps the orchestrator's sentinel errors to a response.
// It returns false when err is unknown and nothing was written.
func writeFundsError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		security.WriteJSONErrorMessage(w, r, http.StatusNotFound, "account_not_found", funds.MessageAccountNotFound)
	case errors.Is(err, ledger.ErrClientNotFound):
		security.WriteJSONErrorMessage(w, r, http.StatusNotFound, "client_not_found", funds.MessageClientNotFound)
	case errors.Is(err, funds.ErrPermissionDenied):
		security.WriteJSONErrorMessage(w, r, http.StatusForbidden, "forbidden", funds.MessageUnauthorized)
	case errors.Is(err, funds.ErrInsufficientBalance):
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "insufficient_balance", funds.MessageInsufficientBalance)
	case errors.Is(err, funds.ErrInvalidAmount):
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_amount", funds.MessageInvalidAmount)
	case errors.Is(err, funds.ErrInvalidCurrency):
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_currency")
	case errors.Is(err, exchange.ErrUnavailable):
		security.WriteJSONErrorMessage(w, r, http.StatusServiceUnavailable, "exchange_unavailable", funds.MessageExchangeUnavailable)
	case errors.Is(err, funds.ErrFailedAccountUpdate):
		security.WriteJSONErrorMessage(w, r, http.StatusInternalServerError, "account_update_failed", err.Error())
	default:
		return false
	}
	return true
}
