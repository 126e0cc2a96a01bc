package funds

import "github.com/example/fx-ledger/internal/ledger"

// TransferStatus is the overall outcome of a transfer.
type TransferStatus string

const (
	StatusSuccessful TransferStatus = "SUCCESSFUL"
	StatusFailed     TransferStatus = "FAILED"
)

// Reason says why a transfer was rejected.
type Reason string

const (
	ReasonInvalidAmount              Reason = "INVALID_AMOUNT"
	ReasonSourceAccountNotFound      Reason = "SOURCE_ACCOUNT_NOT_FOUND"
	ReasonUnauthorizedAccount        Reason = "UNAUTHORIZED_ACCOUNT"
	ReasonDestinationAccountNotFound Reason = "DESTINATION_ACCOUNT_NOT_FOUND"
	ReasonIdenticalAccounts          Reason = "IDENTICAL_SOURCE_AND_DESTINATION_ACCOUNT"
	ReasonInvalidCurrency            Reason = "INVALID_CURRENCY"
	ReasonInsufficientBalance        Reason = "INSUFFICIENT_BALANCE"
)

// Human readable messages returned to API callers.
const (
	MessageTransferSucceeded   = "Transfer Performed Successfully"
	MessageTransferError       = "Failed to perform transfer, transaction has been rolled back"
	MessageExchangeUnavailable = "Unable to retrieve exchange rates"
	MessageAccountNotFound     = "Account not found"
	MessageClientNotFound      = "Client not found"
	MessageUnauthorized        = "You are not authorized perform action on this account"
	MessageInsufficientBalance = "Insufficient balance"
	MessageInvalidAmount       = "Amount must be greater than zero"
	MessageCreateAccountError  = "Failed to create account"
)

var reasonMessages = map[Reason]string{
	ReasonInvalidAmount:              MessageInvalidAmount,
	ReasonSourceAccountNotFound:      "Source account not found",
	ReasonUnauthorizedAccount:        MessageUnauthorized,
	ReasonDestinationAccountNotFound: "Destination account not found",
	ReasonIdenticalAccounts:          "Source and destination account are identical",
	ReasonInvalidCurrency:            "The currency of funds in the transfer operation must match the receiver's account currency",
	ReasonInsufficientBalance:        MessageInsufficientBalance,
}

// Message returns the caller-facing text for r.
func (r Reason) Message() string {
	return reasonMessages[r]
}

// TransferResult is the outcome of a transfer that reached a decision.
// Business rule rejections are results, not errors.
type TransferResult struct {
	Status      TransferStatus      `json:"status"`
	Reason      Reason              `json:"reason,omitempty"`
	Message     string              `json:"message"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
}

func failed(r Reason) *TransferResult {
	return &TransferResult{Status: StatusFailed, Reason: r, Message: r.Message()}
}

func succeeded(tx *ledger.Transaction) *TransferResult {
	return &TransferResult{Status: StatusSuccessful, Message: MessageTransferSucceeded, Transaction: tx}
}
