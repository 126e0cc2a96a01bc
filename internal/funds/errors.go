package funds

import "errors"

var (
	ErrPermissionDenied    = errors.New("you are not authorized perform action on this account")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidCurrency     = errors.New("unsupported currency")

	// ErrFailedAccountUpdate means the atomic unit failed for a reason other
	// than a business rule and everything in it was rolled back.
	ErrFailedAccountUpdate = errors.New("failed to perform transfer, transaction has been rolled back")
)
