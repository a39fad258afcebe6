package exchange

import "errors"

// Every failed operation returns one of these (possibly wrapping a cause).
// Match with errors.Is.
var (
	// ErrInvalidAsset: wrong asset kind for the operation, or unknown token
	ErrInvalidAsset = errors.New("invalid asset")
	// ErrInsufficientBalance: the operation would drive a balance negative
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidOrder: unknown order id or non-positive order amounts
	ErrInvalidOrder = errors.New("invalid order")
	// ErrOrderUnavailable: order already filled or cancelled
	ErrOrderUnavailable = errors.New("order unavailable")
	// ErrUnauthorized: canceller is not the maker
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransferFailed: a token transfer did not succeed
	ErrTransferFailed = errors.New("transfer failed")
	// ErrWithdrawFailed: the native value transfer did not succeed
	ErrWithdrawFailed = errors.New("withdraw failed")
	// ErrOverflow: a balance or fee exceeds 256 bits
	ErrOverflow = errors.New("overflow")
	// ErrPersistence: the operation could not be durably committed
	ErrPersistence = errors.New("persistence failed")
)
