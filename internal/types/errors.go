package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrSandboxNotFound is returned when a sandbox does not exist or the
	// caller has no relationship to it at all.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrPermissionDenied is returned when the caller is known to the sandbox
	// but lacks the permission the operation requires.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidQuantity is returned for trades with a non-positive quantity.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")

	// ErrInvalidSide is returned for trades whose side is neither BUY nor SELL.
	ErrInvalidSide = errors.New("side must be BUY or SELL")

	// ErrQuoteUnavailable is returned when no current price can be obtained
	// for a symbol. Trades are never retried silently: the price could move.
	ErrQuoteUnavailable = errors.New("could not fetch current price")
)

// InsufficientFundsError rejects a BUY whose total cost exceeds the cash
// balance. Carries the numeric shortfall for user feedback.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds ($%s < $%s)",
		e.Available.StringFixed(2), e.Required.StringFixed(2))
}

// InsufficientSharesError rejects a SELL larger than the owned quantity.
type InsufficientSharesError struct {
	Owned     decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares (%s < %s)",
		e.Owned.String(), e.Requested.String())
}

// HistorySeedError is advisory: equity-history seeding failed and a minimal
// fallback curve was served instead. It never fails the portfolio view.
type HistorySeedError struct {
	Cause error
}

func (e *HistorySeedError) Error() string {
	return fmt.Sprintf("equity history reconstruction failed: %v", e.Cause)
}

func (e *HistorySeedError) Unwrap() error { return e.Cause }
