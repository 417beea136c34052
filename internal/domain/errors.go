package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnknownChain       = errors.New("unknown chain")
	ErrQuoteUnavailable   = errors.New("quote unavailable")
	ErrVerificationFailed = errors.New("payment verification failed")
	ErrExecutionFailed    = errors.New("trade execution failed")
	ErrSettlement         = errors.New("escrow settlement failed")
	ErrLedgerFailure      = errors.New("ledger write failed")
	ErrProofClaimed       = errors.New("payment proof already claimed")
	ErrLockHeld           = errors.New("lock already held")
	ErrSigningFailed      = errors.New("signing failed")
)

// SettlementError reports an escrow release or refund that the node rejected.
type SettlementError struct {
	Op        string // "release" or "refund"
	TradeHash TradeHash
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("escrow %s %s: %v", e.Op, e.TradeHash.Hex(), e.Err)
}

// Unwrap exposes both ErrSettlement and the underlying cause.
func (e *SettlementError) Unwrap() []error {
	return []error{ErrSettlement, e.Err}
}
